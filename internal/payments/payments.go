// Package payments keeps the client's view of every escrow payment in sync
// with the chain and dispatches the admin release and refund actions.
//
// Every reconciliation pass rebuilds the whole collection from the deposit
// log and a fresh getPaymentDetails read per payment. Live events only
// trigger passes; they never patch the collection directly.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/dante4rt/tuition-escrow-dapp/internal/admin"
	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/notify"
	"github.com/dante4rt/tuition-escrow-dapp/internal/units"
)

const (
	defaultDecimals   uint8 = 6
	detailConcurrency       = 8
	fetchErrorPrefix        = "Failed to fetch payment history. "
)

var (
	ErrNotAdmin       = errors.New("connected account is not an escrow admin")
	ErrActionInFlight = errors.New("another admin action is still in flight")
)

// Chain is the part of the escrow client the view-model uses.
type Chain interface {
	DepositLogs(ctx context.Context, from uint64, to *uint64) ([]types.Log, error)
	PaymentDetails(ctx context.Context, id [32]byte) (contracts.PaymentRecord, error)
	TokenDecimals(ctx context.Context) (uint8, error)
	ReleasePayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error)
	RefundPayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	escrow.Watcher
}

// AdminStatus reports whether the connected account is an admin.
type AdminStatus interface {
	Status() admin.Status
}

// Signer hands out transactors for the connected account.
type Signer interface {
	Transactor(ctx context.Context) (*bind.TransactOpts, error)
}

// Payment is the client's read-only projection of an escrow payment.
type Payment struct {
	ID               common.Hash             `json:"id"`
	Payer            common.Address          `json:"payer"`
	University       common.Address          `json:"university"`
	Amount           *big.Int                `json:"amount"`
	AmountFormatted  string                  `json:"amountFormatted"`
	InvoiceRef       string                  `json:"invoiceRef"`
	Status           contracts.PaymentStatus `json:"status"`
	StatusText       string                  `json:"statusText"`
	DepositTimestamp time.Time               `json:"depositTimestamp"`
	OriginBlock      uint64                  `json:"originBlock"`
}

type ActionKind string

const (
	ActionRelease ActionKind = "release"
	ActionRefund  ActionKind = "refund"
)

// Marker identifies the admin action in flight.
type Marker struct {
	PaymentID common.Hash `json:"paymentId"`
	Kind      ActionKind  `json:"kind"`
}

// Action is a submitted admin action. Done yields the confirmation result
// once and is then closed.
type Action struct {
	Marker
	Tx   common.Hash
	Done <-chan error
}

type Snapshot struct {
	Payments        []Payment `json:"payments"`
	Loading         bool      `json:"loading"`
	Error           string    `json:"error,omitempty"`
	Marker          *Marker   `json:"marker,omitempty"`
	Decimals        uint8     `json:"decimals"`
	SkippedLogs     int       `json:"skippedLogs"`
	LastActionError string    `json:"lastActionError,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Observer receives pass and action outcomes, for metrics.
type Observer interface {
	PassFinished(d time.Duration, skipped int, err error)
	ActionFinished(kind ActionKind, outcome string)
	PaymentsByStatus(counts map[contracts.PaymentStatus]int)
}

// Action outcome labels.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

type Option func(*ViewModel)

func WithObserver(o Observer) Option {
	return func(v *ViewModel) { v.observer = o }
}

// WithResubscribeBackoff caps the wait between failed attempts to restore a
// dropped event subscription.
func WithResubscribeBackoff(d time.Duration) Option {
	return func(v *ViewModel) { v.backoff = d }
}

// WithFromBlock sets the first block scanned for deposit logs.
func WithFromBlock(n uint64) Option {
	return func(v *ViewModel) { v.fromBlock = n }
}

// ViewModel owns the payment collection and the pending action marker.
type ViewModel struct {
	chain     Chain
	admin     AdminStatus
	signer    Signer
	notifier  notify.Notifier
	lggr      logger.Logger
	observer  Observer
	fromBlock uint64
	backoff   time.Duration

	mu         sync.Mutex
	payments   map[common.Hash]Payment
	decimals   uint8
	loading    int
	errMsg     string
	skipped    int
	marker     *Marker
	actionErr  string
	updatedAt  time.Time
	startedSeq uint64
	appliedSeq uint64
}

func New(chain Chain, adminStatus AdminStatus, signer Signer, n notify.Notifier, lggr logger.Logger, opts ...Option) *ViewModel {
	v := &ViewModel{
		chain:    chain,
		admin:    adminStatus,
		signer:   signer,
		notifier: n,
		lggr:     lggr.Named("payments"),
		payments: make(map[common.Hash]Payment),
		decimals: defaultDecimals,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Snapshot returns the sorted collection and the surrounding state.
func (v *ViewModel) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		Payments:        make([]Payment, 0, len(v.payments)),
		Loading:         v.loading > 0,
		Error:           v.errMsg,
		Decimals:        v.decimals,
		SkippedLogs:     v.skipped,
		LastActionError: v.actionErr,
		UpdatedAt:       v.updatedAt,
	}
	for _, p := range v.payments {
		s.Payments = append(s.Payments, p)
	}
	if v.marker != nil {
		m := *v.marker
		s.Marker = &m
	}
	Sort(s.Payments)
	return s
}

// Sort orders payments pending first, then by descending origin block.
func Sort(ps []Payment) {
	slices.SortStableFunc(ps, func(a, b Payment) int {
		ap, bp := a.Status == contracts.StatusPending, b.Status == contracts.StatusPending
		switch {
		case ap && !bp:
			return -1
		case !ap && bp:
			return 1
		case a.OriginBlock != b.OriginBlock:
			if a.OriginBlock > b.OriginBlock {
				return -1
			}
			return 1
		default:
			return a.ID.Cmp(b.ID)
		}
	})
}

// Refresh runs one full reconciliation pass. On error the previous
// collection stays and the error is kept for display until a later pass
// succeeds. A pass that finishes after a later-started pass was applied is
// discarded.
func (v *ViewModel) Refresh(ctx context.Context) error {
	v.mu.Lock()
	v.startedSeq++
	seq := v.startedSeq
	v.loading++
	v.mu.Unlock()

	start := time.Now()
	payments, decimals, skipped, err := v.fetch(ctx)
	elapsed := time.Since(start)

	v.mu.Lock()
	v.loading--
	if seq < v.appliedSeq {
		v.mu.Unlock()
		v.lggr.Debugw("Discarding superseded pass", "pass", seq, "applied", v.appliedSeq)
		return nil
	}
	v.appliedSeq = seq
	if err != nil {
		v.errMsg = fetchErrorPrefix + escrow.ShortMessage(err)
		v.mu.Unlock()
		v.lggr.Errorw("Reconciliation pass failed", "pass", seq, "err", err)
		v.observePass(elapsed, skipped, err)
		return err
	}
	v.payments = payments
	v.decimals = decimals
	v.skipped = skipped
	v.errMsg = ""
	v.updatedAt = time.Now().UTC()
	counts := statusCounts(payments)
	v.mu.Unlock()

	v.lggr.Debugw("Reconciliation pass applied", "pass", seq, "payments", len(payments), "skipped", skipped, "took", elapsed)
	v.observePass(elapsed, skipped, nil)
	if v.observer != nil {
		v.observer.PaymentsByStatus(counts)
	}
	return nil
}

func (v *ViewModel) fetch(ctx context.Context) (map[common.Hash]Payment, uint8, int, error) {
	decimals, err := v.chain.TokenDecimals(ctx)
	if err != nil {
		v.lggr.Debugw("Token decimals unavailable, using default", "default", defaultDecimals, "err", err)
		decimals = defaultDecimals
	}

	logs, err := v.chain.DepositLogs(ctx, v.fromBlock, nil)
	if err != nil {
		return nil, decimals, 0, err
	}

	type origin struct {
		id    [32]byte
		block uint64
	}
	var (
		origins []origin
		seen    = make(map[[32]byte]bool)
		skipped int
	)
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := contracts.DecodeDeposited(l)
		if err != nil {
			skipped++
			v.lggr.Warnw("Skipping undecodable deposit log", "tx", l.TxHash.Hex(), "index", l.Index, "err", err)
			continue
		}
		if seen[ev.PaymentId] {
			continue
		}
		seen[ev.PaymentId] = true
		origins = append(origins, origin{id: ev.PaymentId, block: l.BlockNumber})
	}

	records := make([]contracts.PaymentRecord, len(origins))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, o := range origins {
		g.Go(func() error {
			rec, err := v.chain.PaymentDetails(gctx, o.id)
			if err != nil {
				return fmt.Errorf("payment %s: %w", common.Hash(o.id).Hex(), err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, decimals, skipped, err
	}

	out := make(map[common.Hash]Payment, len(origins))
	for i, o := range origins {
		rec := records[i]
		if !rec.Exists() {
			continue
		}
		status := contracts.PaymentStatus(rec.Status)
		id := common.Hash(o.id)
		out[id] = Payment{
			ID:               id,
			Payer:            rec.Payer,
			University:       rec.University,
			Amount:           rec.Amount,
			AmountFormatted:  units.FormatUnits(rec.Amount, decimals),
			InvoiceRef:       rec.InvoiceRef,
			Status:           status,
			StatusText:       status.String(),
			DepositTimestamp: unixTime(rec.DepositTimestamp),
			OriginBlock:      o.block,
		}
	}
	return out, decimals, skipped, nil
}

// Release submits releasePayment for id.
func (v *ViewModel) Release(ctx context.Context, id common.Hash) (*Action, error) {
	return v.dispatch(ctx, ActionRelease, id)
}

// Refund submits refundPayment for id.
func (v *ViewModel) Refund(ctx context.Context, id common.Hash) (*Action, error) {
	return v.dispatch(ctx, ActionRefund, id)
}

// dispatch submits the action and returns once it is on its way; the
// confirmation is awaited in the background. Only one action may be in
// flight at a time.
func (v *ViewModel) dispatch(ctx context.Context, kind ActionKind, id common.Hash) (*Action, error) {
	if !v.admin.Status().IsAdmin {
		return nil, ErrNotAdmin
	}

	v.mu.Lock()
	if v.marker != nil {
		v.mu.Unlock()
		return nil, ErrActionInFlight
	}
	v.marker = &Marker{PaymentID: id, Kind: kind}
	v.actionErr = ""
	v.mu.Unlock()

	verb := "Releasing"
	submit := v.chain.ReleasePayment
	if kind == ActionRefund {
		verb = "Refunding"
		submit = v.chain.RefundPayment
	}
	lggr := v.lggr.With("payment", id.Hex(), "action", kind)
	v.notifier.Notify(notify.New(notify.LevelLoading, notify.KeyAdminAction,
		fmt.Sprintf("%s payment %s...", verb, id.Hex()[:10])))

	opts, err := v.signer.Transactor(ctx)
	if err == nil {
		var tx *types.Transaction
		if tx, err = submit(opts, id); err == nil {
			lggr.Infow("Admin action submitted", "tx", tx.Hash().Hex())
			done := make(chan error, 1)
			go v.confirm(context.WithoutCancel(ctx), kind, tx, lggr, done)
			return &Action{Marker: Marker{PaymentID: id, Kind: kind}, Tx: tx.Hash(), Done: done}, nil
		}
	}

	msg := verb + " failed: " + escrow.ShortMessage(err)
	v.clearMarker(msg)
	v.notifier.Notify(notify.New(notify.LevelError, notify.KeyAdminAction, msg))
	lggr.Warnw("Admin action rejected", "err", err)
	v.observeAction(kind, OutcomeRejected)
	return nil, fmt.Errorf("%s %s: %w", kind, id.Hex(), err)
}

func (v *ViewModel) confirm(ctx context.Context, kind ActionKind, tx *types.Transaction, lggr logger.Logger, done chan<- error) {
	defer close(done)

	receipt, err := v.chain.WaitMined(ctx, tx)
	if err != nil {
		msg := "Action failed: " + escrow.ShortMessage(err)
		v.clearMarker(msg)
		v.notifier.Notify(notify.New(notify.LevelError, notify.KeyAdminAction, msg))
		lggr.Warnw("Admin action failed", "tx", tx.Hash().Hex(), "err", err)
		v.observeAction(kind, OutcomeFailed)
		done <- err
		return
	}

	v.clearMarker("")
	v.notifier.Notify(notify.New(notify.LevelSuccess, notify.KeyAdminAction, "Action confirmed successfully!"))
	lggr.Infow("Admin action confirmed", "tx", tx.Hash().Hex(), "block", receipt.BlockNumber)
	v.observeAction(kind, OutcomeConfirmed)
	if err := v.Refresh(ctx); err != nil {
		lggr.Warnw("Pass after confirmation failed", "err", err)
	}
	done <- nil
}

func (v *ViewModel) clearMarker(actionErr string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marker = nil
	v.actionErr = actionErr
}

// Run performs an initial pass, then watches deposit, release and refund
// events, running a pass for each delivery. Dropped subscriptions are
// restored and followed by a pass covering the gap. It returns when ctx is
// done.
func (v *ViewModel) Run(ctx context.Context) error {
	if err := v.Refresh(ctx); err != nil && errors.Is(err, escrow.ErrEscrowNotConfigured) {
		v.lggr.Warnw("Escrow not configured, payment watchers disabled")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range []string{contracts.EventPaymentDeposited, contracts.EventPaymentReleased, contracts.EventPaymentRefunded} {
		sink := make(chan types.Log, 16)
		sub, resubscribed, err := escrow.WatchResilient(gctx, v.chain, name, sink, v.backoff, v.lggr)
		if err != nil {
			return fmt.Errorf("watch %s: %w", name, err)
		}
		g.Go(func() error {
			defer sub.Unsubscribe()
			for {
				select {
				case <-gctx.Done():
					return nil
				case err, ok := <-sub.Err():
					if ok && err != nil {
						v.lggr.Errorw("Event subscription ended", "event", name, "err", err)
					}
					return nil
				case <-resubscribed:
					if err := v.Refresh(gctx); err != nil && gctx.Err() == nil {
						v.lggr.Warnw("Pass after resubscribe failed", "event", name, "err", err)
					}
				case l := <-sink:
					v.onLogs(gctx, name, drain(l, sink))
				}
			}
		})
	}
	return g.Wait()
}

// drain collects first and whatever else is already queued so a burst
// costs one pass.
func drain(first types.Log, sink <-chan types.Log) []types.Log {
	logs := []types.Log{first}
	for {
		select {
		case l := <-sink:
			logs = append(logs, l)
		default:
			return logs
		}
	}
}

func (v *ViewModel) onLogs(ctx context.Context, name string, logs []types.Log) {
	for _, l := range logs {
		v.notifier.Notify(notify.New(notify.LevelSuccess, "", eventMessage(name, l)))
	}
	if err := v.Refresh(ctx); err != nil && ctx.Err() == nil {
		v.lggr.Warnw("Pass after event failed", "event", name, "err", err)
	}
}

func eventMessage(name string, l types.Log) string {
	if name == contracts.EventPaymentDeposited {
		return "New payment deposited! Refreshing list..."
	}
	verb := "released"
	if name == contracts.EventPaymentRefunded {
		verb = "refunded"
	}
	ev, err := contracts.DecodeResolved(name, l)
	if err != nil {
		return fmt.Sprintf("Payment %s! Refreshing list...", verb)
	}
	return fmt.Sprintf("Payment %s... %s! Refreshing list...", common.Hash(ev.PaymentId).Hex()[:10], verb)
}

func (v *ViewModel) observePass(d time.Duration, skipped int, err error) {
	if v.observer != nil {
		v.observer.PassFinished(d, skipped, err)
	}
}

func (v *ViewModel) observeAction(kind ActionKind, outcome string) {
	if v.observer != nil {
		v.observer.ActionFinished(kind, outcome)
	}
}

func statusCounts(ps map[common.Hash]Payment) map[contracts.PaymentStatus]int {
	counts := map[contracts.PaymentStatus]int{
		contracts.StatusPending:  0,
		contracts.StatusReleased: 0,
		contracts.StatusRefunded: 0,
	}
	for _, p := range ps {
		counts[p.Status]++
	}
	return counts
}

func unixTime(ts *big.Int) time.Time {
	if ts == nil || !ts.IsInt64() {
		return time.Time{}
	}
	return time.Unix(ts.Int64(), 0).UTC()
}
