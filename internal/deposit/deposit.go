// Package deposit drives the two-step deposit: a token approval for the
// escrow, then the escrow deposit, strictly one after the other.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/notify"
	"github.com/dante4rt/tuition-escrow-dapp/internal/units"
	"github.com/dante4rt/tuition-escrow-dapp/internal/wallet"
)

// DefaultDecimals is assumed when the token's decimals cannot be read.
const DefaultDecimals uint8 = 6

type State string

const (
	StateIdle       State = "idle"
	StateApproving  State = "approving"
	StateDepositing State = "depositing"
)

var (
	ErrFlowBusy          = errors.New("a deposit is already in progress")
	ErrMissingFields     = errors.New("university, amount and invoice reference are required")
	ErrInvalidUniversity = errors.New("university is not a valid address")
	ErrZeroAmount        = errors.New("amount must be greater than zero")
)

// Chain is the part of the escrow client the flow uses.
type Chain interface {
	TokenDecimals(ctx context.Context) (uint8, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Approve(opts *bind.TransactOpts, amount *big.Int) (*types.Transaction, error)
	DepositTuition(opts *bind.TransactOpts, university common.Address, amount *big.Int, invoiceRef string) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Wallet supplies the session and its signer.
type Wallet interface {
	Session() wallet.Session
	Transactor(ctx context.Context) (*bind.TransactOpts, error)
}

type University struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
}

type Form struct {
	University string `json:"university"`
	Amount     string `json:"amount"`
	InvoiceRef string `json:"invoiceRef"`
}

// Result describes a completed deposit.
type Result struct {
	PaymentID  *common.Hash   `json:"paymentId,omitempty"`
	ApproveTx  common.Hash    `json:"approveTx"`
	DepositTx  common.Hash    `json:"depositTx"`
	Amount     *big.Int       `json:"amount"`
	University common.Address `json:"university"`
	InvoiceRef string         `json:"invoiceRef"`
}

type Snapshot struct {
	State      State   `json:"state"`
	Form       Form    `json:"form"`
	LastError  string  `json:"lastError,omitempty"`
	LastResult *Result `json:"lastResult,omitempty"`
}

// Outcome labels reported to the outcome hook.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

type Option func(*Controller)

// WithOutcomeHook registers fn to run when a flow finishes.
func WithOutcomeHook(fn func(outcome string)) Option {
	return func(c *Controller) { c.onOutcome = fn }
}

// Controller runs at most one deposit flow at a time.
type Controller struct {
	chain        Chain
	wallet       Wallet
	notifier     notify.Notifier
	universities []University
	lggr         logger.Logger
	onOutcome    func(string)

	mu         sync.Mutex
	state      State
	form       Form
	lastErr    string
	lastResult *Result
}

func NewController(chain Chain, w Wallet, n notify.Notifier, universities []University, lggr logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		chain:        chain,
		wallet:       w,
		notifier:     n,
		universities: universities,
		lggr:         lggr.Named("deposit"),
		state:        StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) Universities() []University {
	return append([]University(nil), c.universities...)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{State: c.state, Form: c.form, LastError: c.lastErr}
	if c.lastResult != nil {
		r := *c.lastResult
		s.LastResult = &r
	}
	return s
}

// Decimals reads the token decimals, falling back to DefaultDecimals.
func (c *Controller) Decimals(ctx context.Context) uint8 {
	d, err := c.chain.TokenDecimals(ctx)
	if err != nil {
		c.lggr.Warnw("Token decimals unavailable, assuming default", "default", DefaultDecimals, "err", err)
		return DefaultDecimals
	}
	return d
}

type request struct {
	university common.Address
	amount     *big.Int
	invoiceRef string
}

// Submit runs the whole flow and returns once the deposit is confirmed or
// the flow failed.
func (c *Controller) Submit(ctx context.Context, form Form) (Result, error) {
	req, err := c.begin(ctx, form)
	if err != nil {
		return Result{}, err
	}
	return c.run(ctx, req)
}

// Start validates form and runs the flow in the background. Entry guard
// errors are returned directly; later failures show up in Snapshot and as
// notifications.
func (c *Controller) Start(ctx context.Context, form Form) error {
	req, err := c.begin(ctx, form)
	if err != nil {
		return err
	}
	go func() {
		_, _ = c.run(context.WithoutCancel(ctx), req)
	}()
	return nil
}

func (c *Controller) begin(ctx context.Context, form Form) (request, error) {
	s := c.wallet.Session()
	form = Form{
		University: strings.TrimSpace(form.University),
		Amount:     strings.TrimSpace(form.Amount),
		InvoiceRef: strings.TrimSpace(form.InvoiceRef),
	}
	switch {
	case !s.Connected:
		c.notifier.Notify(notify.New(notify.LevelError, "", "Please fill all fields and connect wallet."))
		return request{}, wallet.ErrNotConnected
	case s.WrongNetwork:
		return request{}, wallet.ErrWrongNetwork
	case form.University == "" || form.Amount == "" || form.InvoiceRef == "":
		c.notifier.Notify(notify.New(notify.LevelError, "", "Please fill all fields and connect wallet."))
		return request{}, ErrMissingFields
	case !common.IsHexAddress(form.University):
		return request{}, ErrInvalidUniversity
	}

	amount, err := units.ParseUnits(form.Amount, c.Decimals(ctx))
	if err != nil {
		return request{}, err
	}
	if amount.Sign() == 0 {
		return request{}, ErrZeroAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return request{}, ErrFlowBusy
	}
	c.state = StateApproving
	c.form = form
	c.lastErr = ""
	return request{
		university: common.HexToAddress(form.University),
		amount:     amount,
		invoiceRef: form.InvoiceRef,
	}, nil
}

func (c *Controller) run(ctx context.Context, req request) (Result, error) {
	res := Result{Amount: req.amount, University: req.university, InvoiceRef: req.invoiceRef}
	lggr := c.lggr.With("university", req.university.Hex(), "amount", req.amount.String(), "invoiceRef", req.invoiceRef)

	// phase 1: approval
	c.notifier.Notify(notify.New(notify.LevelLoading, notify.KeyDepositAction, "Requesting USDC approval..."))
	opts, err := c.wallet.Transactor(ctx)
	if err != nil {
		return res, c.fail(lggr, "Approval failed: ", "approve", err)
	}
	tx, err := c.chain.Approve(opts, req.amount)
	if err != nil {
		return res, c.fail(lggr, "Approval failed: ", "approve", err)
	}
	res.ApproveTx = tx.Hash()
	lggr.Infow("Approval submitted", "tx", tx.Hash().Hex())
	if _, err := c.chain.WaitMined(ctx, tx); err != nil {
		return res, c.fail(lggr, "Transaction failed: ", "approve receipt", err)
	}
	c.notifier.Notify(notify.New(notify.LevelSuccess, notify.KeyDepositAction, "Transaction confirmed! USDC Approved."))

	// phase 2: deposit, only after the approval receipt
	c.setState(StateDepositing)
	c.notifier.Notify(notify.New(notify.LevelLoading, notify.KeyDepositAction, "Depositing funds into escrow..."))
	opts, err = c.wallet.Transactor(ctx)
	if err != nil {
		return res, c.fail(lggr, "Deposit failed: ", "deposit", err)
	}
	tx, err = c.chain.DepositTuition(opts, req.university, req.amount, req.invoiceRef)
	if err != nil {
		return res, c.fail(lggr, "Deposit failed: ", "deposit", err)
	}
	res.DepositTx = tx.Hash()
	lggr.Infow("Deposit submitted", "tx", tx.Hash().Hex())
	receipt, err := c.chain.WaitMined(ctx, tx)
	if err != nil {
		return res, c.fail(lggr, "Transaction failed: ", "deposit receipt", err)
	}
	res.PaymentID = paymentIDFromReceipt(receipt)

	c.mu.Lock()
	c.state = StateIdle
	c.form.Amount = ""
	c.form.InvoiceRef = ""
	c.lastErr = ""
	c.lastResult = &res
	c.mu.Unlock()

	c.notifier.Notify(notify.New(notify.LevelSuccess, notify.KeyDepositAction, "Transaction confirmed! Deposit Successful!"))
	lggr.Infow("Deposit confirmed", "tx", res.DepositTx.Hex(), "block", receipt.BlockNumber)
	c.outcome(OutcomeSucceeded)
	return res, nil
}

func (c *Controller) fail(lggr logger.Logger, prefix, phase string, err error) error {
	msg := prefix + escrow.ShortMessage(err)
	err = fmt.Errorf("%s: %w", phase, err)
	c.mu.Lock()
	c.state = StateIdle
	c.lastErr = msg
	c.mu.Unlock()

	c.notifier.Notify(notify.New(notify.LevelError, notify.KeyDepositAction, msg))
	lggr.Warnw("Deposit flow failed", "err", err)
	c.outcome(OutcomeFailed)
	return err
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) outcome(o string) {
	if c.onOutcome != nil {
		c.onOutcome(o)
	}
}

func paymentIDFromReceipt(receipt *types.Receipt) *common.Hash {
	if receipt == nil {
		return nil
	}
	for _, l := range receipt.Logs {
		ev, err := contracts.DecodeDeposited(*l)
		if err != nil {
			continue
		}
		id := common.Hash(ev.PaymentId)
		return &id
	}
	return nil
}

// Preset is a quick-fill amount derived from the balance.
type Preset struct {
	Percent int    `json:"percent"`
	Amount  string `json:"amount"`
}

type Balance struct {
	Raw       *big.Int `json:"raw"`
	Decimals  uint8    `json:"decimals"`
	Formatted string   `json:"formatted"`
	Presets   []Preset `json:"presets"`
}

var presetPercents = []int{25, 50, 75, 100}

// Balance returns the connected account's token balance with two fraction
// digits and the 25/50/75/100 percent presets.
func (c *Controller) Balance(ctx context.Context) (Balance, error) {
	s := c.wallet.Session()
	if !s.Connected {
		return Balance{}, wallet.ErrNotConnected
	}
	raw, err := c.chain.TokenBalance(ctx, s.Address)
	if err != nil {
		return Balance{}, fmt.Errorf("token balance: %w", err)
	}
	decimals := c.Decimals(ctx)
	b := Balance{
		Raw:       raw,
		Decimals:  decimals,
		Formatted: units.FormatFixed(raw, decimals, 2),
	}
	for _, pct := range presetPercents {
		b.Presets = append(b.Presets, Preset{Percent: pct, Amount: units.Fraction(raw, decimals, int64(pct))})
	}
	return b, nil
}
