package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
)

// Addresses the in-memory chain deploys its contracts at.
var (
	FakeEscrowAddress = common.HexToAddress("0xea158C90CD570Cd123be71604CF794EAD6c2F233")
	FakeTokenAddress  = common.HexToAddress("0xb532baA9582a59920026d39d06BBf82fa291cF78")
)

// Read names accepted by FailRead.
const (
	ReadOwner          = "Owner"
	ReadPaymentDetails = "PaymentDetails"
	ReadDepositLogs    = "DepositLogs"
	ReadTokenDecimals  = "TokenDecimals"
	ReadTokenBalance   = "TokenBalance"
	ReadTokenAllowance = "TokenAllowance"
	ReadPing           = "Ping"
	// ReadWatch fails new Watch subscriptions.
	ReadWatch = "Watch"
)

var errAmountRequired = errors.New("amount is required")

var errorStringArgs = func() abi.Arguments {
	ty, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: ty}}
}()

// FakeClient is an in-memory escrow and token pair. It enforces the rules
// the deployed contracts enforce (owner-only resolution, pending-only
// transitions, allowance and balance checks) so client flows run without a
// node. Transactions are mined on submission unless auto-mining is off.
type FakeClient struct {
	mu sync.Mutex

	owner    common.Address
	decimals uint8
	now      func() time.Time

	balances     map[common.Address]*big.Int
	allowances   map[common.Address]*big.Int
	payments     map[[32]byte]contracts.PaymentRecord
	paymentNonce int64

	block    uint64
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	reverts  map[common.Hash]error
	pending  []pendingTx
	autoMine bool
	mined    chan struct{}
	txNonces map[common.Address]uint64

	feeds      map[string]*event.Feed
	submitted  []string
	submitErrs map[string]error
	readErrs   map[string]error
	drops      map[chan error]struct{}
}

type pendingTx struct {
	tx    *types.Transaction
	apply func(commit bool) ([]types.Log, error)
}

// NewFakeClient returns an in-memory chain whose escrow is owned by owner.
func NewFakeClient(owner common.Address) *FakeClient {
	return &FakeClient{
		owner:      owner,
		decimals:   6,
		now:        time.Now,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
		payments:   make(map[[32]byte]contracts.PaymentRecord),
		receipts:   make(map[common.Hash]*types.Receipt),
		reverts:    make(map[common.Hash]error),
		autoMine:   true,
		mined:      make(chan struct{}),
		txNonces:   make(map[common.Address]uint64),
		feeds:      make(map[string]*event.Feed),
		submitErrs: make(map[string]error),
		readErrs:   make(map[string]error),
		drops:      make(map[chan error]struct{}),
	}
}

func (f *FakeClient) EscrowAddress() common.Address { return FakeEscrowAddress }

func (f *FakeClient) TokenAddress() common.Address { return FakeTokenAddress }

// Mint credits amount tokens to addr.
func (f *FakeClient) Mint(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credit(addr, amount)
}

// SetDecimals changes the token's reported decimals.
func (f *FakeClient) SetDecimals(d uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals = d
}

// SetAutoMine toggles mining on submission. With it off, transactions stay
// pending until Mine.
func (f *FakeClient) SetAutoMine(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoMine = on
}

// Mine includes every pending transaction in a new block.
func (f *FakeClient) Mine() {
	f.mu.Lock()
	emitted := f.mineLocked()
	f.mu.Unlock()
	f.publish(emitted)
}

// FailNextSubmit makes the next submission of method fail with err.
func (f *FakeClient) FailNextSubmit(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs[method] = err
}

// FailRead makes the named read fail with err until cleared with a nil err.
func (f *FakeClient) FailRead(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.readErrs, name)
		return
	}
	f.readErrs[name] = err
}

// Submitted lists the contract methods submitted so far, in order,
// including rejected submissions.
func (f *FakeClient) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// InjectLog mines a block containing l as emitted by the escrow, without
// touching contract state.
func (f *FakeClient) InjectLog(l types.Log) {
	f.mu.Lock()
	f.block++
	l = f.placeLog(l, common.Hash{}, 0)
	f.mu.Unlock()
	f.publish([]types.Log{l})
}

// TransferOwnership moves escrow ownership and emits OwnershipTransferred.
func (f *FakeClient) TransferOwnership(next common.Address) {
	f.mu.Lock()
	prev := f.owner
	f.owner = next
	f.block++
	l := f.placeLog(contracts.EncodeOwnershipTransferred(prev, next), common.Hash{}, 0)
	f.mu.Unlock()
	f.publish([]types.Log{l})
}

func (f *FakeClient) Ping(context.Context) error {
	return f.readErr(ReadPing)
}

func (f *FakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *FakeClient) Owner(context.Context) (common.Address, error) {
	if err := f.readErr(ReadOwner); err != nil {
		return common.Address{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, nil
}

func (f *FakeClient) PaymentDetails(_ context.Context, id [32]byte) (contracts.PaymentRecord, error) {
	if err := f.readErr(ReadPaymentDetails); err != nil {
		return contracts.PaymentRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return contracts.PaymentRecord{Amount: new(big.Int), DepositTimestamp: new(big.Int)}, nil
	}
	p.Amount = new(big.Int).Set(p.Amount)
	p.DepositTimestamp = new(big.Int).Set(p.DepositTimestamp)
	return p, nil
}

func (f *FakeClient) DepositLogs(_ context.Context, from uint64, to *uint64) ([]types.Log, error) {
	if err := f.readErr(ReadDepositLogs); err != nil {
		return nil, err
	}
	topic := contracts.EventID(contracts.EventPaymentDeposited)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < from || (to != nil && l.BlockNumber > *to) {
			continue
		}
		if len(l.Topics) > 0 && l.Topics[0] == topic {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *FakeClient) TokenDecimals(context.Context) (uint8, error) {
	if err := f.readErr(ReadTokenDecimals); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decimals, nil
}

func (f *FakeClient) TokenBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	if err := f.readErr(ReadTokenBalance); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balanceOf(owner)), nil
}

func (f *FakeClient) TokenAllowance(_ context.Context, owner common.Address) (*big.Int, error) {
	if err := f.readErr(ReadTokenAllowance); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowanceOf(owner)), nil
}

func (f *FakeClient) Approve(opts *bind.TransactOpts, amount *big.Int) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrNoTransactOpts
	}
	if amount == nil {
		return nil, errAmountRequired
	}
	from := opts.From
	value := copyInt(amount)
	return f.submit(opts, FakeTokenAddress, contracts.TokenABI, contracts.MethodApprove,
		[]any{FakeEscrowAddress, value},
		func(commit bool) ([]types.Log, error) {
			if commit {
				f.allowances[from] = value
			}
			return nil, nil
		})
}

func (f *FakeClient) DepositTuition(opts *bind.TransactOpts, university common.Address, amount *big.Int, invoiceRef string) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrNoTransactOpts
	}
	if amount == nil {
		return nil, errAmountRequired
	}
	from := opts.From
	value := copyInt(amount)
	return f.submit(opts, FakeEscrowAddress, contracts.EscrowABI, contracts.MethodDepositTuition,
		[]any{university, value, invoiceRef},
		func(commit bool) ([]types.Log, error) {
			switch {
			case value.Sign() <= 0:
				return nil, reasonError("Amount must be greater than zero")
			case university == (common.Address{}):
				return nil, reasonError("Invalid university address")
			case invoiceRef == "":
				return nil, reasonError("Invoice reference cannot be empty")
			}
			allowance := f.allowanceOf(from)
			if allowance.Cmp(value) < 0 {
				return nil, customError(contracts.TokenABI, "ERC20InsufficientAllowance", FakeEscrowAddress, allowance, value)
			}
			balance := f.balanceOf(from)
			if balance.Cmp(value) < 0 {
				return nil, customError(contracts.TokenABI, "ERC20InsufficientBalance", from, balance, value)
			}
			if !commit {
				return nil, nil
			}

			f.allowances[from] = new(big.Int).Sub(allowance, value)
			f.debit(from, value)
			f.credit(FakeEscrowAddress, value)

			nonce := big.NewInt(f.paymentNonce)
			f.paymentNonce++
			id := fakePaymentID(from, university, invoiceRef, nonce)
			ts := big.NewInt(f.now().Unix())
			f.payments[id] = contracts.PaymentRecord{
				Payer:            from,
				University:       university,
				Amount:           value,
				InvoiceRef:       invoiceRef,
				Status:           uint8(contracts.StatusPending),
				DepositTimestamp: ts,
			}
			l, err := contracts.EncodeDeposited(contracts.PaymentDeposited{
				PaymentId:  id,
				Payer:      from,
				University: university,
				Amount:     value,
				InvoiceRef: invoiceRef,
				Nonce:      nonce,
				Timestamp:  ts,
			})
			if err != nil {
				return nil, err
			}
			return []types.Log{l}, nil
		})
}

func (f *FakeClient) ReleasePayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error) {
	return f.resolve(opts, contracts.MethodReleasePayment, contracts.EventPaymentReleased, contracts.StatusReleased, id)
}

func (f *FakeClient) RefundPayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error) {
	return f.resolve(opts, contracts.MethodRefundPayment, contracts.EventPaymentRefunded, contracts.StatusRefunded, id)
}

func (f *FakeClient) resolve(opts *bind.TransactOpts, method, eventName string, status contracts.PaymentStatus, id [32]byte) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrNoTransactOpts
	}
	from := opts.From
	return f.submit(opts, FakeEscrowAddress, contracts.EscrowABI, method, []any{id},
		func(commit bool) ([]types.Log, error) {
			if from != f.owner {
				return nil, customError(contracts.EscrowABI, "OwnableUnauthorizedAccount", from)
			}
			p, ok := f.payments[id]
			if !ok {
				return nil, reasonError("Payment does not exist")
			}
			if contracts.PaymentStatus(p.Status) != contracts.StatusPending {
				return nil, reasonError("Payment is not pending")
			}
			if !commit {
				return nil, nil
			}

			p.Status = uint8(status)
			f.payments[id] = p
			recipient := p.University
			if status == contracts.StatusRefunded {
				recipient = p.Payer
			}
			f.debit(FakeEscrowAddress, p.Amount)
			f.credit(recipient, p.Amount)

			l, err := contracts.EncodeResolved(eventName, contracts.PaymentResolved{
				PaymentId: id,
				Admin:     from,
				Timestamp: big.NewInt(f.now().Unix()),
			})
			if err != nil {
				return nil, err
			}
			return []types.Log{l}, nil
		})
}

// submit packs the call, rejects it up front the way gas estimation would,
// and queues it for mining.
func (f *FakeClient) submit(opts *bind.TransactOpts, to common.Address, parsed abi.ABI, method string, args []any, op func(commit bool) ([]types.Log, error)) (*types.Transaction, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}

	f.mu.Lock()
	f.submitted = append(f.submitted, method)
	if err := f.submitErrs[method]; err != nil {
		delete(f.submitErrs, method)
		f.mu.Unlock()
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	if _, err := op(false); err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    f.txNonces[opts.From],
		To:       &to,
		Gas:      100_000,
		GasPrice: big.NewInt(1),
		Data:     data,
	})
	if opts.Signer != nil {
		signed, err := opts.Signer(opts.From, tx)
		if err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("%s tx: %w", method, err)
		}
		tx = signed
	}
	f.txNonces[opts.From]++
	f.pending = append(f.pending, pendingTx{tx: tx, apply: op})

	var emitted []types.Log
	if f.autoMine {
		emitted = f.mineLocked()
	}
	f.mu.Unlock()

	f.publish(emitted)
	return tx, nil
}

func (f *FakeClient) mineLocked() []types.Log {
	if len(f.pending) == 0 {
		return nil
	}
	f.block++
	var emitted []types.Log
	for i, p := range f.pending {
		hash := p.tx.Hash()
		receipt := &types.Receipt{
			Type:             p.tx.Type(),
			Status:           types.ReceiptStatusSuccessful,
			TxHash:           hash,
			GasUsed:          21_000,
			BlockNumber:      new(big.Int).SetUint64(f.block),
			BlockHash:        fakeBlockHash(f.block),
			TransactionIndex: uint(i),
		}
		logs, err := p.apply(true)
		if err != nil {
			receipt.Status = types.ReceiptStatusFailed
			f.reverts[hash] = err
		}
		for _, l := range logs {
			l = f.placeLog(l, hash, uint(i))
			receipt.Logs = append(receipt.Logs, &l)
			emitted = append(emitted, l)
		}
		f.receipts[hash] = receipt
	}
	f.pending = nil
	close(f.mined)
	f.mined = make(chan struct{})
	return emitted
}

// placeLog stamps l with the current block and appends it to the chain.
func (f *FakeClient) placeLog(l types.Log, txHash common.Hash, txIndex uint) types.Log {
	l.Address = FakeEscrowAddress
	l.BlockNumber = f.block
	l.BlockHash = fakeBlockHash(f.block)
	l.TxHash = txHash
	l.TxIndex = txIndex
	l.Index = uint(len(f.logs))
	f.logs = append(f.logs, l)
	return l
}

func (f *FakeClient) publish(logs []types.Log) {
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		ev, err := contracts.EscrowABI.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		f.feed(ev.Name).Send(l)
	}
}

func (f *FakeClient) feed(name string) *event.Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	feed, ok := f.feeds[name]
	if !ok {
		feed = new(event.Feed)
		f.feeds[name] = feed
	}
	return feed
}

func (f *FakeClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	for {
		f.mu.Lock()
		receipt, ok := f.receipts[tx.Hash()]
		revert := f.reverts[tx.Hash()]
		mined := f.mined
		f.mu.Unlock()

		if ok {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, ShortMessage(revert))
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-mined:
		}
	}
}

func (f *FakeClient) Watch(_ context.Context, eventName string, sink chan<- types.Log) (event.Subscription, error) {
	if _, ok := contracts.EscrowABI.Events[eventName]; !ok {
		return nil, fmt.Errorf("unknown escrow event %q", eventName)
	}
	if err := f.readErr(ReadWatch); err != nil {
		return nil, err
	}
	inner := f.feed(eventName).Subscribe(sink)
	drop := make(chan error, 1)
	f.mu.Lock()
	f.drops[drop] = struct{}{}
	f.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			inner.Unsubscribe()
			f.mu.Lock()
			delete(f.drops, drop)
			f.mu.Unlock()
		}()
		select {
		case <-quit:
			return nil
		case err := <-inner.Err():
			return err
		case err := <-drop:
			return err
		}
	}), nil
}

// DropSubscriptions ends every live Watch subscription with err, the way a
// websocket disconnect does. Logs emitted afterwards reach only new
// subscriptions.
func (f *FakeClient) DropSubscriptions(err error) {
	f.mu.Lock()
	drops := f.drops
	f.drops = make(map[chan error]struct{})
	f.mu.Unlock()
	for d := range drops {
		d <- err
	}
}

// Subscriptions reports the number of live Watch subscriptions.
func (f *FakeClient) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drops)
}

func (f *FakeClient) readErr(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErrs[name]
}

func (f *FakeClient) balanceOf(addr common.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (f *FakeClient) allowanceOf(addr common.Address) *big.Int {
	if a, ok := f.allowances[addr]; ok {
		return a
	}
	return new(big.Int)
}

func (f *FakeClient) credit(addr common.Address, amount *big.Int) {
	f.balances[addr] = new(big.Int).Add(f.balanceOf(addr), amount)
}

func (f *FakeClient) debit(addr common.Address, amount *big.Int) {
	f.balances[addr] = new(big.Int).Sub(f.balanceOf(addr), amount)
}

func customError(parsed abi.ABI, name string, args ...any) error {
	e, ok := parsed.Errors[name]
	if !ok {
		return fmt.Errorf("unknown contract error %s", name)
	}
	packed, err := e.Inputs.Pack(args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", name, err)
	}
	return NewRevertError(append(append([]byte{}, e.ID[:4]...), packed...))
}

func reasonError(msg string) error {
	packed, err := errorStringArgs.Pack(msg)
	if err != nil {
		return &RevertError{Reason: msg}
	}
	return NewRevertError(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

// fakePaymentID derives a unique id for a deposit on the in-memory chain.
func fakePaymentID(payer, university common.Address, invoiceRef string, nonce *big.Int) [32]byte {
	return [32]byte(crypto.Keccak256Hash(payer.Bytes(), university.Bytes(), []byte(invoiceRef), common.BigToHash(nonce).Bytes()))
}

func fakeBlockHash(n uint64) common.Hash {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(n).Bytes())
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
