package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
)

// Client abstracts the on-chain escrow and token interaction.
type Client interface {
	Reader
	Writer
	Watcher

	EscrowAddress() common.Address
	TokenAddress() common.Address
	Ping(ctx context.Context) error
}

// Reader covers the read-only calls.
type Reader interface {
	Owner(ctx context.Context) (common.Address, error)
	PaymentDetails(ctx context.Context, id [32]byte) (contracts.PaymentRecord, error)
	// DepositLogs returns PaymentDeposited logs in [from, to]. A nil to means
	// the latest block.
	DepositLogs(ctx context.Context, from uint64, to *uint64) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)

	TokenDecimals(ctx context.Context) (uint8, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	// TokenAllowance is owner's allowance for the escrow contract.
	TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Writer submits transactions signed through opts and waits for them.
type Writer interface {
	// Approve sets the escrow contract's token allowance for opts.From.
	Approve(opts *bind.TransactOpts, amount *big.Int) (*types.Transaction, error)
	DepositTuition(opts *bind.TransactOpts, university common.Address, amount *big.Int, invoiceRef string) (*types.Transaction, error)
	ReleasePayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error)
	RefundPayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error)

	// WaitMined blocks until tx has a receipt. A reverted receipt is returned
	// together with an error wrapping ErrReverted.
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Watcher streams escrow event logs by event name.
type Watcher interface {
	Watch(ctx context.Context, eventName string, sink chan<- types.Log) (event.Subscription, error)
}

var (
	_ Client = (*EthClient)(nil)
	_ Client = (*FakeClient)(nil)
)
