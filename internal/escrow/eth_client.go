package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultDialAttempts = 3
)

// Backend is the subset of ethclient.Client the adapter needs.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient talks to the deployed escrow and token contracts over JSON-RPC.
type EthClient struct {
	backend Backend
	closer  func()
	lggr    logger.Logger

	escrow     *bind.BoundContract
	token      *bind.BoundContract
	escrowAddr common.Address
	tokenAddr  common.Address

	deployBlock    uint64
	pollInterval   time.Duration
	receiptTimeout time.Duration
}

type EthClientConfig struct {
	RPCURL         string
	EscrowAddress  string
	TokenAddress   string
	DeployBlock    uint64
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
	DialAttempts   uint
}

// NewEthClient dials cfg.RPCURL, retrying the dial only, and binds the
// configured contracts. Empty addresses leave the dependent calls returning
// ErrEscrowNotConfigured or ErrTokenNotConfigured.
func NewEthClient(ctx context.Context, cfg EthClientConfig, lggr logger.Logger) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	attempts := cfg.DialAttempts
	if attempts == 0 {
		attempts = defaultDialAttempts
	}

	cli, err := retry.DoWithData(
		func() (*ethclient.Client, error) {
			return ethclient.DialContext(ctx, cfg.RPCURL)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			lggr.Warnw("RPC dial failed, retrying", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	c, err := NewEthClientWithBackend(cli, cfg, lggr)
	if err != nil {
		cli.Close()
		return nil, err
	}
	c.closer = cli.Close
	return c, nil
}

// NewEthClientWithBackend binds the contracts against an existing backend.
func NewEthClientWithBackend(backend Backend, cfg EthClientConfig, lggr logger.Logger) (*EthClient, error) {
	c := &EthClient{
		backend:        backend,
		lggr:           lggr.Named("escrow"),
		deployBlock:    cfg.DeployBlock,
		pollInterval:   cfg.PollInterval,
		receiptTimeout: cfg.ReceiptTimeout,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}

	if cfg.EscrowAddress != "" {
		if !common.IsHexAddress(cfg.EscrowAddress) {
			return nil, fmt.Errorf("invalid escrow address %q", cfg.EscrowAddress)
		}
		c.escrowAddr = common.HexToAddress(cfg.EscrowAddress)
		c.escrow = bind.NewBoundContract(c.escrowAddr, contracts.EscrowABI, backend, backend, backend)
	} else {
		c.lggr.Warnw("Escrow contract address not set, payment features disabled")
	}
	if cfg.TokenAddress != "" {
		if !common.IsHexAddress(cfg.TokenAddress) {
			return nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
		}
		c.tokenAddr = common.HexToAddress(cfg.TokenAddress)
		c.token = bind.NewBoundContract(c.tokenAddr, contracts.TokenABI, backend, backend, backend)
	} else {
		c.lggr.Warnw("Token contract address not set, deposits disabled")
	}
	return c, nil
}

func (c *EthClient) EscrowAddress() common.Address { return c.escrowAddr }

func (c *EthClient) TokenAddress() common.Address { return c.tokenAddr }

// Close releases the RPC connection when the client dialed it.
func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return errors.New("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}

// ChainID reports the network the RPC endpoint serves.
func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	r, ok := c.backend.(interface {
		ChainID(ctx context.Context) (*big.Int, error)
	})
	if !ok {
		return nil, errors.New("rpc backend does not report a chain id")
	}
	return r.ChainID(ctx)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *EthClient) Owner(ctx context.Context) (common.Address, error) {
	if c.escrow == nil {
		return common.Address{}, ErrEscrowNotConfigured
	}
	var out []any
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, contracts.MethodOwner); err != nil {
		return common.Address{}, fmt.Errorf("call owner: %w", err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner: unexpected result %T", out[0])
	}
	return owner, nil
}

func (c *EthClient) PaymentDetails(ctx context.Context, id [32]byte) (contracts.PaymentRecord, error) {
	if c.escrow == nil {
		return contracts.PaymentRecord{}, ErrEscrowNotConfigured
	}
	var out []any
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, contracts.MethodGetPaymentDetails, id); err != nil {
		return contracts.PaymentRecord{}, fmt.Errorf("call getPaymentDetails: %w", err)
	}
	return *abi.ConvertType(out[0], new(contracts.PaymentRecord)).(*contracts.PaymentRecord), nil
}

func (c *EthClient) DepositLogs(ctx context.Context, from uint64, to *uint64) ([]types.Log, error) {
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	q := c.filterQuery(contracts.EventPaymentDeposited)
	q.FromBlock = new(big.Int).SetUint64(max(from, c.deployBlock))
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter deposit logs: %w", err)
	}
	return logs, nil
}

func (c *EthClient) TokenDecimals(ctx context.Context) (uint8, error) {
	if c.token == nil {
		return 0, ErrTokenNotConfigured
	}
	var out []any
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, contracts.MethodDecimals); err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected result %T", out[0])
	}
	return decimals, nil
}

func (c *EthClient) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if c.token == nil {
		return nil, ErrTokenNotConfigured
	}
	return c.callBigInt(ctx, contracts.MethodBalanceOf, owner)
}

func (c *EthClient) TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if c.token == nil {
		return nil, ErrTokenNotConfigured
	}
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	return c.callBigInt(ctx, contracts.MethodAllowance, owner, c.escrowAddr)
}

func (c *EthClient) callBigInt(ctx context.Context, method string, params ...any) (*big.Int, error) {
	var out []any
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result %T", method, out[0])
	}
	return v, nil
}

func (c *EthClient) Approve(opts *bind.TransactOpts, amount *big.Int) (*types.Transaction, error) {
	if c.token == nil {
		return nil, ErrTokenNotConfigured
	}
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	return transact(c.token, opts, contracts.MethodApprove, c.escrowAddr, amount)
}

func (c *EthClient) DepositTuition(opts *bind.TransactOpts, university common.Address, amount *big.Int, invoiceRef string) (*types.Transaction, error) {
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	return transact(c.escrow, opts, contracts.MethodDepositTuition, university, amount, invoiceRef)
}

func (c *EthClient) ReleasePayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error) {
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	return transact(c.escrow, opts, contracts.MethodReleasePayment, id)
}

func (c *EthClient) RefundPayment(opts *bind.TransactOpts, id [32]byte) (*types.Transaction, error) {
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	return transact(c.escrow, opts, contracts.MethodRefundPayment, id)
}

func transact(contract *bind.BoundContract, opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrNoTransactOpts
	}
	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	return tx, nil
}

// WaitMined polls for the receipt of tx until it is mined, ctx is done, or
// the receipt timeout passes. For reverted transactions the call is replayed
// at the receipt block to recover the revert reason.
func (c *EthClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, c.revertError(ctx, tx, receipt)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", tx.Hash().Hex(), err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w %s: %w", ErrReceiptTimeout, tx.Hash().Hex(), ctx.Err())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) revertError(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) error {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, callErr := c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if callErr == nil {
		return fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return fmt.Errorf("%w: %s", ErrReverted, ShortMessage(callErr))
}

// Watch streams logs of the named escrow event into sink. Transports without
// subscriptions (plain HTTP) fall back to polling FilterLogs over new blocks.
func (c *EthClient) Watch(ctx context.Context, eventName string, sink chan<- types.Log) (event.Subscription, error) {
	if c.escrow == nil {
		return nil, ErrEscrowNotConfigured
	}
	if _, ok := contracts.EscrowABI.Events[eventName]; !ok {
		return nil, fmt.Errorf("unknown escrow event %q", eventName)
	}
	q := c.filterQuery(eventName)

	sub, err := c.backend.SubscribeFilterLogs(ctx, q, sink)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, fmt.Errorf("subscribe %s: %w", eventName, err)
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", eventName, err)
	}
	c.lggr.Debugw("Log subscriptions unsupported, polling", "event", eventName, "from", head+1, "interval", c.pollInterval)
	return c.pollLogs(q, head+1, sink), nil
}

func (c *EthClient) pollLogs(q ethereum.FilterQuery, next uint64, sink chan<- types.Log) event.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ticker.C:
			}

			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				c.lggr.Warnw("Poll head failed", "err", err)
				continue
			}
			if head < next {
				continue
			}
			q.FromBlock = new(big.Int).SetUint64(next)
			q.ToBlock = new(big.Int).SetUint64(head)
			logs, err := c.backend.FilterLogs(ctx, q)
			if err != nil {
				c.lggr.Warnw("Poll logs failed", "from", next, "to", head, "err", err)
				continue
			}
			for _, l := range logs {
				select {
				case sink <- l:
				case <-quit:
					return nil
				}
			}
			next = head + 1
		}
	})
}

func (c *EthClient) filterQuery(eventName string) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.escrowAddr},
		Topics:    [][]common.Hash{{contracts.EventID(eventName)}},
	}
}
