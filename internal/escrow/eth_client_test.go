package escrow

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

const (
	escrowHex = "0xea158C90CD570Cd123be71604CF794EAD6c2F233"
	tokenHex  = "0xb532baA9582a59920026d39d06BBf82fa291cF78"
)

type stubBackend struct {
	bind.ContractBackend

	mu       sync.Mutex
	call     func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	logs     []types.Log
	queries  []ethereum.FilterQuery
	head     uint64
	receipts map[common.Hash]*types.Receipt
	subErr   error
}

func (s *stubBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return s.call(msg, block)
}

func (s *stubBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (s *stubBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	var out []types.Log
	for _, l := range s.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *stubBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, s.subErr
}

func (s *stubBackend) BlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *stubBackend) setHead(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = n
}

func (s *stubBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func methodFor(parsed abi.ABI, data []byte) *abi.Method {
	for _, m := range parsed.Methods {
		if bytes.Equal(m.ID, data[:4]) {
			return &m
		}
	}
	return nil
}

func newTestClient(t *testing.T, backend *stubBackend, cfg EthClientConfig) *EthClient {
	t.Helper()
	c, err := NewEthClientWithBackend(backend, cfg, logger.Test(t))
	require.NoError(t, err)
	return c
}

func TestEthClientReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	record := contracts.PaymentRecord{
		Payer:            payerAddr,
		University:       university,
		Amount:           big.NewInt(12_500_000),
		InvoiceRef:       "INV-7",
		Status:           uint8(contracts.StatusReleased),
		DepositTimestamp: big.NewInt(1_700_000_000),
	}

	backend := &stubBackend{}
	backend.call = func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		parsed := contracts.TokenABI
		if *msg.To == common.HexToAddress(escrowHex) {
			parsed = contracts.EscrowABI
		}
		m := methodFor(parsed, msg.Data)
		require.NotNil(t, m)
		switch m.Name {
		case contracts.MethodOwner:
			return m.Outputs.Pack(ownerAddr)
		case contracts.MethodGetPaymentDetails:
			return m.Outputs.Pack(record)
		case contracts.MethodDecimals:
			return m.Outputs.Pack(uint8(6))
		case contracts.MethodBalanceOf:
			return m.Outputs.Pack(big.NewInt(42))
		case contracts.MethodAllowance:
			args, err := m.Inputs.Unpack(msg.Data[4:])
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(escrowHex), args[1])
			return m.Outputs.Pack(big.NewInt(7))
		}
		return nil, errors.New("unexpected call " + m.Name)
	}
	c := newTestClient(t, backend, EthClientConfig{EscrowAddress: escrowHex, TokenAddress: tokenHex})

	owner, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, owner)

	got, err := c.PaymentDetails(ctx, [32]byte{1})
	require.NoError(t, err)
	assert.Equal(t, record.Payer, got.Payer)
	assert.Equal(t, record.InvoiceRef, got.InvoiceRef)
	assert.Equal(t, record.Status, got.Status)
	assert.Equal(t, "12500000", got.Amount.String())

	decimals, err := c.TokenDecimals(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decimals)

	balance, err := c.TokenBalance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, "42", balance.String())

	allowance, err := c.TokenAllowance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, "7", allowance.String())
}

func TestEthClientUnconfiguredContracts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := newTestClient(t, &stubBackend{}, EthClientConfig{})

	_, err := c.Owner(ctx)
	require.ErrorIs(t, err, ErrEscrowNotConfigured)
	_, err = c.DepositLogs(ctx, 0, nil)
	require.ErrorIs(t, err, ErrEscrowNotConfigured)
	_, err = c.ReleasePayment(opts(ownerAddr), [32]byte{})
	require.ErrorIs(t, err, ErrEscrowNotConfigured)
	_, err = c.Watch(ctx, contracts.EventPaymentDeposited, make(chan types.Log))
	require.ErrorIs(t, err, ErrEscrowNotConfigured)
	_, err = c.TokenDecimals(ctx)
	require.ErrorIs(t, err, ErrTokenNotConfigured)
	_, err = c.Approve(opts(payerAddr), big.NewInt(1))
	require.ErrorIs(t, err, ErrTokenNotConfigured)

	_, err = NewEthClientWithBackend(&stubBackend{}, EthClientConfig{EscrowAddress: "0xnope"}, logger.Nop())
	require.Error(t, err)
}

func TestEthClientDepositLogsQuery(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{}
	c := newTestClient(t, backend, EthClientConfig{EscrowAddress: escrowHex, DeployBlock: 100})

	to := uint64(250)
	_, err := c.DepositLogs(context.Background(), 0, &to)
	require.NoError(t, err)

	require.Len(t, backend.queries, 1)
	q := backend.queries[0]
	assert.Equal(t, uint64(100), q.FromBlock.Uint64())
	assert.Equal(t, uint64(250), q.ToBlock.Uint64())
	assert.Equal(t, []common.Address{common.HexToAddress(escrowHex)}, q.Addresses)
	assert.Equal(t, contracts.EventID(contracts.EventPaymentDeposited), q.Topics[0][0])
}

func TestEthClientWatchFallsBackToPolling(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		subErr: rpc.ErrNotificationsUnsupported,
		head:   10,
		logs:   []types.Log{{BlockNumber: 5}, {BlockNumber: 11}},
	}
	c := newTestClient(t, backend, EthClientConfig{EscrowAddress: escrowHex, PollInterval: 5 * time.Millisecond})

	sink := make(chan types.Log, 4)
	sub, err := c.Watch(context.Background(), contracts.EventPaymentReleased, sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	backend.setHead(11)
	select {
	case l := <-sink:
		assert.Equal(t, uint64(11), l.BlockNumber)
	case <-time.After(time.Second):
		t.Fatal("polling watcher delivered nothing")
	}

	backend.subErr = errors.New("boom")
	_, err = c.Watch(context.Background(), contracts.EventPaymentReleased, sink)
	require.Error(t, err)
	assert.NotErrorIs(t, err, rpc.ErrNotificationsUnsupported)
}

func TestEthClientWaitMined(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	chainID := big.NewInt(11155111)
	escrowAddr := common.HexToAddress(escrowHex)

	sign := func(nonce uint64) *types.Transaction {
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			Nonce: nonce, To: &escrowAddr, Gas: 50_000, GasPrice: big.NewInt(1),
		}), types.LatestSignerForChainID(chainID), key)
		require.NoError(t, err)
		return tx
	}
	ok, reverted, missing := sign(0), sign(1), sign(2)

	unauthorized := contracts.EscrowABI.Errors["OwnableUnauthorizedAccount"]
	packed, err := unauthorized.Inputs.Pack(sender)
	require.NoError(t, err)

	backend := &stubBackend{
		receipts: map[common.Hash]*types.Receipt{
			ok.Hash():       {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(3)},
			reverted.Hash(): {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(4)},
		},
		call: func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
			assert.Equal(t, sender, msg.From)
			assert.Equal(t, int64(4), block.Int64())
			return nil, NewRevertError(append(append([]byte{}, unauthorized.ID[:4]...), packed...))
		},
	}
	c := newTestClient(t, backend, EthClientConfig{
		EscrowAddress:  escrowHex,
		PollInterval:   5 * time.Millisecond,
		ReceiptTimeout: 30 * time.Millisecond,
	})

	receipt, err := c.WaitMined(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, int64(3), receipt.BlockNumber.Int64())

	receipt, err = c.WaitMined(ctx, reverted)
	require.ErrorIs(t, err, ErrReverted)
	require.NotNil(t, receipt)
	assert.True(t, strings.Contains(err.Error(), "OwnableUnauthorizedAccount("+sender.Hex()+")"), err.Error())

	_, err = c.WaitMined(ctx, missing)
	require.ErrorIs(t, err, ErrReceiptTimeout)
}
