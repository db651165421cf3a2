package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
)

var (
	ownerAddr  = common.HexToAddress("0x23686f799e7C1E8158208882bAD2BD90A5C59256")
	payerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	university = common.HexToAddress("0x6813Eb9362372EEF6200f3b1dbC3f819671cBA69")
)

func opts(from common.Address) *bind.TransactOpts {
	return &bind.TransactOpts{From: from, Context: context.Background()}
}

func deposit(t *testing.T, f *FakeClient, amount int64, ref string) [32]byte {
	t.Helper()
	ctx := context.Background()

	tx, err := f.Approve(opts(payerAddr), big.NewInt(amount))
	require.NoError(t, err)
	_, err = f.WaitMined(ctx, tx)
	require.NoError(t, err)

	tx, err = f.DepositTuition(opts(payerAddr), university, big.NewInt(amount), ref)
	require.NoError(t, err)
	receipt, err := f.WaitMined(ctx, tx)
	require.NoError(t, err)
	require.Len(t, receipt.Logs, 1)

	ev, err := contracts.DecodeDeposited(*receipt.Logs[0])
	require.NoError(t, err)
	return ev.PaymentId
}

func TestFakeClientDepositAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := NewFakeClient(ownerAddr)
	f.Mint(payerAddr, big.NewInt(100_000_000))

	id := deposit(t, f, 12_500_000, "INV-1")

	rec, err := f.PaymentDetails(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payerAddr, rec.Payer)
	assert.Equal(t, "12500000", rec.Amount.String())
	assert.Equal(t, uint8(contracts.StatusPending), rec.Status)

	bal, err := f.TokenBalance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, "87500000", bal.String())

	tx, err := f.ReleasePayment(opts(ownerAddr), id)
	require.NoError(t, err)
	_, err = f.WaitMined(ctx, tx)
	require.NoError(t, err)

	rec, err = f.PaymentDetails(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint8(contracts.StatusReleased), rec.Status)

	bal, err = f.TokenBalance(ctx, university)
	require.NoError(t, err)
	assert.Equal(t, "12500000", bal.String())

	logs, err := f.DepositLogs(ctx, 0, nil)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, []string{"approve", "depositTuition", "releasePayment"}, f.Submitted())
}

func TestFakeClientEnforcesContractRules(t *testing.T) {
	t.Parallel()

	f := NewFakeClient(ownerAddr)
	f.Mint(payerAddr, big.NewInt(10))

	_, err := f.DepositTuition(opts(payerAddr), university, big.NewInt(5), "INV")
	require.Error(t, err)
	assert.Equal(t, "ERC20InsufficientAllowance("+FakeEscrowAddress.Hex()+", 0, 5)", ShortMessage(err))

	_, err = f.Approve(opts(payerAddr), big.NewInt(50))
	require.NoError(t, err)
	_, err = f.DepositTuition(opts(payerAddr), university, big.NewInt(50), "INV")
	require.Error(t, err)
	assert.Contains(t, ShortMessage(err), "ERC20InsufficientBalance")

	_, err = f.DepositTuition(opts(payerAddr), university, big.NewInt(0), "INV")
	assert.Equal(t, "Amount must be greater than zero", ShortMessage(err))

	id := deposit(t, f, 5, "INV-2")

	_, err = f.RefundPayment(opts(payerAddr), id)
	require.Error(t, err)
	assert.Equal(t, "OwnableUnauthorizedAccount("+payerAddr.Hex()+")", ShortMessage(err))

	_, err = f.RefundPayment(opts(ownerAddr), id)
	require.NoError(t, err)
	_, err = f.ReleasePayment(opts(ownerAddr), id)
	require.Error(t, err)
	assert.Equal(t, "Payment is not pending", ShortMessage(err))

	_, err = f.ReleasePayment(opts(ownerAddr), [32]byte{0x99})
	assert.Equal(t, "Payment does not exist", ShortMessage(err))

	_, err = f.ReleasePayment(nil, id)
	require.ErrorIs(t, err, ErrNoTransactOpts)
}

func TestFakeClientManualMining(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := NewFakeClient(ownerAddr)
	f.Mint(payerAddr, big.NewInt(100))
	id := deposit(t, f, 100, "INV")

	f.SetAutoMine(false)
	release, err := f.ReleasePayment(opts(ownerAddr), id)
	require.NoError(t, err)
	// estimation still sees the payment as pending
	refund, err := f.RefundPayment(opts(ownerAddr), id)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = f.WaitMined(waitCtx, release)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := f.WaitMined(ctx, refund)
		done <- err
	}()
	f.Mine()

	receipt, err := f.WaitMined(ctx, release)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrReverted)
		assert.Contains(t, err.Error(), "Payment is not pending")
	case <-time.After(time.Second):
		t.Fatal("refund receipt never delivered")
	}
}

func TestFakeClientWatchAndFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := NewFakeClient(ownerAddr)
	f.Mint(payerAddr, big.NewInt(100))

	sink := make(chan types.Log, 4)
	sub, err := f.Watch(ctx, contracts.EventPaymentDeposited, sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	deposit(t, f, 10, "INV")
	select {
	case l := <-sink:
		ev, err := contracts.DecodeDeposited(l)
		require.NoError(t, err)
		assert.Equal(t, "INV", ev.InvoiceRef)
		assert.Equal(t, FakeEscrowAddress, l.Address)
	case <-time.After(time.Second):
		t.Fatal("no deposit log delivered")
	}

	_, err = f.Watch(ctx, "Nope", sink)
	require.Error(t, err)

	boom := errors.New("rpc down")
	f.FailRead(ReadPaymentDetails, boom)
	_, err = f.PaymentDetails(ctx, [32]byte{})
	require.ErrorIs(t, err, boom)
	f.FailRead(ReadPaymentDetails, nil)
	_, err = f.PaymentDetails(ctx, [32]byte{})
	require.NoError(t, err)

	f.FailNextSubmit("approve", boom)
	_, err = f.Approve(opts(payerAddr), big.NewInt(1))
	require.ErrorIs(t, err, boom)
	_, err = f.Approve(opts(payerAddr), big.NewInt(1))
	require.NoError(t, err)
}

func TestFakeClientTransferOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := NewFakeClient(ownerAddr)
	sink := make(chan types.Log, 1)
	sub, err := f.Watch(ctx, contracts.EventOwnershipTransferred, sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	f.TransferOwnership(payerAddr)

	owner, err := f.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, payerAddr, owner)

	ev, err := contracts.DecodeOwnershipTransferred(<-sink)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, ev.PreviousOwner)
	assert.Equal(t, payerAddr, ev.NewOwner)
}
