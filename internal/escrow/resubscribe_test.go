package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

func TestWatchResilientRestoresDroppedSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := NewFakeClient(ownerAddr)
	f.Mint(payerAddr, big.NewInt(100))
	sink := make(chan types.Log, 4)
	sub, resubscribed, err := WatchResilient(ctx, f, contracts.EventPaymentDeposited, sink, 50*time.Millisecond, logger.Test(t))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	deposit(t, f, 10, "INV-1")
	select {
	case <-sink:
	case <-time.After(time.Second):
		t.Fatal("no log before the drop")
	}

	disconnect := errors.New("websocket: close 1006 (abnormal closure)")
	f.FailRead(ReadWatch, disconnect)
	f.DropSubscriptions(disconnect)
	require.Never(t, func() bool { return f.Subscriptions() > 0 }, 30*time.Millisecond, time.Millisecond)

	f.FailRead(ReadWatch, nil)
	select {
	case <-resubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not restored")
	}
	assert.Equal(t, 1, f.Subscriptions())

	deposit(t, f, 20, "INV-2")
	select {
	case l := <-sink:
		ev, err := contracts.DecodeDeposited(l)
		require.NoError(t, err)
		assert.Equal(t, "INV-2", ev.InvoiceRef)
	case <-time.After(time.Second):
		t.Fatal("no log after the restore")
	}

	sub.Unsubscribe()
	_, open := <-sub.Err()
	assert.False(t, open)
}

func TestWatchResilientReturnsFirstError(t *testing.T) {
	t.Parallel()

	f := NewFakeClient(ownerAddr)
	f.FailRead(ReadWatch, ErrEscrowNotConfigured)
	_, _, err := WatchResilient(context.Background(), f, contracts.EventPaymentDeposited, make(chan types.Log), 0, logger.Test(t))
	require.ErrorIs(t, err, ErrEscrowNotConfigured)
}
