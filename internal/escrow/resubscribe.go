package escrow

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

// DefaultResubscribeBackoff caps the wait between failed resubscribe attempts.
const DefaultResubscribeBackoff = 30 * time.Second

// WatchResilient is Watch that survives dropped subscriptions: whenever the
// underlying subscription fails it subscribes again, backing off up to
// backoffMax while Watch itself keeps failing. The first Watch error is
// returned as is.
//
// The returned channel receives a value after every successful
// resubscription. Logs emitted while unsubscribed are lost, so receivers
// should resynchronise from chain state. The subscription's Err channel
// closes on Unsubscribe or when the underlying subscription ends cleanly.
func WatchResilient(ctx context.Context, w Watcher, eventName string, sink chan<- types.Log, backoffMax time.Duration, lggr logger.Logger) (event.Subscription, <-chan struct{}, error) {
	first, err := w.Watch(ctx, eventName, sink)
	if err != nil {
		return nil, nil, err
	}
	if backoffMax <= 0 {
		backoffMax = DefaultResubscribeBackoff
	}

	resubscribed := make(chan struct{}, 1)
	initial := true
	sub := event.ResubscribeErr(backoffMax, func(_ context.Context, lastErr error) (event.Subscription, error) {
		if initial {
			initial = false
			return first, nil
		}
		lggr.Warnw("Event subscription dropped, resubscribing", "event", eventName, "err", lastErr)
		// the attempt context is cancelled as soon as this returns
		s, err := w.Watch(ctx, eventName, sink)
		if err != nil {
			lggr.Warnw("Resubscribe failed", "event", eventName, "err", err)
			return nil, err
		}
		lggr.Infow("Event subscription restored", "event", eventName)
		select {
		case resubscribed <- struct{}{}:
		default:
		}
		return s, nil
	})
	return sub, resubscribed, nil
}
