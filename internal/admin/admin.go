// Package admin decides whether the connected account may release or refund
// payments.
package admin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dante4rt/tuition-escrow-dapp/internal/contracts"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/wallet"
)

// Status is the admin view of the current account.
type Status struct {
	IsAdmin              bool `json:"isAdmin"`
	IsLoadingAdminStatus bool `json:"isLoadingAdminStatus"`
}

// OwnerReader reads the escrow owner.
type OwnerReader interface {
	Owner(ctx context.Context) (common.Address, error)
}

// Sessions is the wallet surface the checker follows.
type Sessions interface {
	Session() wallet.Session
	OnChange(fn func(wallet.Session)) (cancel func())
}

// Checker holds the admin status for the connected account.
type Checker struct {
	owner     OwnerReader
	bootstrap common.Address
	lggr      logger.Logger
	backoff   time.Duration

	mu     sync.RWMutex
	status Status
	seq    uint64
}

type Option func(*Checker)

// WithResubscribeBackoff caps the wait between failed attempts to restore a
// dropped ownership subscription.
func WithResubscribeBackoff(d time.Duration) Option {
	return func(c *Checker) { c.backoff = d }
}

// NewChecker returns a checker. An account equal to bootstrap is treated as
// admin without reading the contract.
func NewChecker(owner OwnerReader, bootstrap common.Address, lggr logger.Logger, opts ...Option) *Checker {
	c := &Checker{owner: owner, bootstrap: bootstrap, lggr: lggr.Named("admin")}
	for _, o := range opts {
		o(c)
	}
	if bootstrap != (common.Address{}) {
		c.lggr.Warnw("Bootstrap admin configured, contract owner check is bypassed for this account",
			"address", bootstrap.Hex())
	}
	return c
}

func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Evaluate recomputes the status for s and returns it. While the owner read
// is in flight Status reports IsLoadingAdminStatus. A result superseded by a
// later Evaluate is dropped.
func (c *Checker) Evaluate(ctx context.Context, s wallet.Session) Status {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	switch {
	case !s.Connected:
		c.status = Status{}
		c.mu.Unlock()
		return Status{}
	case c.bootstrap != (common.Address{}) && s.Address == c.bootstrap:
		c.status = Status{IsAdmin: true}
		c.mu.Unlock()
		return Status{IsAdmin: true}
	}
	c.status = Status{IsLoadingAdminStatus: true}
	c.mu.Unlock()

	owner, err := c.owner.Owner(ctx)
	result := Status{}
	switch {
	case err != nil:
		c.lggr.Warnw("Owner read failed, treating account as non-admin", "err", err)
	case owner == (common.Address{}):
		c.lggr.Debugw("Owner read returned no value")
	default:
		result.IsAdmin = owner == s.Address
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return c.status
	}
	c.status = result
	return result
}

// Run keeps the status current: it evaluates the session now, again on every
// wallet change, and on every OwnershipTransferred event when w is set. It
// returns when ctx is done.
func (c *Checker) Run(ctx context.Context, sessions Sessions, w escrow.Watcher) error {
	changes := make(chan wallet.Session, 1)
	cancel := sessions.OnChange(func(s wallet.Session) {
		for {
			select {
			case changes <- s:
				return
			default:
			}
			// keep only the latest session
			select {
			case <-changes:
			default:
			}
		}
	})
	defer cancel()

	var (
		logs         chan types.Log
		subErr       <-chan error
		resubscribed <-chan struct{}
	)
	if w != nil {
		logs = make(chan types.Log, 4)
		sub, restored, err := escrow.WatchResilient(ctx, w, contracts.EventOwnershipTransferred, logs, c.backoff, c.lggr)
		switch {
		case errors.Is(err, escrow.ErrEscrowNotConfigured):
			logs = nil
		case err != nil:
			c.lggr.Warnw("Cannot watch ownership transfers", "err", err)
			logs = nil
		default:
			defer sub.Unsubscribe()
			subErr, resubscribed = sub.Err(), restored
		}
	}

	c.Evaluate(ctx, sessions.Session())
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			c.Evaluate(ctx, s)
		case l := <-logs:
			ev, err := contracts.DecodeOwnershipTransferred(l)
			if err != nil {
				c.lggr.Warnw("Skipping undecodable ownership log", "err", err)
				continue
			}
			c.lggr.Infow("Escrow ownership transferred", "from", ev.PreviousOwner.Hex(), "to", ev.NewOwner.Hex())
			c.Evaluate(ctx, sessions.Session())
		case <-resubscribed:
			// ownership may have moved while unsubscribed
			c.Evaluate(ctx, sessions.Session())
		case err := <-subErr:
			if err != nil {
				c.lggr.Errorw("Ownership subscription ended", "err", err)
			}
			logs, subErr, resubscribed = nil, nil, nil
		}
	}
}
