// Package wallet stands in for the browser wallet connector: it holds the
// signing key, tracks the connected account and network, and hands out
// transactors for the current session.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

var (
	ErrDisabled     = errors.New("wallet connector disabled: no project id configured")
	ErrNoKey        = errors.New("no signing key configured")
	ErrNotConnected = errors.New("wallet not connected")
	ErrWrongNetwork = errors.New("wallet is connected to the wrong network")
)

// Session describes the connected account.
type Session struct {
	Connected    bool           `json:"connected"`
	Address      common.Address `json:"address"`
	ChainID      int64          `json:"chainId"`
	WrongNetwork bool           `json:"wrongNetwork"`
}

// NetworkReader reports the chain the wallet is attached to.
type NetworkReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// StaticNetwork is a NetworkReader for a fixed chain id.
type StaticNetwork int64

func (n StaticNetwork) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(int64(n)), nil
}

type Config struct {
	ProjectID string
	// ChainID is the network the escrow is deployed on.
	ChainID            int64
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string
}

// Connector manages a single wallet session.
type Connector struct {
	cfg     Config
	network NetworkReader
	lggr    logger.Logger

	mu        sync.RWMutex
	key       *ecdsa.PrivateKey
	session   Session
	listeners map[int]func(Session)
	nextID    int
}

// NewConnector returns a connector. A missing project id leaves it disabled
// rather than failing, so the client can still run read-only.
func NewConnector(cfg Config, network NetworkReader, lggr logger.Logger) *Connector {
	c := &Connector{
		cfg:       cfg,
		network:   network,
		lggr:      lggr.Named("wallet"),
		listeners: make(map[int]func(Session)),
	}
	if !c.Enabled() {
		c.lggr.Warnw("WALLET_PROJECT_ID not set, wallet connection disabled")
	}
	return c
}

func (c *Connector) Enabled() bool {
	return strings.TrimSpace(c.cfg.ProjectID) != ""
}

// ExpectedChainID is the chain the connector requires.
func (c *Connector) ExpectedChainID() int64 {
	return c.cfg.ChainID
}

// Connect loads the signing key and attaches to the network.
func (c *Connector) Connect(ctx context.Context) (Session, error) {
	if !c.Enabled() {
		return Session{}, ErrDisabled
	}
	key, err := c.loadKey()
	if err != nil {
		return Session{}, err
	}
	chainID, err := c.network.ChainID(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("read chain id: %w", err)
	}

	s := Session{
		Connected:    true,
		Address:      crypto.PubkeyToAddress(key.PublicKey),
		ChainID:      chainID.Int64(),
		WrongNetwork: chainID.Int64() != c.cfg.ChainID,
	}
	c.mu.Lock()
	c.key = key
	c.session = s
	c.mu.Unlock()

	if s.WrongNetwork {
		c.lggr.Warnw("Wallet connected to the wrong network", "chainId", s.ChainID, "expected", c.cfg.ChainID)
	} else {
		c.lggr.Infow("Wallet connected", "address", s.Address.Hex(), "chainId", s.ChainID)
	}
	c.notify(s)
	return s, nil
}

// Disconnect drops the session and key.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	was := c.session.Connected
	c.key = nil
	c.session = Session{}
	c.mu.Unlock()
	if was {
		c.lggr.Infow("Wallet disconnected")
		c.notify(Session{})
	}
}

func (c *Connector) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Transactor returns fresh signing options bound to ctx for the connected
// account.
func (c *Connector) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	c.mu.RLock()
	s, key := c.session, c.key
	c.mu.RUnlock()

	if !s.Connected || key == nil {
		return nil, ErrNotConnected
	}
	if s.WrongNetwork {
		return nil, ErrWrongNetwork
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(s.ChainID))
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// OnChange registers fn to run after every connect and disconnect. The
// returned func removes it.
func (c *Connector) OnChange(fn func(Session)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Connector) notify(s Session) {
	c.mu.RLock()
	fns := make([]func(Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Connector) loadKey() (*ecdsa.PrivateKey, error) {
	if c.cfg.PrivateKey != "" {
		return parsePrivateKey(c.cfg.PrivateKey)
	}
	if c.cfg.KeystorePath == "" {
		return nil, ErrNoKey
	}
	raw, err := os.ReadFile(c.cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, c.cfg.KeystorePassphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
