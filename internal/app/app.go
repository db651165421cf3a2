// Package app wires the escrow client together: chain adapter, wallet,
// admin check, notification hub, payment view-model and deposit flow.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/dante4rt/tuition-escrow-dapp/internal/admin"
	"github.com/dante4rt/tuition-escrow-dapp/internal/config"
	"github.com/dante4rt/tuition-escrow-dapp/internal/deposit"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/notify"
	"github.com/dante4rt/tuition-escrow-dapp/internal/payments"
	"github.com/dante4rt/tuition-escrow-dapp/internal/server"
	"github.com/dante4rt/tuition-escrow-dapp/internal/wallet"
)

// simulatedFunds is what the simulated account starts with, in whole tokens.
const simulatedFunds = 1_000_000

type Options struct {
	// Simulate runs against an in-memory chain instead of RPC.
	Simulate bool
	// Chain replaces the chain client entirely.
	Chain escrow.Client
}

type Runtime struct {
	Config   *config.AppConfig
	Chain    escrow.Client
	Wallet   *wallet.Connector
	Admin    *admin.Checker
	Hub      *notify.Hub
	Payments *payments.ViewModel
	Deposits *deposit.Controller
	Metrics  *server.Metrics

	lggr    logger.Logger
	closers []func() error
}

func New(ctx context.Context, cfg *config.AppConfig, lggr logger.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, lggr: lggr}

	walletCfg := wallet.Config{
		ProjectID:          cfg.Wallet.ProjectID,
		ChainID:            cfg.Chain.ChainID,
		PrivateKey:         cfg.Wallet.PrivateKey,
		KeystorePath:       cfg.Wallet.KeystorePath,
		KeystorePassphrase: cfg.Wallet.KeystorePassphrase,
	}

	var network wallet.NetworkReader
	switch {
	case opts.Chain != nil:
		rt.Chain = opts.Chain
		network = wallet.StaticNetwork(cfg.Chain.ChainID)
	case opts.Simulate:
		fake, err := simulatedChain(&walletCfg, lggr)
		if err != nil {
			return nil, err
		}
		rt.Chain = fake
		network = wallet.StaticNetwork(cfg.Chain.ChainID)
	default:
		eth, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			EscrowAddress:  cfg.Contracts.Escrow,
			TokenAddress:   cfg.Contracts.Token,
			DeployBlock:    cfg.Chain.DeployBlock,
			PollInterval:   cfg.Chain.PollInterval,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		}, lggr)
		if err != nil {
			return nil, err
		}
		rt.Chain = eth
		rt.closers = append(rt.closers, func() error { eth.Close(); return nil })
		network = eth
	}

	universities, err := Universities(cfg.Universities)
	if err != nil {
		return nil, err
	}

	sinks := []notify.Sink{notify.NewLogSink(lggr)}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kafka)
		rt.closers = append(rt.closers, kafka.Close)
		lggr.Infow("Publishing notifications to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	var bootstrap common.Address
	if cfg.Wallet.BootstrapAdmin != "" {
		bootstrap = common.HexToAddress(cfg.Wallet.BootstrapAdmin)
	}

	rt.Metrics = server.NewMetrics()
	rt.Hub = notify.NewHub(lggr, sinks...)
	rt.Wallet = wallet.NewConnector(walletCfg, network, lggr)
	rt.Admin = admin.NewChecker(rt.Chain, bootstrap, lggr)
	rt.Payments = payments.New(rt.Chain, rt.Admin, rt.Wallet, rt.Hub, lggr,
		payments.WithObserver(rt.Metrics),
		payments.WithFromBlock(cfg.Chain.DeployBlock),
	)
	rt.Deposits = deposit.NewController(rt.Chain, rt.Wallet, rt.Hub, universities, lggr,
		deposit.WithOutcomeHook(rt.Metrics.DepositFinished),
	)
	return rt, nil
}

// Connect attaches the wallet and evaluates its admin status.
func (rt *Runtime) Connect(ctx context.Context) (wallet.Session, error) {
	s, err := rt.Wallet.Connect(ctx)
	if err != nil && !errors.Is(err, wallet.ErrWrongNetwork) {
		return s, err
	}
	rt.Admin.Evaluate(ctx, s)
	return s, err
}

// Serve runs the API, the payment watchers and the admin watcher until ctx
// is done or one of them fails.
func (rt *Runtime) Serve(ctx context.Context) error {
	srv := server.NewServer(rt.Config.Service, server.Deps{
		Payments: rt.Payments,
		Deposits: rt.Deposits,
		Sessions: rt.Wallet,
		Admin:    rt.Admin,
		Events:   rt.Hub,
		Chain:    rt.Chain,
		Metrics:  rt.Metrics,
	}, rt.lggr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Payments.Run(gctx) })
	g.Go(func() error { return rt.Admin.Run(gctx, rt.Wallet, rt.Chain) })
	g.Go(func() error { return srv.Serve(gctx) })
	return g.Wait()
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

// Universities converts the configured directory.
func Universities(in []config.University) ([]deposit.University, error) {
	out := make([]deposit.University, 0, len(in))
	for _, u := range in {
		if !common.IsHexAddress(u.Address) {
			return nil, fmt.Errorf("university %q has invalid address %q", u.Name, u.Address)
		}
		out = append(out, deposit.University{Name: u.Name, Address: common.HexToAddress(u.Address)})
	}
	return out, nil
}

// simulatedChain builds an in-memory chain owned by the wallet account and
// funds it. Without a configured key an ephemeral one is generated.
func simulatedChain(cfg *wallet.Config, lggr logger.Logger) (*escrow.FakeClient, error) {
	if cfg.ProjectID == "" {
		cfg.ProjectID = "simulated"
	}
	if cfg.PrivateKey == "" && cfg.KeystorePath == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate simulation key: %w", err)
		}
		cfg.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
		lggr.Warnw("No wallet key configured, using an ephemeral simulation key")
	}

	signer := wallet.NewConnector(*cfg, wallet.StaticNetwork(cfg.ChainID), logger.Nop())
	s, err := signer.Connect(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load simulation key: %w", err)
	}
	signer.Disconnect()
	return fundedFake(s.Address, lggr), nil
}

func fundedFake(account common.Address, lggr logger.Logger) *escrow.FakeClient {
	fake := escrow.NewFakeClient(account)
	funds := new(big.Int).Mul(big.NewInt(simulatedFunds), big.NewInt(1_000_000))
	fake.Mint(account, funds)
	lggr.Infow("Simulated chain ready", "owner", account.Hex(), "escrow", escrow.FakeEscrowAddress.Hex(),
		"token", escrow.FakeTokenAddress.Hex())
	return fake
}
