// Package cli is the escrow command line: it serves the HTTP API or runs a
// single deposit, listing or admin action against the configured chain.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dante4rt/tuition-escrow-dapp/internal/app"
	"github.com/dante4rt/tuition-escrow-dapp/internal/config"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/wallet"
)

type Option func(*App)

// WithLogger replaces the logger built from the configured level.
func WithLogger(lggr logger.Logger) Option {
	return func(a *App) { a.lggr = lggr }
}

// WithConfig skips config loading.
func WithConfig(cfg *config.AppConfig) Option {
	return func(a *App) { a.cfg = cfg }
}

// WithChain runs every command against chain instead of dialing RPC.
func WithChain(chain escrow.Client) Option {
	return func(a *App) { a.chain = chain }
}

type App struct {
	root *cobra.Command

	lggr  logger.Logger
	cfg   *config.AppConfig
	chain escrow.Client
	rt    *app.Runtime

	configPath string
	envFile    string
	logLevel   string
	simulate   bool
}

func NewApp(opts ...Option) *App {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	a.root = &cobra.Command{
		Use:           "escrow",
		Short:         "Tuition escrow client",
		Long:          "Deposit tuition into the escrow, follow payments and release or refund them as admin.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	flags := a.root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (yaml, json or toml), defaults to $CONFIG_PATH")
	flags.StringVar(&a.envFile, "env-file", "", "Dotenv file, defaults to $ENV_FILE or .env")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	flags.BoolVar(&a.simulate, "simulate", false, "Run against an in-memory chain")

	a.root.AddCommand(
		a.newServeCmd(),
		a.newPaymentsCmd(),
		a.newDepositCmd(),
		a.newActionCmd("release"),
		a.newActionCmd("refund"),
		a.newWhoamiCmd(),
		a.newBalanceCmd(),
	)
	return a
}

func (a *App) Command() *cobra.Command {
	return a.root
}

// Execute runs the command line and releases the runtime afterwards.
func (a *App) Execute(ctx context.Context) error {
	err := a.root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func (a *App) setup(ctx context.Context) error {
	if a.cfg == nil {
		cfg, err := config.LoadFrom(a.envFile, a.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	if a.lggr == nil {
		lggr, err := logger.New(a.cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		a.lggr = lggr
	}

	rt, err := app.New(ctx, a.cfg, a.lggr, app.Options{Simulate: a.simulate, Chain: a.chain})
	if err != nil {
		return err
	}
	a.rt = rt
	return nil
}

func (a *App) teardown() error {
	var err error
	if a.rt != nil {
		err = a.rt.Close()
	}
	if a.lggr != nil {
		// stderr sync fails on some platforms
		_ = a.lggr.Sync()
	}
	return err
}

// connect attaches the wallet; commands that sign call it before acting.
func (a *App) connect(ctx context.Context) (wallet.Session, error) {
	s, err := a.rt.Connect(ctx)
	switch {
	case errors.Is(err, wallet.ErrDisabled):
		return s, errors.New("wallet disabled: set WALLET_PROJECT_ID and a signing key")
	case errors.Is(err, wallet.ErrWrongNetwork):
		return s, fmt.Errorf("%w: switch the RPC endpoint to chain %d", err, a.rt.Wallet.ExpectedChainID())
	}
	return s, err
}

// followNotifications prints hub notifications to w until the returned stop
// func is called. stop drains what is already queued.
func (a *App) followNotifications(w io.Writer) (stop func()) {
	events, cancel := a.rt.Hub.Subscribe(32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := range events {
			fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Message)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "..."
}

func blank(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
