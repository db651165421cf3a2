package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64 `mapstructure:"chainId"`
	Contracts struct {
		TuitionEscrow string `mapstructure:"TuitionEscrow"`
		USDC          string `mapstructure:"USDC"`
	} `mapstructure:"contracts"`
}

// AppConfig ties together chain, contract, wallet and service settings.
type AppConfig struct {
	Chain        ChainConfig
	Contracts    ContractsConfig
	Wallet       WalletConfig
	Service      ServiceConfig
	Kafka        KafkaConfig
	Universities []University
	LogLevel     string
}

type ChainConfig struct {
	RPCURL         string
	ChainID        int64
	DeployBlock    uint64
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// ContractsConfig holds the deployed addresses. Either may be empty, in which
// case the features that need it are disabled.
type ContractsConfig struct {
	Escrow string
	Token  string
}

// WalletConfig carries the connector settings.
//
// WARNING: PrivateKey and KeystorePassphrase are secrets and must not be logged.
type WalletConfig struct {
	ProjectID          string
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string
	BootstrapAdmin     string
}

type ServiceConfig struct {
	HTTPPort           int
	HMACSecret         string
	HMACClockSkew      time.Duration
	IdempotencyWindow  time.Duration
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// University is an entry of the deposit form's recipient directory.
type University struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

const (
	defaultEnvFile        = ".env"
	defaultRPCURL         = "https://ethereum-sepolia-rpc.publicnode.com"
	defaultChainID        = 11155111
	defaultBootstrapAdmin = "0x23686f799e7C1E8158208882bAD2BD90A5C59256"
)

// DefaultUniversities is the directory used when none is configured.
var DefaultUniversities = []University{
	{Name: "Metropolis University", Address: "0x6813Eb9362372EEF6200f3b1dbC3f819671cBA69"},
	{Name: "Gotham City College", Address: "0x26330aa1a1b40224daa82d06ee1cd6788445137b"},
	{Name: "Starling City Institute", Address: "0x501a9bc486f45f96fa0ddf8d1bc0174906477435"},
}

// Environment variable bindings, keyed by viper key.
var envBindings = map[string]string{
	"chain.rpc_url":                      "CHAIN_RPC_URL",
	"chain.chain_id":                     "CHAIN_ID",
	"chain.deploy_block":                 "ESCROW_DEPLOY_BLOCK",
	"chain.poll_interval_seconds":        "POLL_INTERVAL_SECONDS",
	"chain.receipt_timeout_seconds":      "RECEIPT_TIMEOUT_SECONDS",
	"contracts.escrow":                   "ESCROW_CONTRACT_ADDRESS",
	"contracts.token":                    "TOKEN_CONTRACT_ADDRESS",
	"wallet.project_id":                  "WALLET_PROJECT_ID",
	"wallet.private_key":                 "CHAIN_PRIVATE_KEY",
	"wallet.keystore_path":               "WALLET_KEYSTORE_PATH",
	"wallet.keystore_passphrase":         "WALLET_KEYSTORE_PASSPHRASE",
	"wallet.bootstrap_admin":             "ADMIN_BOOTSTRAP_ADDRESS",
	"service.http_port":                  "API_HTTP_PORT",
	"service.hmac_secret":                "API_HMAC_SECRET",
	"service.hmac_clock_skew_seconds":    "HMAC_CLOCK_SKEW_SECONDS",
	"service.idempotency_window_seconds": "IDEMPOTENCY_WINDOW_SECONDS",
	"service.cors_allowed_origins":       "CORS_ALLOWED_ORIGINS",
	"service.shutdown_timeout_seconds":   "SHUTDOWN_TIMEOUT_SECONDS",
	"kafka.brokers":                      "KAFKA_BROKERS",
	"kafka.topic":                        "KAFKA_TOPIC",
	"universities_env":                   "UNIVERSITIES",
	"log_level":                          "LOG_LEVEL",
	"deployments_path":                   "DEPLOYMENTS_PATH",
}

// Load aggregates configuration from the environment, an optional .env file,
// an optional config file named by CONFIG_PATH and an optional deployments
// file named by DEPLOYMENTS_PATH. Variables already set in the environment
// win over .env, and environment wins over files.
func Load() (*AppConfig, error) {
	return LoadFrom("", "")
}

// LoadFrom is Load with an explicit .env file and config file. Empty
// arguments fall back to ENV_FILE and CONFIG_PATH.
func LoadFrom(envFile, configPath string) (*AppConfig, error) {
	if envFile == "" {
		envFile = envOr("ENV_FILE", defaultEnvFile)
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path (yaml, json or toml) with
// environment overrides. An empty or missing path means environment only.
func LoadFile(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{
		Chain: ChainConfig{
			RPCURL:         v.GetString("chain.rpc_url"),
			ChainID:        v.GetInt64("chain.chain_id"),
			DeployBlock:    v.GetUint64("chain.deploy_block"),
			PollInterval:   time.Duration(v.GetInt("chain.poll_interval_seconds")) * time.Second,
			ReceiptTimeout: time.Duration(v.GetInt("chain.receipt_timeout_seconds")) * time.Second,
		},
		Contracts: ContractsConfig{
			Escrow: strings.TrimSpace(v.GetString("contracts.escrow")),
			Token:  strings.TrimSpace(v.GetString("contracts.token")),
		},
		Wallet: WalletConfig{
			ProjectID:          strings.TrimSpace(v.GetString("wallet.project_id")),
			PrivateKey:         strings.TrimSpace(v.GetString("wallet.private_key")),
			KeystorePath:       v.GetString("wallet.keystore_path"),
			KeystorePassphrase: v.GetString("wallet.keystore_passphrase"),
			BootstrapAdmin:     strings.TrimSpace(v.GetString("wallet.bootstrap_admin")),
		},
		Service: ServiceConfig{
			HTTPPort:           v.GetInt("service.http_port"),
			HMACSecret:         v.GetString("service.hmac_secret"),
			HMACClockSkew:      time.Duration(v.GetInt("service.hmac_clock_skew_seconds")) * time.Second,
			IdempotencyWindow:  time.Duration(v.GetInt("service.idempotency_window_seconds")) * time.Second,
			CORSAllowedOrigins: splitList(v.GetString("service.cors_allowed_origins")),
			ShutdownTimeout:    time.Duration(v.GetInt("service.shutdown_timeout_seconds")) * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		LogLevel: v.GetString("log_level"),
	}

	universities, err := loadUniversities(v)
	if err != nil {
		return nil, err
	}
	cfg.Universities = universities

	if deploymentsPath := v.GetString("deployments_path"); deploymentsPath != "" {
		deployCfg, err := loadDeployments(deploymentsPath)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		applyDeployments(cfg, deployCfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a call.
// Empty contract addresses are allowed.
func (c *AppConfig) Validate() error {
	for name, addr := range map[string]string{
		"ESCROW_CONTRACT_ADDRESS": c.Contracts.Escrow,
		"TOKEN_CONTRACT_ADDRESS":  c.Contracts.Token,
		"ADMIN_BOOTSTRAP_ADDRESS": c.Wallet.BootstrapAdmin,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a hex address: %q", name, addr)
		}
	}
	for _, u := range c.Universities {
		if !common.IsHexAddress(u.Address) {
			return fmt.Errorf("university %q has invalid address %q", u.Name, u.Address)
		}
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.Chain.ChainID)
	}
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("API_HTTP_PORT out of range: %d", c.Service.HTTPPort)
	}
	if c.Chain.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.rpc_url", defaultRPCURL)
	v.SetDefault("chain.chain_id", defaultChainID)
	v.SetDefault("chain.deploy_block", 0)
	v.SetDefault("chain.poll_interval_seconds", 4)
	v.SetDefault("chain.receipt_timeout_seconds", 300)
	v.SetDefault("wallet.bootstrap_admin", defaultBootstrapAdmin)
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.hmac_clock_skew_seconds", 60)
	v.SetDefault("service.idempotency_window_seconds", 600)
	v.SetDefault("service.cors_allowed_origins", "http://localhost:5173,http://127.0.0.1:5173")
	v.SetDefault("service.shutdown_timeout_seconds", 15)
	v.SetDefault("kafka.topic", "tuition-escrow.notifications")
	v.SetDefault("log_level", "info")
}

func loadUniversities(v *viper.Viper) ([]University, error) {
	if raw := strings.TrimSpace(v.GetString("universities_env")); raw != "" {
		var out []University
		for _, entry := range splitList(raw) {
			name, addr, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, fmt.Errorf("UNIVERSITIES entry %q must be name=address", entry)
			}
			out = append(out, University{Name: strings.TrimSpace(name), Address: strings.TrimSpace(addr)})
		}
		return out, nil
	}
	if v.IsSet("universities") {
		var out []University
		if err := v.UnmarshalKey("universities", &out); err != nil {
			return nil, fmt.Errorf("decode universities: %w", err)
		}
		return out, nil
	}
	return append([]University(nil), DefaultUniversities...), nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDeployments fills contract addresses and chain id from a deployments
// file where the environment left them unset.
func applyDeployments(cfg *AppConfig, d *DeploymentConfig) {
	if cfg.Contracts.Escrow == "" {
		cfg.Contracts.Escrow = d.Contracts.TuitionEscrow
	}
	if cfg.Contracts.Token == "" {
		cfg.Contracts.Token = d.Contracts.USDC
	}
	if _, set := os.LookupEnv("CHAIN_ID"); !set && d.ChainID > 0 {
		cfg.Chain.ChainID = d.ChainID
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
