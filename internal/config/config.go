// Package config loads rescued configuration from YAML, .env files and the
// process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Journal   JournalConfig   `yaml:"journal"`
	Lock      LockConfig      `yaml:"lock"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Submit    SubmitConfig    `yaml:"submit"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// ChainConfig points at the ledger node.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url" env:"RESCUE_RPC_URL"`
	NetworkID      uint32        `yaml:"network_id" env:"RESCUE_NETWORK_ID"`
	ContractHash   string        `yaml:"contract_hash" env:"RESCUE_CONTRACT_HASH"`
	Operator       string        `yaml:"operator" env:"RESCUE_OPERATOR"`
	Timeout        time.Duration `yaml:"timeout" env:"RESCUE_RPC_TIMEOUT"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"RESCUE_POLL_INTERVAL"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"RESCUE_CONFIRM_TIMEOUT"`
}

// MirrorConfig selects the off-chain document store.
type MirrorConfig struct {
	// Driver is "memory" or "postgres".
	Driver        string `yaml:"driver" env:"RESCUE_MIRROR_DRIVER"`
	DSN           string `yaml:"dsn" env:"RESCUE_MIRROR_DSN"`
	MaxCASRetries int    `yaml:"max_cas_retries" env:"RESCUE_MIRROR_CAS_RETRIES"`
}

// JournalConfig locates the pending-reconciliation journal.
type JournalConfig struct {
	// Path of the sqlite database. Empty keeps the journal in memory.
	Path string `yaml:"path" env:"RESCUE_JOURNAL_PATH"`
}

// LockConfig selects the mint lock implementation.
type LockConfig struct {
	// Driver is "local" or "redis".
	Driver    string        `yaml:"driver" env:"RESCUE_LOCK_DRIVER"`
	RedisAddr string        `yaml:"redis_addr" env:"RESCUE_REDIS_ADDR"`
	Key       string        `yaml:"key" env:"RESCUE_LOCK_KEY"`
	TTL       time.Duration `yaml:"ttl" env:"RESCUE_LOCK_TTL"`
}

// ReconcileConfig tunes phase-two retries and the background pass.
type ReconcileConfig struct {
	Schedule          string        `yaml:"schedule" env:"RESCUE_RECONCILE_SCHEDULE"`
	BatchSize         int           `yaml:"batch_size" env:"RESCUE_RECONCILE_BATCH"`
	MaxRetries        int           `yaml:"max_retries" env:"RESCUE_RECONCILE_MAX_RETRIES"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"RESCUE_RECONCILE_INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"RESCUE_RECONCILE_MAX_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"RESCUE_RECONCILE_BACKOFF_MULTIPLIER"`
	Jitter            float64       `yaml:"jitter" env:"RESCUE_RECONCILE_JITTER"`
	// UnknownTxMaxAge bounds how long a submitted transaction may stay
	// unconfirmed before it is surfaced as an incident.
	UnknownTxMaxAge time.Duration `yaml:"unknown_tx_max_age" env:"RESCUE_UNKNOWN_TX_MAX_AGE"`
}

// ResolverConfig tunes token id recovery.
type ResolverConfig struct {
	ProbeCap     uint64   `yaml:"probe_cap" env:"RESCUE_RESOLVER_PROBE_CAP"`
	EventAliases []string `yaml:"event_aliases"`
	BlockWindow  uint64   `yaml:"block_window" env:"RESCUE_RESOLVER_BLOCK_WINDOW"`
}

// SubmitConfig throttles ledger submissions.
type SubmitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" env:"RESCUE_SUBMIT_RATE"`
	Burst         int     `yaml:"burst" env:"RESCUE_SUBMIT_BURST"`
}

// AdminConfig configures the operator API.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"RESCUE_ADMIN_ADDR"`
	JWTSecret  string `yaml:"jwt_secret" env:"RESCUE_ADMIN_JWT_SECRET"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level        string `yaml:"level" env:"RESCUE_LOG_LEVEL"`
	Format       string `yaml:"format" env:"RESCUE_LOG_FORMAT"`
	IncidentPath string `yaml:"incident_path" env:"RESCUE_INCIDENT_LOG"`
}

// Default returns a configuration suitable for a local devnet.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			RPCURL:         "http://127.0.0.1:20332",
			NetworkID:      894710606,
			Timeout:        30 * time.Second,
			PollInterval:   2 * time.Second,
			ConfirmTimeout: 2 * time.Minute,
		},
		Mirror: MirrorConfig{
			Driver:        "memory",
			MaxCASRetries: 5,
		},
		Lock: LockConfig{
			Driver: "local",
			Key:    "rescue:mint-lock",
			TTL:    5 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Schedule:          "@every 30s",
			BatchSize:         100,
			MaxRetries:        8,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			UnknownTxMaxAge:   time.Hour,
		},
		Resolver: ResolverConfig{
			ProbeCap:     100,
			EventAliases: []string{"AnimalNFTMinted"},
			BlockWindow:  0,
		},
		Submit: SubmitConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
		Admin: AdminConfig{
			ListenAddr: ":8090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (optional), then a .env file (optional), then the
// environment, over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	switch c.Mirror.Driver {
	case "memory":
	case "postgres":
		if c.Mirror.DSN == "" {
			return fmt.Errorf("mirror.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown mirror driver %q", c.Mirror.Driver)
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown lock driver %q", c.Lock.Driver)
	}
	if c.Lock.TTL <= c.Chain.ConfirmTimeout {
		return fmt.Errorf("lock.ttl must exceed chain.confirm_timeout")
	}
	if c.Mirror.MaxCASRetries <= 0 {
		return fmt.Errorf("mirror.max_cas_retries must be positive")
	}
	if c.Reconcile.MaxRetries <= 0 {
		return fmt.Errorf("reconcile.max_retries must be positive")
	}
	if c.Reconcile.BackoffMultiplier < 1 {
		return fmt.Errorf("reconcile.backoff_multiplier must be >= 1")
	}
	if c.Reconcile.Jitter < 0 || c.Reconcile.Jitter > 1 {
		return fmt.Errorf("reconcile.jitter must be within [0, 1]")
	}
	if c.Resolver.ProbeCap == 0 {
		return fmt.Errorf("resolver.probe_cap must be positive")
	}
	if c.Submit.RatePerSecond <= 0 || c.Submit.Burst <= 0 {
		return fmt.Errorf("submit rate and burst must be positive")
	}
	return nil
}
