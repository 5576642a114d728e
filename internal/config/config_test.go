package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rescued.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, uint64(100), Default().Resolver.ProbeCap)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: http://node:20332
  contract_hash: "0x0102"
mirror:
  driver: postgres
  dsn: postgres://yaml
reconcile:
  max_retries: 3
  initial_backoff: 250ms
resolver:
  probe_cap: 50
  event_aliases: [AnimalNFTMinted, LegacyMint]
`)
	t.Setenv("RESCUE_MIRROR_DSN", "postgres://env")
	t.Setenv("RESCUE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node:20332", cfg.Chain.RPCURL)
	assert.Equal(t, "postgres://env", cfg.Mirror.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Reconcile.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconcile.InitialBackoff)
	assert.Equal(t, uint64(50), cfg.Resolver.ProbeCap)
	assert.Equal(t, []string{"AnimalNFTMinted", "LegacyMint"}, cfg.Resolver.EventAliases)
	// untouched defaults survive
	assert.Equal(t, 2*time.Minute, cfg.Chain.ConfirmTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"postgres without dsn", func(c *Config) { c.Mirror.Driver = "postgres" }, "mirror.dsn"},
		{"unknown mirror", func(c *Config) { c.Mirror.Driver = "mongo" }, "unknown mirror driver"},
		{"redis without addr", func(c *Config) { c.Lock.Driver = "redis" }, "lock.redis_addr"},
		{"jitter", func(c *Config) { c.Reconcile.Jitter = 2 }, "jitter"},
		{"probe cap", func(c *Config) { c.Resolver.ProbeCap = 0 }, "probe_cap"},
		{"multiplier", func(c *Config) { c.Reconcile.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
		{"lock ttl", func(c *Config) { c.Lock.TTL = c.Chain.ConfirmTimeout }, "lock.ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
