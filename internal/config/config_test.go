package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
rpc:
  endpoint: "http://127.0.0.1:8899"
`))
	require.NoError(t, err)

	assert.Equal(t, "finalized", cfg.RPC.Commitment)
	assert.Equal(t, 10*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 3, cfg.RPC.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RPC.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Collector.PollInterval)
	assert.Equal(t, 25*time.Second, cfg.Collector.CycleTimeout)
	assert.Equal(t, uint64(10), cfg.Collector.StallSlotThreshold)
	assert.Equal(t, 8, cfg.Collector.GeoWorkers)
	assert.Equal(t, uint64(10), cfg.Cache.EpochRetention)
	assert.Equal(t, "exporter-cache.db", filepath.Base(cfg.Cache.Path))
	assert.False(t, cfg.Geo.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Geo.CacheTTL)
	assert.Equal(t, "0.0.0.0:9179", cfg.Server.ListenAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Empty(t, cfg.Collector.VoteAccountWhitelist)
	assert.True(t, cfg.Collector.EnableSkippedSlots)
	assert.True(t, cfg.Rewards.Enabled)
	assert.Equal(t, uint64(5), cfg.Rewards.LookbackEpochs)
	assert.Empty(t, cfg.Rewards.StakingAccountWhitelist)
}

func TestParse_ExplicitZerosAreKept(t *testing.T) {
	cfg, err := Parse([]byte(`
rpc:
  endpoint: "http://127.0.0.1:8899"
  max_retries: 0
  retry_backoff: 0s
collector:
  stall_slot_threshold: 0
  enable_skipped_slots: false
rewards:
  enabled: false
  staking_account_whitelist: ["Stake111"]
`))
	require.NoError(t, err)

	assert.Zero(t, cfg.RPC.MaxRetries)
	assert.Zero(t, cfg.RPC.RetryBackoff)
	assert.Zero(t, cfg.Collector.StallSlotThreshold)
	assert.False(t, cfg.Collector.EnableSkippedSlots)
	assert.False(t, cfg.Rewards.Enabled)
	assert.Equal(t, []string{"Stake111"}, cfg.Rewards.StakingAccountWhitelist)
	assert.Equal(t, 10*time.Second, cfg.RPC.Timeout, "untouched options keep their default")
}

func TestParse_ShortPollIntervalCapsCycleTimeout(t *testing.T) {
	cfg, err := Parse([]byte(`
rpc:
  endpoint: "http://127.0.0.1:8899"
  timeout: 5s
collector:
  poll_interval: 10s
`))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Collector.CycleTimeout)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing endpoint",
			yaml:    `logging: {level: info}`,
			wantErr: "Endpoint",
		},
		{
			name: "bad commitment",
			yaml: `
rpc: {endpoint: "http://localhost:8899", commitment: "recent"}`,
			wantErr: "Commitment",
		},
		{
			name: "cycle timeout above poll interval",
			yaml: `
rpc: {endpoint: "http://localhost:8899", timeout: 1s}
collector: {poll_interval: 10s, cycle_timeout: 20s}`,
			wantErr: "cycle_timeout",
		},
		{
			name: "rpc timeout above cycle timeout",
			yaml: `
rpc: {endpoint: "http://localhost:8899", timeout: 30s}
collector: {poll_interval: 60s, cycle_timeout: 20s}`,
			wantErr: "rpc.timeout",
		},
		{
			name: "geo enabled without credentials",
			yaml: `
rpc: {endpoint: "http://localhost:8899"}
geo: {enabled: true}`,
			wantErr: "AccountID",
		},
		{
			name: "unknown log format",
			yaml: `
rpc: {endpoint: "http://localhost:8899"}
logging: {format: xml}`,
			wantErr: "Format",
		},
		{
			name: "geo retention shorter than cache ttl",
			yaml: `
rpc: {endpoint: "http://localhost:8899"}
geo: {cache_ttl: 48h, retention: 24h}`,
			wantErr: "geo.retention",
		},
		{
			name: "rewards lookback beyond retention",
			yaml: `
rpc: {endpoint: "http://localhost:8899"}
cache: {epoch_retention: 3}
rewards: {lookback_epochs: 4}`,
			wantErr: "rewards.lookback_epochs",
		},
		{
			name: "zero geo workers",
			yaml: `
rpc: {endpoint: "http://localhost:8899"}
collector: {geo_workers: 0}`,
			wantErr: "GeoWorkers",
		},
		{
			name:    "not yaml",
			yaml:    "rpc: [",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_Whitelist(t *testing.T) {
	cfg, err := Parse([]byte(`
rpc: {endpoint: "http://localhost:8899"}
collector:
  vote_account_whitelist: ["Vote111", "Node222"]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Vote111", "Node222"}, cfg.Collector.VoteAccountWhitelist)
}

func TestTemplate_LoadsAsValidConfig(t *testing.T) {
	cfg, err := Parse(Template())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8899", cfg.RPC.Endpoint)
	assert.Equal(t, 25*time.Second, cfg.Collector.CycleTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Geo.Retention)
	assert.Equal(t, uint64(5), cfg.Rewards.LookbackEpochs)
	assert.True(t, cfg.Collector.EnableSkippedSlots)
}

func TestGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exporter.yaml")

	require.NoError(t, Generate(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9179", cfg.Server.ListenAddress)

	// An existing file is left alone.
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))
	assert.Error(t, Generate(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
