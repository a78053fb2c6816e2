package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DataDirName is created under the home directory when no paths are given.
	DataDirName = ".solana-exporter"
	// FileName is the default config file name inside DataDirName.
	FileName = "config.yaml"
)

//go:embed template.yaml
var template []byte

type Config struct {
	RPC struct {
		Endpoint     string        `yaml:"endpoint" validate:"required,url"`
		Commitment   string        `yaml:"commitment" validate:"oneof=processed confirmed finalized"`
		Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
		MaxRetries   int           `yaml:"max_retries" validate:"gte=0,lte=10"`
		RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	} `yaml:"rpc"`

	Collector struct {
		PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
		CycleTimeout       time.Duration `yaml:"cycle_timeout" validate:"gt=0"`
		StallSlotThreshold uint64        `yaml:"stall_slot_threshold"`
		GeoWorkers         int           `yaml:"geo_workers" validate:"gt=0,lte=256"`
		// Vote account or identity pubkeys to report on. Empty means all.
		VoteAccountWhitelist []string `yaml:"vote_account_whitelist"`
		// EnableSkippedSlots fetches block production for the leader slot
		// and skip rate metrics.
		EnableSkippedSlots bool `yaml:"enable_skipped_slots"`
	} `yaml:"collector"`

	Cache struct {
		Path           string        `yaml:"path" validate:"required"`
		OpenTimeout    time.Duration `yaml:"open_timeout" validate:"gt=0"`
		EpochRetention uint64        `yaml:"epoch_retention" validate:"gt=0"`
	} `yaml:"cache"`

	Geo struct {
		Enabled    bool          `yaml:"enabled"`
		Endpoint   string        `yaml:"endpoint" validate:"omitempty,url"`
		AccountID  string        `yaml:"account_id" validate:"required_if=Enabled true"`
		LicenseKey string        `yaml:"license_key" validate:"required_if=Enabled true"`
		CacheTTL   time.Duration `yaml:"cache_ttl" validate:"gt=0"`
		Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
		// Retention bounds how long expired geo entries are kept before
		// prune removes them.
		Retention time.Duration `yaml:"retention" validate:"gte=0"`
	} `yaml:"geo"`

	Rewards struct {
		Enabled bool `yaml:"enabled"`
		// Stake accounts whose staking rewards yield the APY of the vote
		// account they delegate to. Empty disables the APY metrics.
		StakingAccountWhitelist []string `yaml:"staking_account_whitelist"`
		LookbackEpochs          uint64   `yaml:"lookback_epochs" validate:"gt=0"`
	} `yaml:"rewards"`

	Server struct {
		ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" validate:"oneof=console json"`
	} `yaml:"logging"`
}

// DefaultDataDir is ~/.solana-exporter, or the working directory when the
// home directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, DataDirName)
}

// DefaultPath is where LoadConfig and Generate look without an explicit path.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), FileName)
}

// LoadConfig reads the configuration file and returns a Config struct
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Options
// left out keep their default; options set to zero stay zero.
func Parse(data []byte) (*Config, error) {
	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A zero cycle timeout follows the poll interval.
	if config.Collector.CycleTimeout == 0 {
		config.Collector.CycleTimeout = 25 * time.Second
		if config.Collector.CycleTimeout > config.Collector.PollInterval {
			config.Collector.CycleTimeout = config.Collector.PollInterval
		}
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%s fails %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	if c.Collector.CycleTimeout > c.Collector.PollInterval {
		return fmt.Errorf("collector.cycle_timeout (%s) must not exceed collector.poll_interval (%s)",
			c.Collector.CycleTimeout, c.Collector.PollInterval)
	}
	if c.RPC.Timeout > c.Collector.CycleTimeout {
		return fmt.Errorf("rpc.timeout (%s) must not exceed collector.cycle_timeout (%s)",
			c.RPC.Timeout, c.Collector.CycleTimeout)
	}
	if c.Geo.Retention < c.Geo.CacheTTL {
		return fmt.Errorf("geo.retention (%s) must not be shorter than geo.cache_ttl (%s)",
			c.Geo.Retention, c.Geo.CacheTTL)
	}
	if c.Rewards.LookbackEpochs > c.Cache.EpochRetention {
		return fmt.Errorf("rewards.lookback_epochs (%d) must not exceed cache.epoch_retention (%d)",
			c.Rewards.LookbackEpochs, c.Cache.EpochRetention)
	}
	return nil
}

// defaults returns the configuration used for every option a file omits.
func defaults() *Config {
	c := &Config{}

	c.RPC.Commitment = "finalized"
	c.RPC.Timeout = 10 * time.Second
	c.RPC.MaxRetries = 3
	c.RPC.RetryBackoff = 500 * time.Millisecond

	c.Collector.PollInterval = 30 * time.Second
	c.Collector.StallSlotThreshold = 10
	c.Collector.GeoWorkers = 8
	c.Collector.EnableSkippedSlots = true

	c.Cache.Path = filepath.Join(DefaultDataDir(), "exporter-cache.db")
	c.Cache.OpenTimeout = 5 * time.Second
	c.Cache.EpochRetention = 10

	c.Geo.Endpoint = "https://geoip.maxmind.com"
	c.Geo.CacheTTL = 7 * 24 * time.Hour
	c.Geo.Timeout = 5 * time.Second
	c.Geo.Retention = 30 * 24 * time.Hour

	c.Rewards.Enabled = true
	c.Rewards.LookbackEpochs = 5

	c.Server.ListenAddress = "0.0.0.0:9179"

	c.Logging.Level = "info"
	c.Logging.Format = "console"
	return c
}

// Template returns an annotated config file with every option at its
// default.
func Template() []byte {
	out := make([]byte, len(template))
	copy(out, template)
	return out
}

// Generate writes Template to path. Missing parent directories are created
// only when path is the default location. An existing file is never
// overwritten.
func Generate(path string) error {
	if path == "" {
		path = DefaultPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(template); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
