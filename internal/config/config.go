// Package config loads process configuration from the environment via
// kelseyhightower/envconfig.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config mirrors every environment variable the process reads at startup.
type Config struct {
	RPCURL      string `envconfig:"RPC_URL" required:"true"`
	RPCWSURL    string `envconfig:"RPC_WS_URL"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`
	ContractAddr string `envconfig:"CONTRACT_ADDR" required:"true"`
	Timezone    string `envconfig:"TIMEZONE" default:"UTC"`

	LockTTLSec int `envconfig:"LOCK_TTL_SEC" default:"120"`

	MainRestartMS int `envconfig:"MAIN_RESTART_MS" default:"1800000"`
	TipIntervalMS int `envconfig:"TIP_INTERVAL_MS" default:"300000"`
	TipWarmupMS   int `envconfig:"TIP_WARMUP_MS" default:"300000"`

	SliceSize        int `envconfig:"SLICE_SIZE" default:"20000"`
	SliceSleepMS     int `envconfig:"SLICE_SLEEP_MS" default:"180"`
	MaxBlocksPerWindow uint64 `envconfig:"MAX_BLOCKS_PER_WINDOW" default:"100000"`
	BlockHeaderBatch int `envconfig:"BLOCK_HEADER_BATCH" default:"200"`

	BlockRangeCacheTTLMS int `envconfig:"BLOCK_RANGE_CACHE_TTL_MS" default:"1800000"`
	BlockTSCacheTTLMS    int `envconfig:"BLOCK_TS_CACHE_TTL_MS" default:"3600000"`

	MaxConsecutiveFailures int `envconfig:"MAX_CONSECUTIVE_FAILURES" default:"3"`
	FailureWindowMS        int `envconfig:"FAILURE_WINDOW_MS" default:"600000"`

	// Ambient process settings, not part of the indexed-domain config.
	LogJSON   bool   `envconfig:"LOG_JSON" default:"true"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate fails fast on missing required external collaborators.
func (c *Config) Validate() error {
	switch {
	case c.RPCURL == "":
		return fmt.Errorf("config: RPC_URL is required")
	case c.RedisURL == "":
		return fmt.Errorf("config: REDIS_URL is required")
	case c.PostgresURL == "":
		return fmt.Errorf("config: POSTGRES_URL is required")
	case c.ContractAddr == "":
		return fmt.Errorf("config: CONTRACT_ADDR is required")
	}
	return nil
}

func (c *Config) LockTTL() time.Duration       { return time.Duration(c.LockTTLSec) * time.Second }
func (c *Config) MainRestart() time.Duration   { return time.Duration(c.MainRestartMS) * time.Millisecond }
func (c *Config) TipInterval() time.Duration   { return time.Duration(c.TipIntervalMS) * time.Millisecond }
func (c *Config) TipWarmup() time.Duration     { return time.Duration(c.TipWarmupMS) * time.Millisecond }
func (c *Config) SliceSleep() time.Duration    { return time.Duration(c.SliceSleepMS) * time.Millisecond }
func (c *Config) BlockRangeCacheTTL() time.Duration {
	return time.Duration(c.BlockRangeCacheTTLMS) * time.Millisecond
}
func (c *Config) BlockTSCacheTTL() time.Duration {
	return time.Duration(c.BlockTSCacheTTLMS) * time.Millisecond
}
func (c *Config) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowMS) * time.Millisecond
}
