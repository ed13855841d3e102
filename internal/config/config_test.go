package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"RPC_URL", "RPC_WS_URL", "REDIS_URL", "POSTGRES_URL", "CONTRACT_ADDR", "TIMEZONE",
		"LOCK_TTL_SEC", "MAIN_RESTART_MS", "TIP_INTERVAL_MS", "TIP_WARMUP_MS",
		"SLICE_SIZE", "SLICE_SLEEP_MS", "MAX_BLOCKS_PER_WINDOW", "BLOCK_HEADER_BATCH",
		"BLOCK_RANGE_CACHE_TTL_MS", "BLOCK_TS_CACHE_TTL_MS",
		"MAX_CONSECUTIVE_FAILURES", "FAILURE_WINDOW_MS", "LOG_JSON", "LOG_LEVEL", "METRICS_ADDR",
	}
	for _, v := range vars {
		os.Unsetenv(v)
		t.Cleanup(func(v string) func() { return func() { os.Unsetenv(v) } }(v))
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	os.Setenv("RPC_URL", "https://rpc.example")
	os.Setenv("REDIS_URL", "redis://localhost:6379")
	os.Setenv("POSTGRES_URL", "postgres://localhost/roundsync")
	os.Setenv("CONTRACT_ADDR", "0x1234567890123456789012345678901234567890")
}

func TestLoadFailsWhenRequiredVarsMissing(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "UTC", cfg.Timezone)
	require.Equal(t, 120, cfg.LockTTLSec)
	require.Equal(t, 3, cfg.MaxConsecutiveFailures)
	require.True(t, cfg.LogJSON)
}

func TestLoadHonorsOverrides(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	os.Setenv("LOCK_TTL_SEC", "45")
	os.Setenv("FAILURE_WINDOW_MS", "60000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.LockTTL())
	require.Equal(t, time.Minute, cfg.FailureWindow())
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	cfg := &Config{
		MainRestartMS: 1800000, TipIntervalMS: 300000, TipWarmupMS: 300000,
		SliceSleepMS: 180, BlockRangeCacheTTLMS: 1800000, BlockTSCacheTTLMS: 3600000,
	}
	require.Equal(t, 30*time.Minute, cfg.MainRestart())
	require.Equal(t, 5*time.Minute, cfg.TipInterval())
	require.Equal(t, 5*time.Minute, cfg.TipWarmup())
	require.Equal(t, 180*time.Millisecond, cfg.SliceSleep())
	require.Equal(t, 30*time.Minute, cfg.BlockRangeCacheTTL())
	require.Equal(t, time.Hour, cfg.BlockTSCacheTTL())
}

func TestValidateRejectsMissingContractAddr(t *testing.T) {
	cfg := &Config{RPCURL: "x", RedisURL: "x", PostgresURL: "x"}
	require.Error(t, cfg.Validate())
}
