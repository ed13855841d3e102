// Command roundsync runs the prediction-market indexer: it wires
// together the Chain Reader, Block Locator, Event Harvester, Validator,
// Store, Lock Service, Pipeline, and the two Scheduler drivers, then
// blocks until an interrupt or terminate signal triggers a graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/roundsync/indexer/internal/chain"
	"github.com/roundsync/indexer/internal/config"
	"github.com/roundsync/indexer/internal/harvest"
	"github.com/roundsync/indexer/internal/lock"
	"github.com/roundsync/indexer/internal/locator"
	"github.com/roundsync/indexer/internal/metrics"
	"github.com/roundsync/indexer/internal/pipeline"
	"github.com/roundsync/indexer/internal/scheduler"
	"github.com/roundsync/indexer/internal/store"
	"github.com/roundsync/indexer/internal/xlog"
)

func main() {
	app := &cli.App{
		Name:  "roundsync",
		Usage: "reconstruct the historical record of a prediction-market contract",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the indexer (sweeper + tip runner) until signalled",
				Action: runAction,
			},
			{
				Name:  "migrate",
				Usage: "apply idempotent schema migrations and exit",
				Action: migrateAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := xlog.New(cfg.LogJSON, level)
	return cfg, log, nil
}

func migrateAction(cliCtx *cli.Context) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cliCtx.Context, 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	log.Info("migration applied")
	return nil
}

func runAction(cliCtx *cli.Context) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader, err := chain.NewEthReader(ctx, cfg.RPCURL, common.HexToAddress(cfg.ContractAddr), 30*time.Second, cfg.BlockHeaderBatch)
	if err != nil {
		return fmt.Errorf("cmd: chain reader: %w", err)
	}

	locParams := locator.DefaultParams()
	locParams.RangeCacheTTL = cfg.BlockRangeCacheTTL()
	locParams.BlockTSCacheTTL = cfg.BlockTSCacheTTL()
	loc := locator.New(reader, locParams)

	harvParams := harvest.DefaultParams()
	harvParams.MaxBlocksPerWindow = cfg.MaxBlocksPerWindow
	harvParams.SliceSize = uint64(cfg.SliceSize)
	harvParams.SliceSleep = cfg.SliceSleep()
	harvParams.HeaderBatch = cfg.BlockHeaderBatch
	harv := harvest.New(reader, harvParams)

	st, err := store.Open(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("cmd: store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("cmd: migrate: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("cmd: parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	lockSvc := lock.New(redisClient, "roundsync")

	reg := metrics.New()
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics server exited", "err", err)
		}
	}()

	pl := pipeline.New(pipeline.Dependencies{
		Reader:          reader,
		Locator:         loc,
		Harvester:       harv,
		Store:           st,
		Lock:            lockSvc,
		Metrics:         reg,
		Log:             xlog.Component(log, "pipeline"),
		LockTTL:         cfg.LockTTL(),
		CrossEpochDelta: 20,
	}, cfg.MaxConsecutiveFailures, cfg.FailureWindow())

	runner := &fatalRunner{inner: pl, log: log}

	sweeper := scheduler.NewSweeper(reader, runner, scheduler.SweeperParams{
		BatchSize:    10,
		CyclePause:   5 * time.Second,
		RestartEvery: cfg.MainRestart(),
		StartLag:     2,
	}, xlog.Component(log, "sweeper"))

	tip := scheduler.NewTipRunner(reader, runner, scheduler.TipParams{
		WarmUp:   cfg.TipWarmup(),
		Interval: cfg.TipInterval(),
		Offsets:  []uint64{2, 3, 4},
	}, xlog.Component(log, "tip_runner"))

	ctx, cancelOnCircuitOpen := context.WithCancel(ctx)
	runner.cancel = cancelOnCircuitOpen

	done := make(chan struct{}, 2)
	go func() { sweeper.Run(ctx); done <- struct{}{} }()
	go func() { tip.Run(ctx); done <- struct{}{} }()

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight work")
	<-done
	<-done
	log.Info("shutdown complete")

	if runner.tripped() {
		os.Exit(1)
	}
	return nil
}

// fatalRunner wraps the Pipeline so a circuit-open outcome
// cancels the shared context, stopping both drivers, and is remembered
// so runAction can translate it into a non-zero process exit.
type fatalRunner struct {
	inner  *pipeline.Pipeline
	log    *slog.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	circuit bool
}

func (f *fatalRunner) Run(ctx context.Context, epoch uint64) pipeline.Outcome {
	out := f.inner.Run(ctx, epoch)
	if out.Status == pipeline.StatusFailed && errors.Is(out.Err, pipeline.ErrCircuitOpen) {
		f.mu.Lock()
		f.circuit = true
		f.mu.Unlock()
		f.log.Error("circuit breaker open, shutting down")
		if f.cancel != nil {
			f.cancel()
		}
	}
	return out
}

func (f *fatalRunner) tripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.circuit
}
