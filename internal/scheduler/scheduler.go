// Package scheduler implements the Scheduler: the Historical
// Sweeper and Tip Runner drivers that pick epochs and hand them to the
// pipeline.
//
// Grounded on other_examples/40b353a6_GVCUTV-NRG-CHAMP__services-aggregator-internal-epoch_runner.go
// for the ticker-driven "run a batch, sleep, repeat" driver shape, and on
// go-ethereum's node.Lifecycle start/stop convention for how each driver's
// Run method accepts a context and returns once that context is
// cancelled.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/roundsync/indexer/internal/pipeline"
	"github.com/roundsync/indexer/internal/xlog"
)

// EpochOracle reports the chain's current epoch, used to seed both
// drivers.
type EpochOracle interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// Runner is the subset of the pipeline the scheduler drives.
type Runner interface {
	Run(ctx context.Context, epoch uint64) pipeline.Outcome
}

// SweeperParams configures the Historical Sweeper, with reasonable
// defaults.
type SweeperParams struct {
	BatchSize      int           // N, default 10
	CyclePause     time.Duration // default 5s
	RestartEvery   time.Duration // default 30m
	StartLag       uint64        // how far behind current_epoch to start, default 2
}

// DefaultSweeperParams returns the sweep tuning used in production.
func DefaultSweeperParams() SweeperParams {
	return SweeperParams{BatchSize: 10, CyclePause: 5 * time.Second, RestartEvery: 30 * time.Minute, StartLag: 2}
}

// Sweeper drives epochs downward from current_epoch-2, processing at
// most BatchSize per cycle before pausing, and unconditionally restarts
// (re-reads current_epoch and resumes the downward sweep) every
// RestartEvery to release accumulated resources.
type Sweeper struct {
	chain  EpochOracle
	runner Runner
	params SweeperParams
	log    *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(chain EpochOracle, runner Runner, params SweeperParams, log *slog.Logger) *Sweeper {
	return &Sweeper{chain: chain, runner: runner, params: params, log: log}
}

// Run blocks until ctx is cancelled, alternating sweep cycles with
// unconditional restarts every RestartEvery.
func (s *Sweeper) Run(ctx context.Context) {
	for ctx.Err() == nil {
		s.runUntilRestart(ctx)
	}
}

func (s *Sweeper) runUntilRestart(ctx context.Context) {
	restartCtx, cancel := context.WithTimeout(ctx, s.params.RestartEvery)
	defer cancel()

	current, err := s.chain.CurrentEpoch(restartCtx)
	if err != nil {
		if s.log != nil {
			s.log.Error("sweeper: failed to read current_epoch", "err", err)
		}
		s.sleep(restartCtx, s.params.CyclePause)
		return
	}
	if current < s.params.StartLag {
		s.sleep(restartCtx, s.params.CyclePause)
		return
	}
	next := current - s.params.StartLag

	for restartCtx.Err() == nil {
		processed := 0
		for processed < s.params.BatchSize && restartCtx.Err() == nil {
			if next == 0 {
				break
			}
			s.runner.Run(restartCtx, next)
			next--
			processed++
		}
		if next == 0 {
			s.sleep(restartCtx, s.params.RestartEvery)
			return
		}
		s.sleep(restartCtx, s.params.CyclePause)
	}

	if s.log != nil {
		s.log.Info(xlog.EventSchedulerRestart, "resume_below", next)
	}
}

func (s *Sweeper) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// TipParams configures the Tip Runner, with reasonable defaults.
type TipParams struct {
	WarmUp   time.Duration // default 5m
	Interval time.Duration // default 5m
	Offsets  []uint64      // default {2, 3, 4}
}

// DefaultTipParams returns the tip-following tuning used in production.
func DefaultTipParams() TipParams {
	return TipParams{WarmUp: 5 * time.Minute, Interval: 5 * time.Minute, Offsets: []uint64{2, 3, 4}}
}

// TipRunner races the Sweeper to the most recently settled epochs so the
// tip of the dataset is never stale.
type TipRunner struct {
	chain  EpochOracle
	runner Runner
	params TipParams
	log    *slog.Logger
}

// NewTipRunner constructs a TipRunner.
func NewTipRunner(chain EpochOracle, runner Runner, params TipParams, log *slog.Logger) *TipRunner {
	return &TipRunner{chain: chain, runner: runner, params: params, log: log}
}

// Run blocks until ctx is cancelled: waits WarmUp, then invokes the
// pipeline for {e-2, e-3, e-4} every Interval.
func (t *TipRunner) Run(ctx context.Context) {
	warmup := time.NewTimer(t.params.WarmUp)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
	}

	ticker := time.NewTicker(t.params.Interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *TipRunner) tick(ctx context.Context) {
	current, err := t.chain.CurrentEpoch(ctx)
	if err != nil {
		if t.log != nil {
			t.log.Error("tip runner: failed to read current_epoch", "err", err)
		}
		return
	}
	for _, offset := range t.params.Offsets {
		if offset > current {
			continue
		}
		t.runner.Run(ctx, current-offset)
	}
}
