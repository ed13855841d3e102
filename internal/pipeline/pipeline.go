// Package pipeline implements the Epoch Pipeline: the per-epoch state
// machine orchestrating the chain reader, locator, harvester, store, and
// lock service, plus the failure-window circuit breaker.
//
// The state machine is a hand-rolled switch-based loop rather than a
// generic FSM library: it is small, fixed, and entirely local control
// flow with no persistence or visualization need a library would add
// value for.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roundsync/indexer/internal/chain"
	"github.com/roundsync/indexer/internal/lock"
	"github.com/roundsync/indexer/internal/locator"
	"github.com/roundsync/indexer/internal/metrics"
	"github.com/roundsync/indexer/internal/model"
	"github.com/roundsync/indexer/internal/validate"
	"github.com/roundsync/indexer/internal/xlog"
)

// ErrClass is the pipeline's error taxonomy (classes 1-7). Class 1
// (transient RPC) is retried with bounded backoff inside the Chain
// Reader's withRetry wrapper and only reaches the pipeline if that budget
// is exhausted, at which point it surfaces as a ClassPermanentRPC abort
// like any other unrecovered RPC error; the pipeline raises class 7
// itself via ErrCircuitOpen.
type ErrClass int

const (
	ClassUnknown ErrClass = iota
	ClassPermanentRPC
	ClassValidation
	ClassDataInconsistency
	ClassPersistence
	ClassLockUnavailable
)

func (c ErrClass) String() string {
	switch c {
	case ClassPermanentRPC:
		return "permanent_rpc"
	case ClassValidation:
		return "validation"
	case ClassDataInconsistency:
		return "data_inconsistency"
	case ClassPersistence:
		return "persistence"
	case ClassLockUnavailable:
		return "lock_unavailable"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an aborting error with its taxonomy class.
type ClassifiedError struct {
	Class ErrClass
	Err   error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *ClassifiedError) Unwrap() error  { return e.Err }

// ErrCircuitOpen is returned when the consecutive-failure threshold is
// exceeded; callers map it to a fatal process
// exit.
var ErrCircuitOpen = errors.New("pipeline: consecutive failure circuit open")

// Status is the terminal disposition of one Run call.
type Status int

const (
	StatusDone Status = iota
	StatusSkipped
	StatusFailed
)

// Outcome is returned by Run.
type Outcome struct {
	Epoch  uint64
	Status Status
	Err    error
}

// Dependencies bundles the pipeline's collaborators behind narrow interfaces so the pipeline
// itself stays free of concrete wiring and testable with hand-written
// fakes.
type Dependencies struct {
	Reader    ChainReader
	Locator   RangeResolver
	Harvester EventSource
	Store     EpochStore
	Lock      LockService
	Metrics   *metrics.Registry
	Log       *slog.Logger

	LockTTL         time.Duration
	CrossEpochDelta uint64
}

// ChainReader is the subset of the chain reader the pipeline calls directly (metadata
// for determining the next epoch's start time; log/header access happens
// inside Harvester/Locator).
type ChainReader interface {
	RoundMetadata(ctx context.Context, epoch uint64) (chain.RoundMetadata, error)
}

// RangeResolver is the subset of the block locator the pipeline calls.
type RangeResolver interface {
	EpochRange(ctx context.Context, epoch uint64, startTS time.Time, nextStartTS *time.Time) (locator.Range, error)
}

// EventSource is the subset of the event harvester the pipeline calls.
type EventSource interface {
	FetchEpoch(ctx context.Context, targetEpoch uint64, from, to uint64, crossEpochDelta uint64) (model.EpochEvents, error)
}

// EpochStore is the subset of the store the pipeline calls.
type EpochStore interface {
	IsCompleted(ctx context.Context, epoch uint64) (bool, error)
	LogEpochError(ctx context.Context, epoch uint64, class, message string, at time.Time) error
	CommitEpoch(ctx context.Context, epoch uint64, round model.Round, bets []model.Bet, claims []model.Claim, multiClaims []model.MultiClaim) error
}

// LockService is the subset of the lock service the pipeline calls.
type LockService interface {
	Acquire(ctx context.Context, epoch uint64, ttl time.Duration) (*lock.Handle, bool, error)
	Release(ctx context.Context, h *lock.Handle) error
}

// Pipeline runs the per-epoch state machine and owns failure accounting.
type Pipeline struct {
	deps     Dependencies
	failures *failureWindow
}

// New constructs a Pipeline. maxFailures/window configure the failure-
// window circuit breaker (default 3 failures in 10 minutes).
func New(deps Dependencies, maxFailures int, window time.Duration) *Pipeline {
	return &Pipeline{
		deps:     deps,
		failures: newFailureWindow(maxFailures, window),
	}
}

// Run drives one epoch through its full lifecycle: completion check,
// lock acquisition, metadata lookup, range resolution, harvesting,
// validation, and commit.
func (p *Pipeline) Run(ctx context.Context, epoch uint64) Outcome {
	if p.deps.Metrics != nil {
		p.deps.Metrics.EpochStarted.Inc()
	}
	if p.deps.Log != nil {
		p.deps.Log.Info(xlog.EventEpochStarted, "epoch", epoch)
	}

	done, err := p.deps.Store.IsCompleted(ctx, epoch)
	if err != nil {
		return p.fail(ctx, epoch, &ClassifiedError{Class: ClassPersistence, Err: err}, nil)
	}
	if done {
		p.skipped(epoch)
		return Outcome{Epoch: epoch, Status: StatusSkipped}
	}

	handle, acquired, err := p.deps.Lock.Acquire(ctx, epoch, p.deps.LockTTL)
	if err != nil || !acquired {
		// Lock-service failure or contention: both are "skip this
		// cycle" outcomes. Neither counts against the failure-window
		// circuit breaker: losing a race for an epoch another worker
		// owns is expected steady-state behavior, not a fault.
		if p.deps.Metrics != nil {
			p.deps.Metrics.LockDenied.Inc()
		}
		p.skipped(epoch)
		return Outcome{Epoch: epoch, Status: StatusSkipped}
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.LockAcquired.Inc()
	}
	defer func() { _ = p.deps.Lock.Release(ctx, handle) }()

	startMeta, err := p.deps.Reader.RoundMetadata(ctx, epoch)
	if err != nil {
		return p.fail(ctx, epoch, &ClassifiedError{Class: ClassPermanentRPC, Err: err}, handle)
	}
	startTS := time.Unix(startMeta.StartTS, 0).UTC()

	var nextStartTSPtr *time.Time
	nextMeta, err := p.deps.Reader.RoundMetadata(ctx, epoch+1)
	if err == nil {
		t := time.Unix(nextMeta.StartTS, 0).UTC()
		nextStartTSPtr = &t
	}
	// A permanent RPC error (e.g. rounds(e+1) reverts because it doesn't
	// exist yet) is handled locally here by falling back to "now" as the
	// right edge rather than surfaced.

	rng, err := p.deps.Locator.EpochRange(ctx, epoch, startTS, nextStartTSPtr)
	if err != nil {
		return p.fail(ctx, epoch, &ClassifiedError{Class: ClassPermanentRPC, Err: err}, handle)
	}

	events, err := p.deps.Harvester.FetchEpoch(ctx, epoch, rng.Start, rangeEndInclusive(rng), p.deps.CrossEpochDelta)
	if err != nil {
		return p.fail(ctx, epoch, &ClassifiedError{Class: ClassPermanentRPC, Err: err}, handle)
	}

	result, failure := validate.Validate(events, epoch)
	if failure != nil {
		return p.fail(ctx, epoch, &ClassifiedError{Class: ClassValidation, Err: failure}, handle)
	}

	if err := p.deps.Store.CommitEpoch(ctx, epoch, result.Round, result.Bets, result.Claims, result.MultiClaims); err != nil {
		return p.fail(ctx, epoch, &ClassifiedError{Class: ClassPersistence, Err: err}, handle)
	}

	p.failures.recordSuccess()
	if p.deps.Metrics != nil {
		p.deps.Metrics.EpochCommitted.Inc()
		p.deps.Metrics.BetsPersisted.Add(float64(len(result.Bets)))
		p.deps.Metrics.ClaimsPersisted.Add(float64(len(result.Claims)))
		p.deps.Metrics.MultiClaimsPersisted.Add(float64(len(result.MultiClaims)))
	}
	if p.deps.Log != nil {
		p.deps.Log.Info(xlog.EventEpochCommitted, "epoch", epoch, "bets", len(result.Bets), "claims", len(result.Claims))
	}
	return Outcome{Epoch: epoch, Status: StatusDone}
}

func (p *Pipeline) skipped(epoch uint64) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.EpochSkipped.Inc()
	}
	if p.deps.Log != nil {
		p.deps.Log.Info(xlog.EventEpochSkipped, "epoch", epoch)
	}
}

func rangeEndInclusive(r locator.Range) uint64 {
	if r.End == 0 {
		return 0
	}
	return r.End - 1
}

// fail records a failure against the circuit breaker, writes an
// EpochError row from an independent connection, releases the lock (via
// the caller's deferred Release when handle is non-nil), and returns a
// StatusFailed outcome — or, if the consecutive-failure threshold is
// exceeded, propagates ErrCircuitOpen for the caller to treat as fatal.
func (p *Pipeline) fail(ctx context.Context, epoch uint64, cerr *ClassifiedError, _ *lock.Handle) Outcome {
	logErr := p.deps.Store.LogEpochError(ctx, epoch, cerr.Class.String(), cerr.Error(), time.Now().UTC())
	_ = logErr // best-effort: a failed diagnostic write must not mask the original error

	if p.deps.Metrics != nil {
		p.deps.Metrics.EpochFailedByClass.WithLabelValues(cerr.Class.String()).Inc()
	}
	if p.deps.Log != nil {
		p.deps.Log.Error(xlog.EventEpochFailed, "epoch", epoch, "class", cerr.Class.String(), "err", cerr.Err)
	}

	if p.failures.recordFailure() {
		if p.deps.Metrics != nil {
			p.deps.Metrics.EpochCircuitOpen.Inc()
		}
		if p.deps.Log != nil {
			p.deps.Log.Error(xlog.EventEpochCircuitOpen, "epoch", epoch)
		}
		return Outcome{Epoch: epoch, Status: StatusFailed, Err: ErrCircuitOpen}
	}
	return Outcome{Epoch: epoch, Status: StatusFailed, Err: cerr}
}
