package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roundsync/indexer/internal/chain"
	"github.com/roundsync/indexer/internal/lock"
	"github.com/roundsync/indexer/internal/locator"
	"github.com/roundsync/indexer/internal/model"
)

// fakeReader satisfies ChainReader; metaErr lets a test force a
// round_metadata failure.
type fakeReader struct {
	meta    chain.RoundMetadata
	metaErr error
}

func (f *fakeReader) RoundMetadata(ctx context.Context, epoch uint64) (chain.RoundMetadata, error) {
	if f.metaErr != nil {
		return chain.RoundMetadata{}, f.metaErr
	}
	return f.meta, nil
}

type fakeLocator struct {
	rng locator.Range
	err error
}

func (f *fakeLocator) EpochRange(ctx context.Context, epoch uint64, startTS time.Time, nextStartTS *time.Time) (locator.Range, error) {
	return f.rng, f.err
}

type fakeHarvester struct {
	events model.EpochEvents
	err    error
}

func (f *fakeHarvester) FetchEpoch(ctx context.Context, targetEpoch uint64, from, to uint64, crossEpochDelta uint64) (model.EpochEvents, error) {
	return f.events, f.err
}

type fakeStore struct {
	completed map[uint64]bool
	committed []uint64
	errLog    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{completed: make(map[uint64]bool)}
}

func (f *fakeStore) IsCompleted(ctx context.Context, epoch uint64) (bool, error) {
	return f.completed[epoch], nil
}

func (f *fakeStore) LogEpochError(ctx context.Context, epoch uint64, class, message string, at time.Time) error {
	f.errLog = append(f.errLog, class)
	return nil
}

func (f *fakeStore) CommitEpoch(ctx context.Context, epoch uint64, round model.Round, bets []model.Bet, claims []model.Claim, multiClaims []model.MultiClaim) error {
	f.committed = append(f.committed, epoch)
	f.completed[epoch] = true
	return nil
}

type fakeLock struct{}

func (fakeLock) Acquire(ctx context.Context, epoch uint64, ttl time.Duration) (*lock.Handle, bool, error) {
	return &lock.Handle{}, true, nil
}
func (fakeLock) Release(ctx context.Context, h *lock.Handle) error { return nil }

func baseDeps() Dependencies {
	return Dependencies{
		Reader:  &fakeReader{meta: chain.RoundMetadata{StartTS: 1700000000}},
		Locator: &fakeLocator{rng: locator.Range{Start: 100, End: 200}},
		Harvester: &fakeHarvester{events: model.EpochEvents{
			RoundStart: []model.RawEvent{{Stream: model.StreamRoundStart, Epoch: 1}},
			StakeUp: []model.RawEvent{
				{Stream: model.StreamStakeUp, Epoch: 1, Sender: "0xaaa", AmountRaw: "1000000000000000000"},
			},
		}},
		Store:           newFakeStore(),
		Lock:            fakeLock{},
		LockTTL:         time.Minute,
		CrossEpochDelta: 20,
	}
}

func TestRunCommitsHealthyEpoch(t *testing.T) {
	deps := baseDeps()
	pl := New(deps, 3, 10*time.Minute)

	out := pl.Run(context.Background(), 1)
	if out.Status != StatusDone {
		t.Fatalf("got status %v, err %v", out.Status, out.Err)
	}
	fs := deps.Store.(*fakeStore)
	if len(fs.committed) != 1 || fs.committed[0] != 1 {
		t.Fatalf("expected epoch 1 committed, got %v", fs.committed)
	}
}

func TestRunSkipsAlreadyCompleted(t *testing.T) {
	deps := baseDeps()
	fs := deps.Store.(*fakeStore)
	fs.completed[1] = true
	pl := New(deps, 3, 10*time.Minute)

	out := pl.Run(context.Background(), 1)
	if out.Status != StatusSkipped {
		t.Fatalf("got status %v, want Skipped", out.Status)
	}
}

// An injected RPC failure aborts the epoch, logs an EpochError, and
// increments the failure-window counter without tripping the breaker on
// the first occurrence.
func TestTransientFailureAbortsEpochAndLogsError(t *testing.T) {
	deps := baseDeps()
	deps.Harvester = &fakeHarvester{err: errors.New("rpc: request timeout")}
	pl := New(deps, 3, 10*time.Minute)

	out := pl.Run(context.Background(), 1)
	if out.Status != StatusFailed {
		t.Fatalf("got status %v, want Failed", out.Status)
	}
	if errors.Is(out.Err, ErrCircuitOpen) {
		t.Fatal("a single failure must not trip the circuit breaker")
	}
	fs := deps.Store.(*fakeStore)
	if len(fs.errLog) != 1 {
		t.Fatalf("expected one EpochError write, got %d", len(fs.errLog))
	}
}

// Three consecutive failures within the window trip the circuit
// breaker and ErrCircuitOpen is surfaced to the caller.
func TestCircuitOpensAfterThreeConsecutiveFailures(t *testing.T) {
	deps := baseDeps()
	deps.Harvester = &fakeHarvester{err: errors.New("rpc: permanent failure")}
	pl := New(deps, 3, 10*time.Minute)

	var last Outcome
	for epoch := uint64(1); epoch <= 3; epoch++ {
		last = pl.Run(context.Background(), epoch)
	}

	if !errors.Is(last.Err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after 3 consecutive failures, got %v", last.Err)
	}
}

func TestRunSkipsOnLockDenied(t *testing.T) {
	deps := baseDeps()
	deps.Lock = denyingLock{}
	pl := New(deps, 3, 10*time.Minute)

	out := pl.Run(context.Background(), 1)
	if out.Status != StatusSkipped {
		t.Fatalf("got status %v, want Skipped on lock contention", out.Status)
	}
}

type denyingLock struct{}

func (denyingLock) Acquire(ctx context.Context, epoch uint64, ttl time.Duration) (*lock.Handle, bool, error) {
	return nil, false, nil
}
func (denyingLock) Release(ctx context.Context, h *lock.Handle) error { return nil }

func TestRunFailsOnValidationError(t *testing.T) {
	deps := baseDeps()
	deps.Harvester = &fakeHarvester{events: model.EpochEvents{}} // no round start, no bets
	pl := New(deps, 3, 10*time.Minute)

	out := pl.Run(context.Background(), 1)
	if out.Status != StatusFailed {
		t.Fatalf("got status %v, want Failed", out.Status)
	}
}
