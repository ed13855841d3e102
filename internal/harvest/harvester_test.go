package harvest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roundsync/indexer/internal/model"
)

// fakeSource returns one synthetic event per stream per call, recording
// the windows/slices it was asked for so window/slice splitting can be
// asserted. fetchSliceParallel calls Logs for all six streams
// concurrently, so access to windows must be synchronized.
type fakeSource struct {
	mu      sync.Mutex
	windows [][2]uint64
}

func (f *fakeSource) Logs(ctx context.Context, stream model.EventStream, from, to uint64) ([]model.RawEvent, error) {
	f.mu.Lock()
	f.windows = append(f.windows, [2]uint64{from, to})
	f.mu.Unlock()
	return []model.RawEvent{{
		Stream: stream, Epoch: 1, BlockHeight: from,
		TxHash: fmt.Sprintf("0x%s-%d", stream, from), Sender: "0xaaa", AmountRaw: "1000000000000000000",
	}}, nil
}

func (f *fakeSource) BlockHeaders(ctx context.Context, heights []uint64) (map[uint64]time.Time, error) {
	out := make(map[uint64]time.Time, len(heights))
	for _, h := range heights {
		out[h] = time.Unix(int64(h), 0).UTC()
	}
	return out, nil
}

func TestFetchSplitsIntoSlicesWithinOneWindow(t *testing.T) {
	src := &fakeSource{}
	h := New(src, Params{MaxBlocksPerWindow: 1000, SliceSize: 300, SliceSleep: 0, HeaderBatch: 200})

	events, err := h.Fetch(context.Background(), 0, 999)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events.RoundStart) == 0 {
		t.Fatal("expected merged events from every slice")
	}
	// 1000 blocks at SliceSize=300 -> 4 slices: [0,299][300,599][600,899][900,999]
	if got, want := len(src.windows)/6, 4; got != want {
		t.Fatalf("got %d slices, want %d", got, want)
	}
}

func TestFetchAttachesTimestamps(t *testing.T) {
	src := &fakeSource{}
	h := New(src, Params{MaxBlocksPerWindow: 100, SliceSize: 100, SliceSleep: 0, HeaderBatch: 200})

	events, err := h.Fetch(context.Background(), 10, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if events.RoundStart[0].Timestamp.IsZero() {
		t.Fatal("expected a non-zero timestamp attached to the event")
	}
}

func TestFetchEpochFiltersToTarget(t *testing.T) {
	src := &fakeSource{}
	h := New(src, DefaultParams())

	events, err := h.FetchEpoch(context.Background(), 1, 0, 50, 20)
	if err != nil {
		t.Fatalf("FetchEpoch: %v", err)
	}
	for _, ev := range events.StakeUp {
		if ev.Epoch != 1 {
			t.Fatalf("expected only epoch 1 stake events, got %d", ev.Epoch)
		}
	}
}

type erroringSource struct{}

func (erroringSource) Logs(ctx context.Context, stream model.EventStream, from, to uint64) ([]model.RawEvent, error) {
	return nil, fmt.Errorf("rpc: boom")
}
func (erroringSource) BlockHeaders(ctx context.Context, heights []uint64) (map[uint64]time.Time, error) {
	return nil, nil
}

func TestFetchPropagatesSourceError(t *testing.T) {
	h := New(erroringSource{}, DefaultParams())
	if _, err := h.Fetch(context.Background(), 0, 10); err == nil {
		t.Fatal("expected an error from the underlying source")
	}
}
