// Package harvest implements the Event Harvester: given a block
// range, pulls the six relevant event streams and attaches block
// timestamps. Amounts are passed on as the raw 18-digit strings the Chain
// Reader decoded; the validator reduces them with model.AmountFromRaw.
//
// Grounded on other_examples/ba7b7229_MichaelKim20-agora-scan__exporter-eth1.go
// for the window-sizing/advance-by-batch shape, adapted to this package's
// window and slice parameters; parallel per-window stream fetch uses
// golang.org/x/sync/errgroup and inter-slice pacing uses
// golang.org/x/time/rate.
package harvest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roundsync/indexer/internal/chain"
	"github.com/roundsync/indexer/internal/model"
)

// Source is the subset of the Chain Reader the harvester depends on.
type Source interface {
	Logs(ctx context.Context, stream model.EventStream, from, to uint64) ([]model.RawEvent, error)
	BlockHeaders(ctx context.Context, heights []uint64) (map[uint64]time.Time, error)
}

// Params configures windowing/slicing, with reasonable defaults.
type Params struct {
	MaxBlocksPerWindow uint64        // W, default 100,000
	SliceSize          uint64        // S, default 20,000
	SliceSleep         time.Duration // default 180ms
	HeaderBatch        int           // B, default 200
}

// DefaultParams returns the windowing/slicing tuning used in production.
func DefaultParams() Params {
	return Params{
		MaxBlocksPerWindow: 100_000,
		SliceSize:          20_000,
		SliceSleep:         180 * time.Millisecond,
		HeaderBatch:        200,
	}
}

// Harvester is the Event Harvester.
type Harvester struct {
	source  Source
	params  Params
	limiter *rate.Limiter
}

// New constructs a Harvester. The limiter paces inter-slice fetches — one
// token per slice, refilled at 1/SliceSleep — which is the harvester's
// primary backpressure mechanism toward the RPC provider.
func New(source Source, params Params) *Harvester {
	var every rate.Limit
	if params.SliceSleep > 0 {
		every = rate.Every(params.SliceSleep)
	} else {
		every = rate.Inf
	}
	return &Harvester{
		source:  source,
		params:  params,
		limiter: rate.NewLimiter(every, 1),
	}
}

// Fetch retrieves EpochEvents for [from, to] (inclusive), splitting into
// windows of at most W blocks and, within each window, slices of at most
// S blocks, and fetching the six streams in parallel for each slice.
func (h *Harvester) Fetch(ctx context.Context, from, to uint64) (model.EpochEvents, error) {
	var merged model.EpochEvents

	for winFrom := from; winFrom <= to; {
		winTo := winFrom + h.params.MaxBlocksPerWindow - 1
		if winTo > to {
			winTo = to
		}

		winEvents, err := h.fetchWindow(ctx, winFrom, winTo)
		if err != nil {
			return model.EpochEvents{}, err
		}
		merged = mergeEvents(merged, winEvents)

		if winTo == to {
			break
		}
		winFrom = winTo + 1
	}

	if err := h.attachTimestamps(ctx, &merged); err != nil {
		return model.EpochEvents{}, err
	}
	return merged, nil
}

// FetchEpoch fetches [from, to] and filters the result down to events
// belonging to targetEpoch.
func (h *Harvester) FetchEpoch(ctx context.Context, targetEpoch uint64, from, to uint64, crossEpochDelta uint64) (model.EpochEvents, error) {
	all, err := h.Fetch(ctx, from, to)
	if err != nil {
		return model.EpochEvents{}, err
	}
	return all.FilterEpoch(targetEpoch, crossEpochDelta), nil
}

func (h *Harvester) fetchWindow(ctx context.Context, from, to uint64) (model.EpochEvents, error) {
	var merged model.EpochEvents
	for sliceFrom := from; sliceFrom <= to; {
		sliceTo := sliceFrom + h.params.SliceSize - 1
		if sliceTo > to {
			sliceTo = to
		}

		if err := h.limiter.Wait(ctx); err != nil {
			return model.EpochEvents{}, err
		}

		sliceEvents, err := h.fetchSliceParallel(ctx, sliceFrom, sliceTo)
		if err != nil {
			return model.EpochEvents{}, err
		}
		merged = mergeEvents(merged, sliceEvents)

		if sliceTo == to {
			break
		}
		sliceFrom = sliceTo + 1
	}
	return merged, nil
}

// fetchSliceParallel fetches the six event streams for one slice
// concurrently.
func (h *Harvester) fetchSliceParallel(ctx context.Context, from, to uint64) (model.EpochEvents, error) {
	var out model.EpochEvents
	g, gctx := errgroup.WithContext(ctx)

	fetch := func(stream model.EventStream, dst *[]model.RawEvent) {
		g.Go(func() error {
			events, err := h.source.Logs(gctx, stream, from, to)
			if err != nil {
				return fmt.Errorf("harvest: fetch %s [%d,%d]: %w", stream, from, to, err)
			}
			*dst = events
			return nil
		})
	}

	fetch(model.StreamRoundStart, &out.RoundStart)
	fetch(model.StreamRoundLock, &out.RoundLock)
	fetch(model.StreamRoundEnd, &out.RoundEnd)
	fetch(model.StreamStakeUp, &out.StakeUp)
	fetch(model.StreamStakeDown, &out.StakeDown)
	fetch(model.StreamClaim, &out.Claim)

	if err := g.Wait(); err != nil {
		return model.EpochEvents{}, err
	}
	return out, nil
}

// attachTimestamps computes the distinct block heights referenced by all
// events, fetches their headers in batches, and attaches the timestamp to
// each event in place.
func (h *Harvester) attachTimestamps(ctx context.Context, events *model.EpochEvents) error {
	all := events.All()
	if len(all) == 0 {
		return nil
	}
	heights := make([]uint64, 0, len(all))
	for _, ev := range all {
		heights = append(heights, ev.BlockHeight)
	}
	timestamps, err := h.source.BlockHeaders(ctx, heights)
	if err != nil {
		return fmt.Errorf("harvest: attach timestamps: %w", err)
	}

	attach := func(evs []model.RawEvent) {
		for i := range evs {
			evs[i].Timestamp = timestamps[evs[i].BlockHeight]
		}
	}
	attach(events.RoundStart)
	attach(events.RoundLock)
	attach(events.RoundEnd)
	attach(events.StakeUp)
	attach(events.StakeDown)
	attach(events.Claim)
	return nil
}

func mergeEvents(a, b model.EpochEvents) model.EpochEvents {
	return model.EpochEvents{
		RoundStart: append(a.RoundStart, b.RoundStart...),
		RoundLock:  append(a.RoundLock, b.RoundLock...),
		RoundEnd:   append(a.RoundEnd, b.RoundEnd...),
		StakeUp:    append(a.StakeUp, b.StakeUp...),
		StakeDown:  append(a.StakeDown, b.StakeDown...),
		Claim:      append(a.Claim, b.Claim...),
	}
}

var _ Source = (*chain.EthReader)(nil)
