// Package locator implements the Block Locator: mapping a wall-clock
// timestamp to a block height via bounded binary search with sample-point
// linear estimation.
package locator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Mode selects which side-predicate the caller wants satisfied.
type Mode int

const (
	// FirstGTE finds the smallest h with header(h).ts >= T.
	FirstGTE Mode = iota
	// LastLT finds the largest h with header(h).ts < T.
	LastLT
)

// HeaderSource is the subset of the Chain Reader the locator depends on.
type HeaderSource interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
	BlockHeader(ctx context.Context, height uint64) (time.Time, error)
}

// Params configures the search, with reasonable defaults.
type Params struct {
	StrideBlocks         uint64        // K, default 100, tunable 50-150
	MaxStrideProbes      int           // default 3
	BinaryIterations     int           // default 2
	MaxLinearCorrection  uint64        // bounded by K
	BlocksPerSecond      float64       // seed extrapolation rate
	SeedLookback         time.Duration // default 24h, used when no anchor
	FallbackResidual     time.Duration // default 300s
	FallbackSamplePoints int           // default 5
	RangeCacheTTL        time.Duration // default 30m
	BlockTSCacheTTL      time.Duration // default 60m
}

// DefaultParams returns the stride/binary-search tuning used in production.
func DefaultParams() Params {
	return Params{
		StrideBlocks:         100,
		MaxStrideProbes:      3,
		BinaryIterations:     2,
		MaxLinearCorrection:  100,
		BlocksPerSecond:      1.0 / 3.0, // ~3s block time, a reasonable chain default
		SeedLookback:         24 * time.Hour,
		FallbackResidual:     300 * time.Second,
		FallbackSamplePoints: 5,
		RangeCacheTTL:        30 * time.Minute,
		BlockTSCacheTTL:      60 * time.Minute,
	}
}

// Range is an inclusive/exclusive block range: [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Locator is the Block Locator. It is safe for concurrent use.
type Locator struct {
	source HeaderSource
	params Params

	tsCache    *ttlCache // height -> time.Time
	rangeCache *ttlCache // epoch -> Range

	mu     sync.Mutex
	anchor *anchor // last resolved (timestamp, height) pair, for seeding

	group singleflight.Group
}

type anchor struct {
	ts     time.Time
	height uint64
}

// New constructs a Locator over source with params.
func New(source HeaderSource, params Params) *Locator {
	return &Locator{
		source:     source,
		params:     params,
		tsCache:    newTTLCache(4096, params.BlockTSCacheTTL),
		rangeCache: newTTLCache(1024, params.RangeCacheTTL),
	}
}

func (l *Locator) header(ctx context.Context, height uint64) (time.Time, error) {
	if v, ok := l.tsCache.get(height); ok {
		return v.(time.Time), nil
	}
	ts, err := l.source.BlockHeader(ctx, height)
	if err != nil {
		return time.Time{}, err
	}
	l.tsCache.set(height, ts)
	return ts, nil
}

func (l *Locator) setAnchor(ts time.Time, height uint64) {
	l.mu.Lock()
	l.anchor = &anchor{ts: ts, height: height}
	l.mu.Unlock()
}

func (l *Locator) currentAnchor() *anchor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchor
}

// EpochRange resolves the block range spanning [startTS, nextStartTS) for
// one epoch, using "now" as the right edge when nextStartTS is nil. Results are cached per epoch.
func (l *Locator) EpochRange(ctx context.Context, epoch uint64, startTS time.Time, nextStartTS *time.Time) (Range, error) {
	if v, ok := l.rangeCache.get(epoch); ok {
		return v.(Range), nil
	}

	v, err, _ := l.group.Do(fmt.Sprintf("range:%d", epoch), func() (interface{}, error) {
		startBlock, err := l.Find(ctx, FirstGTE, startTS)
		if err != nil {
			return nil, fmt.Errorf("locator: range start for epoch %d: %w", epoch, err)
		}

		var endBlock uint64
		if nextStartTS != nil {
			endBlock, err = l.Find(ctx, LastLT, *nextStartTS)
			if err != nil {
				return nil, fmt.Errorf("locator: range end for epoch %d: %w", epoch, err)
			}
			endBlock++ // End is exclusive per Range's contract
		} else {
			latest, err := l.source.LatestBlockHeight(ctx)
			if err != nil {
				return nil, fmt.Errorf("locator: latest height for epoch %d: %w", epoch, err)
			}
			endBlock = latest + 1
		}

		rng := Range{Start: startBlock, End: endBlock}
		l.rangeCache.set(epoch, rng)
		return rng, nil
	})
	if err != nil {
		return Range{}, err
	}
	return v.(Range), nil
}

// Find resolves a single block height satisfying mode's side-predicate
// against target.
func (l *Locator) Find(ctx context.Context, mode Mode, target time.Time) (uint64, error) {
	latest, err := l.source.LatestBlockHeight(ctx)
	if err != nil {
		return 0, err
	}

	seed, hadAnchor, err := l.seed(ctx, target, latest)
	if err != nil {
		return 0, err
	}

	lo, hi := boundedWindow(seed, l.params.StrideBlocks, latest)
	refined, residual, err := l.strideAndBisect(ctx, mode, target, seed, lo, hi, latest)
	if err != nil {
		return 0, err
	}

	if !hadAnchor && residual > l.params.FallbackResidual {
		refined, err = l.fallbackResolve(ctx, mode, target, latest)
		if err != nil {
			return 0, err
		}
	}

	h, err := l.linearCorrect(ctx, mode, target, refined, latest)
	if err != nil {
		return 0, err
	}

	if ts, err := l.header(ctx, h); err == nil {
		l.setAnchor(ts, h)
	}
	return h, nil
}

// seed picks a starting block height: linear extrapolation from the last
// anchor, or latest-blocks(24h) when no anchor exists yet.
func (l *Locator) seed(ctx context.Context, target time.Time, latest uint64) (uint64, bool, error) {
	if a := l.currentAnchor(); a != nil {
		deltaSeconds := target.Sub(a.ts).Seconds()
		deltaBlocks := int64(deltaSeconds * l.params.BlocksPerSecond)
		seed := int64(a.height) + deltaBlocks
		return clampToLatest(seed, latest), true, nil
	}
	lookbackBlocks := int64(l.params.SeedLookback.Seconds() * l.params.BlocksPerSecond)
	seed := int64(latest) - lookbackBlocks
	return clampToLatest(seed, latest), false, nil
}

func clampToLatest(h int64, latest uint64) uint64 {
	if h < 0 {
		return 0
	}
	if uint64(h) > latest {
		return latest
	}
	return uint64(h)
}

func boundedWindow(seed, stride, latest uint64) (uint64, uint64) {
	var lo uint64
	if seed > stride {
		lo = seed - stride
	}
	hi := seed + stride
	if hi > latest {
		hi = latest
	}
	return lo, hi
}

// strideAndBisect steps outward from seed in fixed strides (at most
// MaxStrideProbes probes), then tightens with a bounded binary search over
// [lo, hi]. Returns the refined height and the residual |header(h).ts-T|
// observed at the final probe, used to decide whether the slower fallback
// is warranted.
func (l *Locator) strideAndBisect(ctx context.Context, mode Mode, target time.Time, seed, lo, hi, latest uint64) (uint64, time.Duration, error) {
	probe := seed
	var probeTS time.Time
	var err error

	for i := 0; i < l.params.MaxStrideProbes; i++ {
		probeTS, err = l.header(ctx, probe)
		if err != nil {
			return 0, 0, err
		}
		if probeTS.Before(target) {
			// Need a later block; step forward.
			next := probe + l.params.StrideBlocks
			if next > latest {
				next = latest
			}
			if next == probe {
				break
			}
			probe = next
		} else {
			// Need an earlier block; step backward.
			if probe < l.params.StrideBlocks {
				probe = 0
			} else {
				probe -= l.params.StrideBlocks
			}
		}
	}

	// Bounded binary search within [lo, hi] around the stride result.
	left, right := lo, hi
	if probe < left {
		left = 0
	}
	if probe > right {
		right = latest
	}
	for i := 0; i < l.params.BinaryIterations && left < right; i++ {
		mid := left + (right-left)/2
		midTS, err := l.header(ctx, mid)
		if err != nil {
			return 0, 0, err
		}
		if midTS.Before(target) {
			left = mid + 1
		} else {
			right = mid
		}
		probe = mid
		probeTS = midTS
	}

	residual := probeTS.Sub(target)
	if residual < 0 {
		residual = -residual
	}
	return probe, residual, nil
}

// fallbackResolve is the slower multi-sample linear regression fallback,
// used only when the fast path's residual exceeds the configured
// threshold and no anchor seed was available.
func (l *Locator) fallbackResolve(ctx context.Context, mode Mode, target time.Time, latest uint64) (uint64, error) {
	n := l.params.FallbackSamplePoints
	if n < 2 {
		n = 2
	}
	type sample struct {
		height uint64
		ts     time.Time
	}
	samples := make([]sample, 0, n)
	step := latest / uint64(n-1)
	if step == 0 {
		step = 1
	}
	for i := 0; i < n; i++ {
		h := uint64(i) * step
		if h > latest {
			h = latest
		}
		ts, err := l.header(ctx, h)
		if err != nil {
			return 0, err
		}
		samples = append(samples, sample{height: h, ts: ts})
	}

	// Linear regression of height over timestamp (seconds since first
	// sample), to estimate a starting point for the binary search.
	var sumX, sumY, sumXY, sumXX float64
	base := samples[0].ts
	for _, s := range samples {
		x := s.ts.Sub(base).Seconds()
		y := float64(s.height)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nF := float64(len(samples))
	denom := nF*sumXX - sumX*sumX
	var slope, intercept float64
	if denom != 0 {
		slope = (nF*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / nF
	} else {
		slope = l.params.BlocksPerSecond
		intercept = float64(samples[0].height)
	}
	x := target.Sub(base).Seconds()
	estimate := intercept + slope*x
	seedHeight := clampToLatest(int64(estimate), latest)

	// Bound the search window around the regression estimate rather than
	// scanning the whole chain: the window half-width is twice the probe
	// spacing, wide enough to absorb the estimate's error against evenly
	// spaced samples.
	halfWidth := int64(step) * 2
	if halfWidth == 0 {
		halfWidth = 1
	}
	left := uint64(0)
	if int64(seedHeight) > halfWidth {
		left = uint64(int64(seedHeight) - halfWidth)
	}
	right := clampToLatest(int64(seedHeight)+halfWidth, latest)

	leftTS, err := l.header(ctx, left)
	if err != nil {
		return 0, err
	}
	rightTS, err := l.header(ctx, right)
	if err != nil {
		return 0, err
	}
	// The regression estimate can miss its window on a chain with
	// irregular block times; widen to the full range rather than binary
	// search a window that does not bracket target.
	if leftTS.After(target) {
		left = 0
	}
	if rightTS.Before(target) {
		right = latest
	}

	for left < right {
		mid := left + (right-left)/2
		midTS, err := l.header(ctx, mid)
		if err != nil {
			return 0, err
		}
		if midTS.Before(target) {
			left = mid + 1
		} else {
			right = mid
		}
	}
	return left, nil
}

// linearCorrect walks one block at a time until the side-predicate holds,
// bounded by MaxLinearCorrection steps to prevent a pathological scan.
func (l *Locator) linearCorrect(ctx context.Context, mode Mode, target time.Time, h, latest uint64) (uint64, error) {
	satisfies := func(height uint64) (bool, error) {
		ts, err := l.header(ctx, height)
		if err != nil {
			return false, err
		}
		switch mode {
		case FirstGTE:
			if ts.Before(target) {
				return false, nil
			}
			if height == 0 {
				return true, nil
			}
			prevTS, err := l.header(ctx, height-1)
			if err != nil {
				return false, err
			}
			return prevTS.Before(target), nil
		default: // LastLT
			if !ts.Before(target) {
				return false, nil
			}
			if height >= latest {
				return true, nil
			}
			nextTS, err := l.header(ctx, height+1)
			if err != nil {
				return false, err
			}
			return !nextTS.Before(target), nil
		}
	}

	cur := h
	for steps := uint64(0); steps <= l.params.MaxLinearCorrection; steps++ {
		ok, err := satisfies(cur)
		if err != nil {
			return 0, err
		}
		if ok {
			return cur, nil
		}
		ts, err := l.header(ctx, cur)
		if err != nil {
			return 0, err
		}
		switch mode {
		case FirstGTE:
			if ts.Before(target) {
				if cur >= latest {
					return latest, nil
				}
				cur++
			} else {
				if cur == 0 {
					return 0, nil
				}
				cur--
			}
		default:
			if !ts.Before(target) {
				if cur == 0 {
					return 0, nil
				}
				cur--
			} else {
				if cur >= latest {
					return latest, nil
				}
				cur++
			}
		}
	}
	return cur, nil
}
