package model

import "testing"

func TestFilterEpochClaimsPassThroughRegardlessOfBetEpoch(t *testing.T) {
	events := EpochEvents{
		Claim: []RawEvent{
			{Stream: StreamClaim, Epoch: 10}, // bet_epoch far from target
			{Stream: StreamClaim, Epoch: 55},
		},
	}
	filtered := events.FilterEpoch(55, 20)
	if len(filtered.Claim) != 2 {
		t.Fatalf("claims must pass through unfiltered by embedded bet_epoch, got %d", len(filtered.Claim))
	}
}

func TestFilterEpochStakeStreamsRequireExactMatch(t *testing.T) {
	events := EpochEvents{
		StakeUp: []RawEvent{
			{Stream: StreamStakeUp, Epoch: 55},
			{Stream: StreamStakeUp, Epoch: 56},
		},
	}
	filtered := events.FilterEpoch(55, 20)
	if len(filtered.StakeUp) != 1 {
		t.Fatalf("expected exactly one exact-epoch stake event, got %d", len(filtered.StakeUp))
	}
}

func TestFilterEpochBoundaryStreamsToleradeDelta(t *testing.T) {
	events := EpochEvents{
		RoundStart: []RawEvent{
			{Stream: StreamRoundStart, Epoch: 40}, // within delta=20 of 55
			{Stream: StreamRoundStart, Epoch: 10}, // outside delta
		},
	}
	filtered := events.FilterEpoch(55, 20)
	if len(filtered.RoundStart) != 1 {
		t.Fatalf("expected one within-delta round start event, got %d", len(filtered.RoundStart))
	}
}

func TestEpochEventsAll(t *testing.T) {
	events := EpochEvents{
		RoundStart: []RawEvent{{Stream: StreamRoundStart}},
		StakeUp:    []RawEvent{{Stream: StreamStakeUp}, {Stream: StreamStakeUp}},
	}
	if got := len(events.All()); got != 3 {
		t.Fatalf("got %d events, want 3", got)
	}
}
