package model

import "time"

// EventStream names the six contract event signatures the Chain Reader
// and Event Harvester treat uniformly.
type EventStream string

const (
	StreamRoundStart EventStream = "RoundStart"
	StreamRoundLock  EventStream = "RoundLock"
	StreamRoundEnd   EventStream = "RoundEnd"
	StreamStakeUp    EventStream = "StakeUp"
	StreamStakeDown  EventStream = "StakeDown"
	StreamClaim      EventStream = "Claim"
)

// AllStreams lists every stream in a stable order, used wherever the
// harvester/reader must iterate the six signatures uniformly.
var AllStreams = []EventStream{
	StreamRoundStart, StreamRoundLock, StreamRoundEnd,
	StreamStakeUp, StreamStakeDown, StreamClaim,
}

// RawEvent is a single decoded log from any of the six streams, before
// validation has split it into canonical records. Fields not applicable
// to a given stream are left zero.
type RawEvent struct {
	Stream      EventStream
	Epoch       uint64
	BlockHeight uint64
	TxHash      string
	LogIndex    uint
	Sender      string // lowercased 20-byte hex wallet, for stake/claim
	AmountRaw   string // 18-digit raw integer string, for stake/claim
	LockPrice   string // 18-digit raw integer string, for RoundLock
	ClosePrice  string // 18-digit raw integer string, for RoundEnd
	Timestamp   time.Time
}

// EpochEvents groups the six decoded streams for a block range, as
// returned by the Event Harvester.
type EpochEvents struct {
	RoundStart []RawEvent
	RoundLock  []RawEvent
	RoundEnd   []RawEvent
	StakeUp    []RawEvent
	StakeDown  []RawEvent
	Claim      []RawEvent
}

// All returns every event across the six streams, in stream-declaration
// order, for code that needs to iterate uniformly (e.g. distinct block
// height collection for header batching).
func (e EpochEvents) All() []RawEvent {
	out := make([]RawEvent, 0, len(e.RoundStart)+len(e.RoundLock)+len(e.RoundEnd)+len(e.StakeUp)+len(e.StakeDown)+len(e.Claim))
	out = append(out, e.RoundStart...)
	out = append(out, e.RoundLock...)
	out = append(out, e.RoundEnd...)
	out = append(out, e.StakeUp...)
	out = append(out, e.StakeDown...)
	out = append(out, e.Claim...)
	return out
}

// FilterEpoch returns a copy of e retaining only events whose embedded
// epoch matches target for the delta-tolerant streams (start/lock/end,
// within delta) and exactly for the stake streams.
//
// Claim events are deliberately NOT filtered by their embedded epoch: that
// field is the bet_epoch whose winnings are being withdrawn, which is
// explicitly allowed (and expected) to differ from the observation epoch.
// A claim observed anywhere inside the block range fetched for target
// belongs to target as its observation epoch regardless of its embedded
// bet_epoch value.
func (e EpochEvents) FilterEpoch(target uint64, delta uint64) EpochEvents {
	within := func(ev RawEvent) bool {
		if ev.Epoch >= target {
			return ev.Epoch-target <= delta
		}
		return target-ev.Epoch <= delta
	}
	exact := func(ev RawEvent) bool { return ev.Epoch == target }

	filterStream := func(in []RawEvent, keep func(RawEvent) bool) []RawEvent {
		out := make([]RawEvent, 0, len(in))
		for _, ev := range in {
			if keep(ev) {
				out = append(out, ev)
			}
		}
		return out
	}

	return EpochEvents{
		RoundStart: filterStream(e.RoundStart, within),
		RoundLock:  filterStream(e.RoundLock, within),
		RoundEnd:   filterStream(e.RoundEnd, within),
		StakeUp:    filterStream(e.StakeUp, exact),
		StakeDown:  filterStream(e.StakeDown, exact),
		Claim:      e.Claim,
	}
}
