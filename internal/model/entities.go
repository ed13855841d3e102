package model

import "time"

// Outcome is the settled direction of a round.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// Direction is the side a bettor staked on.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// BetResult is the derived win/loss of a single bet once the round's
// outcome is known.
type BetResult string

const (
	BetWin  BetResult = "WIN"
	BetLoss BetResult = "LOSS"
)

const feeRate = "0.03"

// Round is the canonical per-epoch aggregate record.
type Round struct {
	Epoch      uint64
	StartTime  time.Time
	LockTime   time.Time
	CloseTime  time.Time
	LockPrice  Amount
	ClosePrice Amount
	Outcome    Outcome
	Total      Amount
	UpAmount   Amount
	DownAmount Amount
	UpOdds     Amount
	DownOdds   Amount
}

// Bet is a single stake event.
type Bet struct {
	Epoch       uint64
	TxHash      string
	LogIndex    uint
	BetTime     time.Time
	Wallet      string
	Direction   Direction
	Amount      Amount
	Result      BetResult
	BlockHeight uint64
}

// Claim is a single payout withdrawal.
type Claim struct {
	Epoch    uint64
	TxHash   string
	LogIndex uint
	BetEpoch uint64
	Wallet   string
	Amount   Amount
}

// MultiClaim is a derived per-wallet aggregate within one observation
// epoch.
type MultiClaim struct {
	Epoch       uint64
	Wallet      string
	ClaimCount  int
	TotalAmount Amount
}

// MultiClaim thresholds.
const (
	MultiClaimCountThreshold = 5
)

// MultiClaimAmountThreshold is the cumulative-amount threshold ("≥ 1 unit").
var MultiClaimAmountThreshold = mustAmount("1")

func mustAmount(s string) Amount {
	a, err := AmountFromUnits(s)
	if err != nil {
		panic(err)
	}
	return a
}

// EpochCompletion is a presence-only marker.
type EpochCompletion struct {
	Epoch uint64
}

// EpochError records the last observed failure for an epoch.
type EpochError struct {
	Epoch     uint64
	Message   string
	Class     string
	Timestamp time.Time
}
