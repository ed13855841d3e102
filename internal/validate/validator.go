// Package validate implements the Validator: structural completeness
// and cross-stream consistency checks over an epoch's harvested events,
// producing canonical records.
//
// This package is deliberately free of third-party imports beyond
// internal/model and shopspring/decimal (via model.Amount) — it is a pure
// computation over already-fetched in-memory data, not an ambient
// concern, so no library is needed here.
package validate

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/roundsync/indexer/internal/model"
)

// FailureReason is one enumerated validation error.
type FailureReason string

const (
	ReasonNoRoundStart      FailureReason = "NO_ROUND_START"
	ReasonEmptySender       FailureReason = "EMPTY_SENDER"
	ReasonNonPositiveAmount FailureReason = "NON_POSITIVE_AMOUNT"
	ReasonMissingEpoch      FailureReason = "MISSING_EPOCH"
	ReasonZeroBets          FailureReason = "ZERO_BETS"
	ReasonSumMismatch       FailureReason = "SUM_MISMATCH"
	ReasonSideSumMismatch   FailureReason = "SIDE_SUM_MISMATCH"
	ReasonSideOddsZero      FailureReason = "SIDE_ODDS_ZERO_WITH_STAKE"
	ReasonBetCountMismatch  FailureReason = "BET_COUNT_MISMATCH"
)

// Failure carries every enumerated reason the epoch's events failed
// validation on.
type Failure struct {
	Reasons []FailureReason
}

func (f *Failure) Error() string { return fmt.Sprintf("validate: failed: %v", f.Reasons) }

func (f *Failure) add(r FailureReason) { f.Reasons = append(f.Reasons, r) }

// Result is the validator's sum type: either Ok (with canonical records)
// or a Failure.
type Result struct {
	Round       model.Round
	Bets        []model.Bet
	Claims      []model.Claim
	MultiClaims []model.MultiClaim
	Warnings    []string
}

// CrossEpochDelta is the default bound on how far start/lock/end events
// may differ in epoch from the target. Validate does not apply it: that
// filtering happens before validation, in model.EpochEvents.FilterEpoch,
// with the delta the pipeline is configured with.
const CrossEpochDelta = 20

const feeRetainedPct = "0.97" // 1 - fee(0.03)

// Validate checks events for targetEpoch and, on success, returns the
// canonical Round/Bet/Claim/MultiClaim records.
func Validate(events model.EpochEvents, targetEpoch uint64) (*Result, *Failure) {
	fail := &Failure{}

	if len(events.RoundStart) == 0 {
		fail.add(ReasonNoRoundStart)
	}

	allStakes := append(append([]model.RawEvent{}, events.StakeUp...), events.StakeDown...)
	for _, ev := range allStakes {
		if ev.Sender == "" {
			fail.add(ReasonEmptySender)
		}
		amt, err := model.AmountFromRaw(orZero(ev.AmountRaw))
		if err != nil || !amt.IsPositive() {
			fail.add(ReasonNonPositiveAmount)
		}
	}
	for _, ev := range events.Claim {
		if ev.Sender == "" {
			fail.add(ReasonEmptySender)
		}
		amt, err := model.AmountFromRaw(orZero(ev.AmountRaw))
		if err != nil || !amt.IsPositive() {
			fail.add(ReasonNonPositiveAmount)
		}
	}

	if len(allStakes) == 0 {
		fail.add(ReasonZeroBets)
	}

	if len(fail.Reasons) > 0 {
		return nil, fail
	}

	var warnings []string

	upTotal, bets := sumAndBets(events.StakeUp, model.DirectionUp)
	downTotal, downBets := sumAndBets(events.StakeDown, model.DirectionDown)
	bets = append(bets, downBets...)
	total := upTotal.Add(downTotal)

	lockPrice, closePrice, priceWarning := resolvePrices(events)
	if priceWarning != "" {
		warnings = append(warnings, priceWarning)
	}
	outcome := model.OutcomeUp
	if closePrice.Cmp(lockPrice) <= 0 && priceWarning == "" {
		outcome = model.OutcomeDown
	}

	upOdds := sideOdds(total, upTotal)
	downOdds := sideOdds(total, downTotal)

	for i := range bets {
		bets[i].Epoch = targetEpoch
		bets[i].Result = model.BetLoss
		if string(bets[i].Direction) == string(outcome) {
			bets[i].Result = model.BetWin
		}
	}

	round := model.Round{
		Epoch:      targetEpoch,
		LockPrice:  lockPrice,
		ClosePrice: closePrice,
		Outcome:    outcome,
		Total:      total,
		UpAmount:   upTotal,
		DownAmount: downTotal,
		UpOdds:     upOdds,
		DownOdds:   downOdds,
	}
	if len(events.RoundStart) > 0 {
		round.StartTime = events.RoundStart[0].Timestamp
	}
	if len(events.RoundLock) > 0 {
		round.LockTime = events.RoundLock[0].Timestamp
	}
	if len(events.RoundEnd) > 0 {
		round.CloseTime = events.RoundEnd[0].Timestamp
	}

	claims, multiClaims := buildClaims(events.Claim, targetEpoch)

	// Cross-table consistency.
	betSum := model.ZeroAmount
	for _, b := range bets {
		betSum = betSum.Add(b.Amount)
	}
	if round.Total.AbsDiff(betSum).GreaterThan(toleranceDecimal()) {
		fail.add(ReasonSumMismatch)
	}
	upBetSum, downBetSum := model.ZeroAmount, model.ZeroAmount
	for _, b := range bets {
		if b.Direction == model.DirectionUp {
			upBetSum = upBetSum.Add(b.Amount)
		} else {
			downBetSum = downBetSum.Add(b.Amount)
		}
	}
	if upBetSum.AbsDiff(round.UpAmount).GreaterThan(toleranceDecimal()) ||
		downBetSum.AbsDiff(round.DownAmount).GreaterThan(toleranceDecimal()) {
		fail.add(ReasonSideSumMismatch)
	}
	if round.UpAmount.IsPositive() && round.UpOdds.IsZero() {
		fail.add(ReasonSideOddsZero)
	}
	if round.DownAmount.IsPositive() && round.DownOdds.IsZero() {
		fail.add(ReasonSideOddsZero)
	}
	if len(bets) != len(events.StakeUp)+len(events.StakeDown) {
		fail.add(ReasonBetCountMismatch)
	}

	if len(fail.Reasons) > 0 {
		return nil, fail
	}

	return &Result{
		Round:       round,
		Bets:        bets,
		Claims:      claims,
		MultiClaims: multiClaims,
		Warnings:    warnings,
	}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func sumAndBets(events []model.RawEvent, dir model.Direction) (model.Amount, []model.Bet) {
	total := model.ZeroAmount
	bets := make([]model.Bet, 0, len(events))
	for _, ev := range events {
		amt, _ := model.AmountFromRaw(orZero(ev.AmountRaw))
		total = total.Add(amt)
		bets = append(bets, model.Bet{
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			BetTime:     ev.Timestamp,
			Wallet:      ev.Sender,
			Direction:   dir,
			Amount:      amt,
			BlockHeight: ev.BlockHeight,
		})
	}
	return total, bets
}

// resolvePrices extracts lock/close prices from RoundLock/RoundEnd
// events. Missing prices are reported as a warning, never silently
// substituted with external data.
func resolvePrices(events model.EpochEvents) (lock, close model.Amount, warning string) {
	haveLock := len(events.RoundLock) > 0 && events.RoundLock[0].LockPrice != ""
	haveClose := len(events.RoundEnd) > 0 && events.RoundEnd[0].ClosePrice != ""

	if haveLock {
		lock, _ = model.AmountFromRaw(events.RoundLock[0].LockPrice)
	}
	if haveClose {
		close, _ = model.AmountFromRaw(events.RoundEnd[0].ClosePrice)
	}
	if !haveLock || !haveClose {
		warning = "missing lock or close price; defaulting outcome to UP"
	}
	return lock, close, warning
}

func sideOdds(total, side model.Amount) model.Amount {
	if side.IsZero() {
		return model.ZeroAmount
	}
	pool := total.Mul(mustDecimal(feeRetainedPct))
	ratio := pool.Div(side)
	amt, _ := model.AmountFromUnits(ratio.StringFixed(4))
	return amt
}

func toleranceDecimal() decimal.Decimal { return mustDecimal("0.0001") }

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func buildClaims(events []model.RawEvent, observationEpoch uint64) ([]model.Claim, []model.MultiClaim) {
	type key struct {
		tx       string
		logIndex uint
		betEpoch uint64
	}
	seen := make(map[key]struct{}, len(events))
	claims := make([]model.Claim, 0, len(events))
	for _, ev := range events {
		k := key{tx: ev.TxHash, logIndex: ev.LogIndex, betEpoch: ev.Epoch}
		if _, dup := seen[k]; dup {
			// Dedup by (tx_hash, log_index, bet_epoch) in-memory,
			// independent of whatever unique constraint the store
			// enforces at the schema level.
			continue
		}
		seen[k] = struct{}{}
		amt, _ := model.AmountFromRaw(orZero(ev.AmountRaw))
		claims = append(claims, model.Claim{
			Epoch:    observationEpoch,
			TxHash:   ev.TxHash,
			LogIndex: ev.LogIndex,
			BetEpoch: ev.Epoch,
			Wallet:   ev.Sender,
			Amount:   amt,
		})
	}

	agg := make(map[string]*model.MultiClaim)
	for _, c := range claims {
		mc, ok := agg[c.Wallet]
		if !ok {
			mc = &model.MultiClaim{Epoch: observationEpoch, Wallet: c.Wallet}
			agg[c.Wallet] = mc
		}
		mc.ClaimCount++
		mc.TotalAmount = mc.TotalAmount.Add(c.Amount)
	}

	var multi []model.MultiClaim
	for _, mc := range agg {
		if mc.ClaimCount >= model.MultiClaimCountThreshold || mc.TotalAmount.Cmp(model.MultiClaimAmountThreshold) >= 0 {
			multi = append(multi, *mc)
		}
	}
	sort.Slice(multi, func(i, j int) bool { return multi[i].Wallet < multi[j].Wallet })

	return claims, multi
}
