// Package model holds the canonical entity types shared by every
// component in the pipeline: Round, Bet, Claim, MultiClaim, and the
// completion/error markers, plus the fixed-point Amount type they are
// built from.
package model

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits every persisted amount
// carries. The chain reports amounts scaled by RawScale (18 digits); the
// harvester reduces them to AmountScale by exact integer division.
const AmountScale = 8

// RawScale is the number of fractional digits the chain reports amounts in.
const RawScale = 18

var scaleDivisor = new(big.Int).Exp(big.NewInt(10), big.NewInt(RawScale-AmountScale), nil)

// Amount is a fixed-point decimal with AmountScale fractional digits. It is
// always constructed from integer arithmetic; no code path may build one
// from a float.
type Amount struct {
	d decimal.Decimal
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{d: decimal.Zero}

// AmountFromRaw reduces an 18-digit raw on-chain integer (as a decimal
// string, per the Chain Reader's contract) to an 8-digit canonical Amount
// using exact big.Int division — never float.
func AmountFromRaw(raw string) (Amount, error) {
	r, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return Amount{}, errInvalidRaw(raw)
	}
	reduced := new(big.Int).Quo(r, scaleDivisor)
	return Amount{d: decimal.NewFromBigInt(reduced, -AmountScale)}, nil
}

// AmountFromUnits builds an Amount directly from a whole-plus-fractional
// string already at AmountScale precision (used in tests and for literal
// scenario values).
func AmountFromUnits(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{d: d.Round(AmountScale)}, nil
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Mul(f decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(f).Round(AmountScale)}
}
func (a Amount) Div(b Amount) decimal.Decimal {
	if b.d.IsZero() {
		return decimal.Zero
	}
	return a.d.Div(b.d)
}
func (a Amount) IsZero() bool           { return a.d.IsZero() }
func (a Amount) IsPositive() bool       { return a.d.IsPositive() }
func (a Amount) Cmp(b Amount) int       { return a.d.Cmp(b.d) }
func (a Amount) String() string         { return a.d.StringFixed(AmountScale) }
func (a Amount) Decimal() decimal.Decimal { return a.d }

// AbsDiff returns |a-b| as a decimal for tolerance comparisons.
func (a Amount) AbsDiff(b Amount) decimal.Decimal {
	return a.d.Sub(b.d).Abs()
}

type errInvalidRaw string

func (e errInvalidRaw) Error() string { return "model: invalid raw amount: " + string(e) }
