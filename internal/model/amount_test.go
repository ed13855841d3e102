package model

import "testing"

func TestAmountFromRawReducesExactly(t *testing.T) {
	a, err := AmountFromRaw("1230000000000000000") // 1.23 * 1e18
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := a.String(), "1.23000000"; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAmountFromRawTruncatesRemainder(t *testing.T) {
	// The 10 raw fractional digits beyond AmountScale are truncated, not
	// rounded, by integer division.
	a, err := AmountFromRaw("1000000000000000009") // 1.000000000000000009
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := a.String(), "1.00000000"; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAmountFromRawInvalid(t *testing.T) {
	if _, err := AmountFromRaw("not-a-number"); err == nil {
		t.Fatal("expected error for invalid raw amount")
	}
}

func TestAmountArithmetic(t *testing.T) {
	a, _ := AmountFromUnits("10")
	b, _ := AmountFromUnits("3")
	if got, want := a.Sub(b).String(), "7.00000000"; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if got, want := a.Add(b).String(), "13.00000000"; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAmountAbsDiff(t *testing.T) {
	a, _ := AmountFromUnits("5")
	b, _ := AmountFromUnits("5.0001")
	if got := a.AbsDiff(b).String(); got != "0.0001" {
		t.Fatalf("got %s, want 0.0001", got)
	}
}

func TestAmountDivByZeroIsZero(t *testing.T) {
	a, _ := AmountFromUnits("5")
	if !a.Div(ZeroAmount).IsZero() {
		t.Fatal("dividing by zero amount should yield zero, not panic")
	}
}
