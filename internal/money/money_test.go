package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCash_RoundsToTwoDigits(t *testing.T) {
	got := Cash(decimal.NewFromFloat(10.005))
	want := decimal.NewFromFloat(10.01)
	if !got.Equal(want) {
		t.Errorf("Cash(10.005) = %s, want %s", got, want)
	}
}

func TestPrice_RoundsToFourDigits(t *testing.T) {
	got := Price(decimal.RequireFromString("1.123456"))
	want := decimal.RequireFromString("1.1235")
	if !got.Equal(want) {
		t.Errorf("Price(1.123456) = %s, want %s", got, want)
	}
}

func TestNotional(t *testing.T) {
	got := Notional(decimal.RequireFromString("10.25"), 3)
	want := decimal.RequireFromString("30.75")
	if !got.Equal(want) {
		t.Errorf("Notional(10.25, 3) = %s, want %s", got, want)
	}
}

func TestWeightedAverage_FirstFill(t *testing.T) {
	got := WeightedAverage(0, decimal.Zero, 10, decimal.RequireFromString("100"))
	want := decimal.RequireFromString("100")
	if !got.Equal(want) {
		t.Errorf("WeightedAverage(fresh) = %s, want %s", got, want)
	}
}

func TestWeightedAverage_FoldsSubsequentFill(t *testing.T) {
	got := WeightedAverage(10, decimal.RequireFromString("100"), 10, decimal.RequireFromString("110"))
	want := decimal.RequireFromString("105")
	if !got.Equal(want) {
		t.Errorf("WeightedAverage(fold) = %s, want %s", got, want)
	}
}

func TestWeightedAverage_ZeroTotalQtyReturnsZero(t *testing.T) {
	got := WeightedAverage(0, decimal.Zero, 0, decimal.Zero)
	if !got.IsZero() {
		t.Errorf("WeightedAverage(0,0) = %s, want 0", got)
	}
}
