// Package money centralizes the exchange's fixed-point scaling rules:
// 2 fractional digits for cash, 4 for prices. Every value that crosses
// a ledger or order-store boundary is rounded here so floating point
// never accumulates silently.
package money

import "github.com/shopspring/decimal"

const (
	CashScale  = 2
	PriceScale = 4
)

// Cash rounds a decimal to the 2-digit cash scale, half-away-from-zero.
func Cash(d decimal.Decimal) decimal.Decimal {
	return d.Round(CashScale)
}

// Price rounds a decimal to the 4-digit price scale, half-away-from-zero.
func Price(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// Notional computes price * qty rounded to cash scale, the amount that
// actually moves between accounts on a fill.
func Notional(price decimal.Decimal, qty int64) decimal.Decimal {
	return Cash(price.Mul(decimal.NewFromInt(qty)))
}

// WeightedAverage folds a new (qty, price) sample into a running average,
// used for Order.AvgFillPrice and Position.AvgCost.
func WeightedAverage(priorQty int64, priorAvg decimal.Decimal, addQty int64, addPrice decimal.Decimal) decimal.Decimal {
	totalQty := priorQty + addQty
	if totalQty <= 0 {
		return decimal.Zero
	}
	priorBasis := priorAvg.Mul(decimal.NewFromInt(priorQty))
	addBasis := addPrice.Mul(decimal.NewFromInt(addQty))
	return Price(priorBasis.Add(addBasis).Div(decimal.NewFromInt(totalQty)))
}
