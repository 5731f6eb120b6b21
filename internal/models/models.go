// Package models holds the shared domain types for the exchange core:
// accounts, positions, orders, trades, and candles. Nothing in this
// package talks to storage; it is pure data plus small invariants that
// don't need a database round trip to check.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is which side of the book an order sits on.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderMethod distinguishes priced (LIMIT) orders from sweep (MARKET) orders.
type OrderMethod string

const (
	Limit  OrderMethod = "LIMIT"
	Market OrderMethod = "MARKET"
)

// OrderStatus is the order's position in its lifecycle.
type OrderStatus string

const (
	Pending         OrderStatus = "PENDING"
	Open            OrderStatus = "OPEN"
	PartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	Filled          OrderStatus = "FILLED"
	Cancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further mutation.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Cancelled
}

// CandlePeriod is one of the closed set of aggregation periods.
type CandlePeriod string

const (
	Period1m  CandlePeriod = "1m"
	Period5m  CandlePeriod = "5m"
	Period15m CandlePeriod = "15m"
	Period1h  CandlePeriod = "1h"
	Period1d  CandlePeriod = "1d"
)

// BaseMinutes returns how many 1-minute base candles compose one candle
// of this period.
func (p CandlePeriod) BaseMinutes() int {
	switch p {
	case Period1m:
		return 1
	case Period5m:
		return 5
	case Period15m:
		return 15
	case Period1h:
		return 60
	case Period1d:
		return 60 * 24
	default:
		return 0
	}
}

// AggregatePeriods are the derived periods re-aggregated from base candles.
var AggregatePeriods = []CandlePeriod{Period5m, Period15m, Period1h, Period1d}

// Account holds one user's cash position. CashAvailable is derived, never
// stored directly.
type Account struct {
	UserID       int64
	CashTotal    decimal.Decimal
	CashReserved decimal.Decimal
	Quarantined  bool
}

func (a Account) CashAvailable() decimal.Decimal {
	return a.CashTotal.Sub(a.CashReserved)
}

// Position holds one user's shares in one symbol.
type Position struct {
	UserID      int64
	Symbol      string
	QtyTotal    int64
	QtyReserved int64
	AvgCost     decimal.Decimal
}

func (p Position) QtyAvailable() int64 {
	return p.QtyTotal - p.QtyReserved
}

// Order is the immutable-identity, mutable-status unit of the book.
type Order struct {
	ID           uuid.UUID
	UserID       int64
	Symbol       string
	Side         OrderSide
	Method       OrderMethod
	LimitPrice   decimal.NullDecimal // absent (Valid=false) iff Method == Market
	Quantity     int64
	Status       OrderStatus
	FilledQty    int64
	AvgFillPrice decimal.NullDecimal
	ReservedCash decimal.Decimal // set at submission for BUY; zero for SELL
	ConsumedCash decimal.Decimal // cumulative cash spent across fills (BUY only)
	CreatedAt    time.Time
	Sequence     int64 // monotonic tiebreak, assigned by storage on insert
}

// Remaining is the quantity still eligible to match.
func (o Order) Remaining() int64 {
	return o.Quantity - o.FilledQty
}

// Trade is an append-only fill record.
type Trade struct {
	ID          uuid.UUID
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyUserID   int64
	SellUserID  int64
	Symbol      string
	Price       decimal.Decimal
	Quantity    int64
	ExecutedAt  time.Time
}

// Candle is an OHLCV record, either the 1-minute base or one of the
// aggregated periods, uniquely keyed by (symbol, period, periodStart).
type Candle struct {
	Symbol      string
	Period      CandlePeriod
	PeriodStart time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      int64
}
