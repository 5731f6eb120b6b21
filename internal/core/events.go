package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/models"
)

// TradeCompletedEvent is the uncoalesced per-batch summary: one
// emission per batch-trade job, never dropped.
type TradeCompletedEvent struct {
	Symbol           string
	WeightedAvgPrice decimal.Decimal
	TotalVolume      int64
	BatchSize        int
	FirstTradeID     uuid.UUID
	Timestamp        time.Time
}

// PriceUpdateEvent is the coalesced last-trade tick for a symbol.
type PriceUpdateEvent struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    int64
	Timestamp time.Time
	TradeID   uuid.UUID
}

// KlineUpdateEvent wraps a closed or updated candle for live charting.
type KlineUpdateEvent struct {
	Period      models.CandlePeriod
	Candle      models.Candle
	IsNewCandle bool
}

// MarketUpdateEvent is the coalesced per-symbol summary: last price,
// the session's OHLV so far, and percent change from the session open.
type MarketUpdateEvent struct {
	Symbol        string
	LastPrice     decimal.Decimal
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Volume        int64
	Change        decimal.Decimal
	ChangePercent decimal.Decimal
	Timestamp     time.Time
}
