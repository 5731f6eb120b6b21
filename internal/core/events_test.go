package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/broadcaster"
	"github.com/xtrntr/coreexchange/internal/matching"
	"github.com/xtrntr/coreexchange/internal/models"
)

type recordingSink struct {
	events []broadcaster.Event
}

func (s *recordingSink) Emit(e broadcaster.Event) {
	s.events = append(s.events, e)
}

func (s *recordingSink) byKind(kind broadcaster.EventKind) []broadcaster.Event {
	var out []broadcaster.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func trade(price decimal.Decimal, qty int64) models.Trade {
	return models.Trade{
		ID:         uuid.New(),
		Symbol:     "ACME",
		Price:      price,
		Quantity:   qty,
		ExecutedAt: time.Now(),
	}
}

func TestWeightedAveragePrice_VolumeWeightsAcrossFills(t *testing.T) {
	trades := []models.Trade{
		trade(decimal.NewFromInt(100), 10),
		trade(decimal.NewFromInt(110), 30),
	}

	got := weightedAveragePrice(trades)
	want := decimal.NewFromFloat(107.5) // (100*10 + 110*30) / 40 = 107.5, rounded to price scale 107.5000
	if !got.Equal(want) {
		t.Errorf("weightedAveragePrice = %s, want %s", got, want)
	}
}

func TestWeightedAveragePrice_EmptyBatchIsZero(t *testing.T) {
	got := weightedAveragePrice(nil)
	if !got.IsZero() {
		t.Errorf("weightedAveragePrice(nil) = %s, want 0", got)
	}
}

func TestMarketStats_Update_TracksOpenHighLowAcrossBatches(t *testing.T) {
	stats := newMarketStats()

	stats.update("ACME", []models.Trade{trade(decimal.NewFromInt(100), 5)})
	snap := stats.update("ACME", []models.Trade{
		trade(decimal.NewFromInt(120), 5),
		trade(decimal.NewFromInt(90), 5),
	})

	if !snap.open.Equal(decimal.NewFromInt(100)) {
		t.Errorf("open = %s, want 100 (first trade of the session)", snap.open)
	}
	if !snap.high.Equal(decimal.NewFromInt(120)) {
		t.Errorf("high = %s, want 120", snap.high)
	}
	if !snap.low.Equal(decimal.NewFromInt(90)) {
		t.Errorf("low = %s, want 90", snap.low)
	}
	if snap.volume != 15 {
		t.Errorf("volume = %d, want 15", snap.volume)
	}
}

func TestPublishTradeEvents_EmitsAllThreeKindsWithChangeFromOpen(t *testing.T) {
	sink := &recordingSink{}
	bc := broadcaster.New(sink)
	stats := newMarketStats()

	batch := matching.BatchTradeJob{
		BatchID:     uuid.New(),
		Symbol:      "ACME",
		Trades:      []models.Trade{trade(decimal.NewFromInt(100), 10)},
		TotalVolume: 10,
	}
	publishTradeEvents(bc, stats, batch)

	if got := sink.byKind(broadcaster.TradeCompleted); len(got) != 1 {
		t.Fatalf("expected 1 tradeCompleted event, got %d", len(got))
	}

	time.Sleep(2 * broadcaster.DebounceInterval)

	if got := sink.byKind(broadcaster.PriceUpdate); len(got) != 1 {
		t.Fatalf("expected 1 coalesced priceUpdate event, got %d", len(got))
	}

	marketEvents := sink.byKind(broadcaster.MarketUpdate)
	if len(marketEvents) != 1 {
		t.Fatalf("expected 1 coalesced marketUpdate event, got %d", len(marketEvents))
	}
	mu := marketEvents[0].Payload.(MarketUpdateEvent)
	if !mu.Change.IsZero() {
		t.Errorf("expected no change on the session's first trade, got %s", mu.Change)
	}

	second := matching.BatchTradeJob{
		BatchID:     uuid.New(),
		Symbol:      "ACME",
		Trades:      []models.Trade{trade(decimal.NewFromInt(110), 10)},
		TotalVolume: 10,
	}
	publishTradeEvents(bc, stats, second)
	time.Sleep(2 * broadcaster.DebounceInterval)

	marketEvents = sink.byKind(broadcaster.MarketUpdate)
	last := marketEvents[len(marketEvents)-1]
	mu = last.Payload.(MarketUpdateEvent)
	if !mu.Change.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected change = 10 from session open of 100, got %s", mu.Change)
	}
}
