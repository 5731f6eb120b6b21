package candle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/matching"
	"github.com/xtrntr/coreexchange/internal/models"
)

type fakeKey struct {
	symbol string
	period models.CandlePeriod
	start  time.Time
}

type fakeStore struct {
	mu    sync.Mutex
	rows  map[fakeKey]models.Candle
	order []fakeKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[fakeKey]models.Candle{}}
}

func (f *fakeStore) put(c models.Candle) {
	k := fakeKey{c.Symbol, c.Period, c.PeriodStart}
	if _, ok := f.rows[k]; !ok {
		f.order = append(f.order, k)
	}
	f.rows[k] = c
}

func (f *fakeStore) UpsertBase(ctx context.Context, c models.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(c)
	return nil
}

func (f *fakeStore) UpsertAggregate(ctx context.Context, c models.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(c)
	return nil
}

func (f *fakeStore) LastBase(ctx context.Context, symbol string) (models.Candle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last models.Candle
	found := false
	for _, k := range f.order {
		if k.symbol != symbol || k.period != models.Period1m {
			continue
		}
		c := f.rows[k]
		if !found || c.PeriodStart.After(last.PeriodStart) {
			last = c
			found = true
		}
	}
	return last, found, nil
}

func (f *fakeStore) BaseRange(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Candle
	for _, k := range f.order {
		if k.symbol != symbol || k.period != models.Period1m {
			continue
		}
		if k.start.Before(from) || !k.start.Before(to) {
			continue
		}
		out = append(out, f.rows[k])
	}
	return out, nil
}

func (f *fakeStore) List(ctx context.Context, symbol string, period models.CandlePeriod, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Candle
	for _, k := range f.order {
		if k.symbol == symbol && k.period == period {
			out = append(out, f.rows[k])
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) Symbols(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, k := range f.order {
		if k.period == models.Period1m && !seen[k.symbol] {
			seen[k.symbol] = true
			out = append(out, k.symbol)
		}
	}
	return out, nil
}

func trade(symbol string, price decimal.Decimal, qty int64, at time.Time) models.Trade {
	return models.Trade{ID: uuid.New(), Symbol: symbol, Price: price, Quantity: qty, ExecutedAt: at}
}

func TestBuilder_HandleBatch_ClosesMinuteAndAggregatesFivePeriod(t *testing.T) {
	store := newFakeStore()
	b := New(store)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)

	// Six trades one minute apart: each one's minute boundary closes the
	// accumulator opened by the previous trade, so this produces five
	// closed base candles (9:30 through 9:34) plus a still-open sixth.
	for i := 0; i < 6; i++ {
		minute := base.Add(time.Duration(i) * time.Minute)
		batch := matching.BatchTradeJob{
			BatchID: uuid.New(),
			Symbol:  "ACME",
			Trades:  []models.Trade{trade("ACME", decimal.NewFromInt(int64(100+i)), 10, minute)},
		}
		if err := b.HandleBatch(ctx, batch); err != nil {
			t.Fatalf("HandleBatch: %v", err)
		}
	}

	fiveMin, err := store.List(ctx, "ACME", models.Period5m, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(fiveMin) != 1 {
		t.Fatalf("expected 1 aggregated 5m candle, got %d", len(fiveMin))
	}
	agg := fiveMin[0]
	if agg.Volume != 50 {
		t.Errorf("expected aggregated volume 50, got %d", agg.Volume)
	}
	if !agg.Open.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected open 100, got %s", agg.Open)
	}
	if !agg.High.Equal(decimal.NewFromInt(104)) {
		t.Errorf("expected high 104, got %s", agg.High)
	}
}

func TestBuilder_HandleBatch_DedupesRepeatedBatchID(t *testing.T) {
	store := newFakeStore()
	b := New(store)
	ctx := context.Background()

	batchID := uuid.New()
	now := time.Now()
	batch := matching.BatchTradeJob{
		BatchID: batchID,
		Symbol:  "ACME",
		Trades:  []models.Trade{trade("ACME", decimal.NewFromInt(100), 5, now)},
	}

	if err := b.HandleBatch(ctx, batch); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if err := b.HandleBatch(ctx, batch); err != nil {
		t.Fatalf("HandleBatch (duplicate): %v", err)
	}

	acc := b.accs["ACME"]
	if acc == nil {
		t.Fatal("expected an open accumulator for ACME")
	}
	if acc.volume != 5 {
		t.Errorf("expected duplicate batch delivery to be a no-op, volume = %d, want 5", acc.volume)
	}
}

func TestBuilder_SetPublishHook_FiresForBaseAndAggregateCandles(t *testing.T) {
	store := newFakeStore()
	b := New(store)
	ctx := context.Background()

	type update struct {
		period models.CandlePeriod
		isNew  bool
	}
	var mu sync.Mutex
	var updates []update
	b.SetPublishHook(func(period models.CandlePeriod, c models.Candle, isNew bool) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, update{period, isNew})
	})

	base := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		minute := base.Add(time.Duration(i) * time.Minute)
		batch := matching.BatchTradeJob{
			BatchID: uuid.New(),
			Symbol:  "ACME",
			Trades:  []models.Trade{trade("ACME", decimal.NewFromInt(int64(100+i)), 10, minute)},
		}
		if err := b.HandleBatch(ctx, batch); err != nil {
			t.Fatalf("HandleBatch: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) == 0 {
		t.Fatal("expected the publish hook to fire at least once")
	}
	sawBase := false
	for _, u := range updates {
		if u.period == models.Period1m {
			sawBase = true
			if !u.isNew {
				t.Error("expected a base candle close to report isNewCandle = true")
			}
		}
	}
	if !sawBase {
		t.Error("expected at least one 1m publish for the closed minute")
	}
}

func TestBuilder_GapFill_SynthesizesFlatCandlesForQuietSymbol(t *testing.T) {
	store := newFakeStore()
	b := New(store)
	ctx := context.Background()

	now := time.Now().Truncate(time.Minute)
	last := models.Candle{
		Symbol: "ACME", Period: models.Period1m, PeriodStart: now.Add(-3 * time.Minute),
		Open: decimal.NewFromInt(50), High: decimal.NewFromInt(50), Low: decimal.NewFromInt(50), Close: decimal.NewFromInt(50),
	}
	store.put(last)

	if err := b.gapFill(ctx, now); err != nil {
		t.Fatalf("gapFill: %v", err)
	}

	filled, err := store.BaseRange(ctx, "ACME", now.Add(-3*time.Minute), now)
	if err != nil {
		t.Fatalf("BaseRange: %v", err)
	}
	if len(filled) < 2 {
		t.Fatalf("expected gap-filled minutes between last trade and now, got %d rows", len(filled))
	}
	for _, c := range filled[1:] {
		if !c.Close.Equal(decimal.NewFromInt(50)) || c.Volume != 0 {
			t.Errorf("expected flat zero-volume gap candle at last close, got %+v", c)
		}
	}
}
