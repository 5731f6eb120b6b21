// Package candle consumes batch-trade jobs, maintains a per-symbol
// current-minute OHLCV accumulator in memory, persists closed minutes,
// re-aggregates higher periods from the affected base range, and
// periodically flushes elapsed minutes and fills gaps left by quiet
// symbols.
package candle

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/matching"
	"github.com/xtrntr/coreexchange/internal/models"
)

// gapFillHorizon bounds how many missed minutes a quiet symbol will
// have synthesized for it in one maintenance pass.
const gapFillHorizon = time.Hour

// accumulator is the open, uncommitted 1-minute candle for one symbol.
type accumulator struct {
	symbol      string
	minuteStart time.Time
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	close       decimal.Decimal
	volume      int64
}

func (a accumulator) toCandle() models.Candle {
	return models.Candle{
		Symbol: a.symbol, Period: models.Period1m, PeriodStart: a.minuteStart,
		Open: a.open, High: a.high, Low: a.low, Close: a.close, Volume: a.volume,
	}
}

// Builder owns the in-memory accumulators and drives persistence
// through a Store. It is safe for concurrent use: trade batches for
// different symbols may arrive concurrently from the trade-processing
// worker pool.
type Builder struct {
	store Store

	mu      sync.Mutex
	accs    map[string]*accumulator
	dedup   *dedupeSet
	publish PublishFunc
}

// PublishFunc is invoked after every candle the builder persists or
// updates, so a subscriber can emit a klineUpdate without this package
// depending on the broadcaster package directly.
type PublishFunc func(period models.CandlePeriod, c models.Candle, isNewCandle bool)

// Store is the persistence boundary the builder writes through; the
// only implementation is candle.Postgres, but tests substitute an
// in-memory fake.
type Store interface {
	UpsertBase(ctx context.Context, c models.Candle) error
	LastBase(ctx context.Context, symbol string) (models.Candle, bool, error)
	BaseRange(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)
	UpsertAggregate(ctx context.Context, c models.Candle) error
	List(ctx context.Context, symbol string, period models.CandlePeriod, limit int) ([]models.Candle, error)
}

func New(store Store) *Builder {
	return &Builder{
		store: store,
		accs:  map[string]*accumulator{},
		dedup: newDedupeSet(10 * time.Minute),
	}
}

// SetPublishHook registers fn to be called after every base or
// aggregate candle this builder persists. Mirrors queue.SetOrderHandler:
// call it once during wiring, before the first trade batch arrives.
func (b *Builder) SetPublishHook(fn PublishFunc) {
	b.publish = fn
}

// HandleBatch is the trade-processing queue handler: it folds every
// trade in the batch into the symbol's accumulator, closing and
// re-aggregating whenever a trade crosses a minute boundary.
func (b *Builder) HandleBatch(ctx context.Context, batch matching.BatchTradeJob) error {
	if b.dedup.seen(batch.BatchID) {
		return nil
	}
	for _, t := range batch.Trades {
		if err := b.applyTrade(ctx, t); err != nil {
			return err
		}
	}
	b.dedup.mark(batch.BatchID)
	return nil
}

func (b *Builder) applyTrade(ctx context.Context, t models.Trade) error {
	minuteStart := t.ExecutedAt.Truncate(time.Minute)
	if minuteStart.IsZero() {
		minuteStart = time.Now().Truncate(time.Minute)
	}

	b.mu.Lock()
	acc := b.accs[t.Symbol]
	var toClose *accumulator
	if acc == nil {
		acc = &accumulator{symbol: t.Symbol, minuteStart: minuteStart, open: t.Price, high: t.Price, low: t.Price, close: t.Price, volume: t.Quantity}
		b.accs[t.Symbol] = acc
	} else if minuteStart.After(acc.minuteStart) {
		closed := *acc
		toClose = &closed
		acc.minuteStart = minuteStart
		acc.open, acc.high, acc.low, acc.close, acc.volume = t.Price, t.Price, t.Price, t.Price, t.Quantity
	} else {
		if t.Price.GreaterThan(acc.high) {
			acc.high = t.Price
		}
		if t.Price.LessThan(acc.low) {
			acc.low = t.Price
		}
		acc.close = t.Price
		acc.volume += t.Quantity
	}
	b.mu.Unlock()

	if toClose != nil {
		if err := b.closeAndAggregate(ctx, toClose.toCandle()); err != nil {
			return err
		}
	}
	return nil
}

// closeAndAggregate persists one closed base candle and re-derives
// every higher period touching it.
func (b *Builder) closeAndAggregate(ctx context.Context, c models.Candle) error {
	if err := b.store.UpsertBase(ctx, c); err != nil {
		return err
	}
	if b.publish != nil {
		b.publish(models.Period1m, c, true)
	}
	return b.reaggregate(ctx, c.Symbol, c.PeriodStart)
}

// reaggregate recomputes every higher-period candle whose range covers
// minuteStart, by folding the base candles in that range.
func (b *Builder) reaggregate(ctx context.Context, symbol string, minuteStart time.Time) error {
	for _, period := range models.AggregatePeriods {
		periodStart := floorToPeriod(minuteStart, period)
		periodEnd := periodStart.Add(time.Duration(period.BaseMinutes()) * time.Minute)
		bases, err := b.store.BaseRange(ctx, symbol, periodStart, periodEnd)
		if err != nil {
			return err
		}
		if len(bases) == 0 {
			continue
		}
		agg := aggregate(symbol, period, periodStart, bases)
		if err := b.store.UpsertAggregate(ctx, agg); err != nil {
			return err
		}
		if b.publish != nil {
			b.publish(period, agg, len(bases) == 1)
		}
	}
	return nil
}

func aggregate(symbol string, period models.CandlePeriod, periodStart time.Time, bases []models.Candle) models.Candle {
	out := models.Candle{Symbol: symbol, Period: period, PeriodStart: periodStart}
	out.Open = bases[0].Open
	out.Close = bases[len(bases)-1].Close
	out.High, out.Low = bases[0].High, bases[0].Low
	for _, base := range bases {
		if base.High.GreaterThan(out.High) {
			out.High = base.High
		}
		if base.Low.LessThan(out.Low) {
			out.Low = base.Low
		}
		out.Volume += base.Volume
	}
	return out
}

func floorToPeriod(t time.Time, period models.CandlePeriod) time.Time {
	minutes := period.BaseMinutes()
	d := time.Duration(minutes) * time.Minute
	return t.Truncate(d)
}

// RunMaintenance starts the periodic ticker that flushes elapsed
// accumulators and gap-fills quiet symbols until ctx is cancelled.
func (b *Builder) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.tick(ctx); err != nil {
				log.Printf("candle: maintenance tick: %v", err)
			}
		}
	}
}

func (b *Builder) tick(ctx context.Context) error {
	now := time.Now().Truncate(time.Minute)

	b.mu.Lock()
	var stale []accumulator
	for symbol, acc := range b.accs {
		if acc.minuteStart.Before(now) {
			stale = append(stale, *acc)
			delete(b.accs, symbol)
		}
	}
	b.mu.Unlock()

	for _, acc := range stale {
		if err := b.closeAndAggregate(ctx, acc.toCandle()); err != nil {
			return err
		}
	}

	return b.gapFill(ctx, now)
}

// gapFill synthesizes flat candles for every minute a symbol produced
// no trades, up to gapFillHorizon, so charts never show a hole.
func (b *Builder) gapFill(ctx context.Context, now time.Time) error {
	symbols, err := b.activeSymbols(ctx)
	if err != nil {
		return err
	}
	for _, symbol := range symbols {
		last, ok, err := b.store.LastBase(ctx, symbol)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cursor := last.PeriodStart.Add(time.Minute)
		horizon := now.Add(-gapFillHorizon)
		if cursor.Before(horizon) {
			cursor = horizon
		}
		for cursor.Before(now) {
			flat := models.Candle{
				Symbol: symbol, Period: models.Period1m, PeriodStart: cursor,
				Open: last.Close, High: last.Close, Low: last.Close, Close: last.Close, Volume: 0,
			}
			if err := b.closeAndAggregate(ctx, flat); err != nil {
				return err
			}
			last = flat
			cursor = cursor.Add(time.Minute)
		}
	}
	return nil
}

// activeSymbols is every symbol that has ever had a base candle; the
// caller does not need a live accumulator to be gap-filled.
func (b *Builder) activeSymbols(ctx context.Context) ([]string, error) {
	known, ok := b.store.(interface {
		Symbols(ctx context.Context) ([]string, error)
	})
	if !ok {
		return nil, nil
	}
	return known.Symbols(ctx)
}

// dedupeSet is a bounded TTL set of batch ids, the idempotency guard a
// builder needs since the queue delivers at-least-once.
type dedupeSet struct {
	mu  sync.Mutex
	ttl time.Duration
	set map[uuid.UUID]time.Time
	ord *list.List
}

func newDedupeSet(ttl time.Duration) *dedupeSet {
	return &dedupeSet{ttl: ttl, set: map[uuid.UUID]time.Time{}, ord: list.New()}
}

func (d *dedupeSet) seen(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evict()
	_, ok := d.set[id]
	return ok
}

func (d *dedupeSet) mark(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[id]; ok {
		return
	}
	d.set[id] = time.Now()
	d.ord.PushBack(id)
	d.evict()
}

func (d *dedupeSet) evict() {
	cutoff := time.Now().Add(-d.ttl)
	for e := d.ord.Front(); e != nil; {
		id := e.Value.(uuid.UUID)
		t, ok := d.set[id]
		if !ok || t.Before(cutoff) {
			next := e.Next()
			delete(d.set, id)
			d.ord.Remove(e)
			e = next
			continue
		}
		break
	}
}
