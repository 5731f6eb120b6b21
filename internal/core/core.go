// Package core wires Ledger, OrderStore, Submission, WorkQueue,
// MatchingEngine, CandleBuilder, and Broadcaster into one function-level
// API, and starts their background workers. cmd/server reaches the
// exchange through it alongside the demo adapter's api/auth/db packages
// and the storage pool; cmd/seed drives the submission service
// directly.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/coreexchange/internal/broadcaster"
	"github.com/xtrntr/coreexchange/internal/candle"
	"github.com/xtrntr/coreexchange/internal/ledger"
	"github.com/xtrntr/coreexchange/internal/matching"
	"github.com/xtrntr/coreexchange/internal/models"
	"github.com/xtrntr/coreexchange/internal/money"
	"github.com/xtrntr/coreexchange/internal/orderstore"
	"github.com/xtrntr/coreexchange/internal/queue"
	"github.com/xtrntr/coreexchange/internal/storage"
	"github.com/xtrntr/coreexchange/internal/submission"
)

const (
	tradeWorkerConcurrency  = 4
	marketWorkerConcurrency = 2
	candleMaintenanceTick   = time.Minute
)

// Core exposes the exchange's entire call surface as seven methods.
// Nothing above this package reaches into ledger, orderstore, matching,
// or candle directly.
type Core struct {
	store       *storage.Store
	ledger      ledger.Ledger
	orders      orderstore.Store
	submission  *submission.Service
	candles     *candle.Builder
	candleStore candle.Store
	broadcaster *broadcaster.Broadcaster
}

// Wire constructs every component, registers the matching engine as
// the queue's order handler, starts the per-queue worker pools (bound
// to ctx) and the candle maintenance ticker (under grp), and returns
// the ready Core. Cancelling ctx stops every started goroutine and is
// the graceful shutdown.
func Wire(ctx context.Context, grp *errgroup.Group, store *storage.Store, sinks ...broadcaster.Sink) *Core {
	led := ledger.New()
	orders := orderstore.New()
	q := queue.New(ctx, 3)
	sub := submission.New(store, led, orders, q)
	engine := matching.New(store, led, orders, q)
	engine.Wire()

	candleStore := candle.NewStore(store.Pool)
	builder := candle.New(candleStore)
	bc := broadcaster.New(sinks...)
	stats := newMarketStats()

	builder.SetPublishHook(func(period models.CandlePeriod, c models.Candle, isNew bool) {
		bc.PublishKeyed(c.Symbol, broadcaster.KlineUpdate, string(period), KlineUpdateEvent{
			Period:      period,
			Candle:      c,
			IsNewCandle: isNew,
		})
	})

	q.RunPool(ctx, queue.TradeProcessing, tradeWorkerConcurrency, func(ctx context.Context, job queue.Job) error {
		batch, ok := job.Payload.(matching.BatchTradeJob)
		if !ok {
			return nil
		}
		if err := builder.HandleBatch(ctx, batch); err != nil {
			return err
		}
		q.Enqueue(queue.Job{
			Queue:    queue.MarketDataUpdate,
			Priority: queue.PriorityNormal,
			Symbol:   batch.Symbol,
			Payload:  batch,
		})
		return nil
	})
	q.RunPool(ctx, queue.MarketDataUpdate, marketWorkerConcurrency, func(ctx context.Context, job queue.Job) error {
		batch, ok := job.Payload.(matching.BatchTradeJob)
		if !ok {
			return nil
		}
		publishTradeEvents(bc, stats, batch)
		return nil
	})

	grp.Go(func() error {
		builder.RunMaintenance(ctx, candleMaintenanceTick)
		return nil
	})

	return &Core{
		store:       store,
		ledger:      led,
		orders:      orders,
		submission:  sub,
		candles:     builder,
		candleStore: candleStore,
		broadcaster: bc,
	}
}

// publishTradeEvents emits the uncoalesced tradeCompleted summary, the
// coalesced priceUpdate tick, and the coalesced marketUpdate session
// summary for a finished batch.
func publishTradeEvents(bc *broadcaster.Broadcaster, stats *marketStats, batch matching.BatchTradeJob) {
	if len(batch.Trades) == 0 {
		return
	}
	weighted := weightedAveragePrice(batch.Trades)
	last := batch.Trades[len(batch.Trades)-1]

	bc.Publish(batch.Symbol, broadcaster.TradeCompleted, TradeCompletedEvent{
		Symbol:           batch.Symbol,
		WeightedAvgPrice: weighted,
		TotalVolume:      batch.TotalVolume,
		BatchSize:        len(batch.Trades),
		FirstTradeID:     batch.Trades[0].ID,
		Timestamp:        last.ExecutedAt,
	})
	bc.Publish(batch.Symbol, broadcaster.PriceUpdate, PriceUpdateEvent{
		Symbol:    batch.Symbol,
		Price:     last.Price,
		Volume:    last.Quantity,
		Timestamp: last.ExecutedAt,
		TradeID:   last.ID,
	})

	snap := stats.update(batch.Symbol, batch.Trades)
	change := last.Price.Sub(snap.open)
	changePercent := decimal.Zero
	if !snap.open.IsZero() {
		changePercent = change.Div(snap.open).Mul(decimal.NewFromInt(100)).Round(2)
	}
	bc.Publish(batch.Symbol, broadcaster.MarketUpdate, MarketUpdateEvent{
		Symbol:        batch.Symbol,
		LastPrice:     last.Price,
		Open:          snap.open,
		High:          snap.high,
		Low:           snap.low,
		Volume:        snap.volume,
		Change:        change,
		ChangePercent: changePercent,
		Timestamp:     last.ExecutedAt,
	})
}

// weightedAveragePrice folds a batch's fills into a volume-weighted
// average price, rounded to the same price scale as every other money
// value. It only feeds the display-only tradeCompleted summary and
// never re-enters the ledger.
func weightedAveragePrice(trades []models.Trade) decimal.Decimal {
	var notional decimal.Decimal
	var volume int64
	for _, t := range trades {
		notional = notional.Add(t.Price.Mul(decimal.NewFromInt(t.Quantity)))
		volume += t.Quantity
	}
	if volume == 0 {
		return decimal.Zero
	}
	return money.Price(notional.Div(decimal.NewFromInt(volume)))
}

// marketStats tracks each symbol's running session open/high/low/volume
// so a marketUpdate event can report change-from-open without
// re-querying the candle store on every batch. The session resets only
// when the process restarts.
type marketStats struct {
	mu       sync.Mutex
	bySymbol map[string]*symbolStats
}

type symbolStats struct {
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	volume int64
}

func newMarketStats() *marketStats {
	return &marketStats{bySymbol: map[string]*symbolStats{}}
}

// update folds a batch's trades into symbol's running stats and
// returns the snapshot used to build that batch's marketUpdate event.
func (m *marketStats) update(symbol string, trades []models.Trade) symbolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.bySymbol[symbol]
	if !ok {
		s = &symbolStats{}
		m.bySymbol[symbol] = s
	}
	for _, t := range trades {
		if s.volume == 0 {
			s.open, s.high, s.low = t.Price, t.Price, t.Price
		}
		if t.Price.GreaterThan(s.high) {
			s.high = t.Price
		}
		if t.Price.LessThan(s.low) {
			s.low = t.Price
		}
		s.volume += t.Quantity
	}
	return *s
}

// SubmitOrder validates, reserves, persists, and enqueues a new order.
func (c *Core) SubmitOrder(ctx context.Context, in submission.Input) (submission.Result, error) {
	return c.submission.Submit(ctx, in)
}

// CancelOrder cancels a non-terminal order owned by userID.
func (c *Core) CancelOrder(ctx context.Context, orderID uuid.UUID, userID int64) error {
	return c.submission.Cancel(ctx, orderID, userID)
}

// ListMyOrders returns userID's orders, most recent first.
func (c *Core) ListMyOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return c.orders.ListByUser(ctx, c.store.Pool, userID)
}

// ListMyTrades returns trades involving userID, most recent first.
func (c *Core) ListMyTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	return c.orders.ListTradesByUser(ctx, c.store.Pool, userID)
}

// GetAccount returns userID's cash position plus every held position.
func (c *Core) GetAccount(ctx context.Context, userID int64) (models.Account, []models.Position, error) {
	acct, err := c.ledger.GetAccount(ctx, c.store.Pool, userID)
	if err != nil {
		return models.Account{}, nil, err
	}
	positions, err := c.ledger.ListPositions(ctx, c.store.Pool, userID)
	if err != nil {
		return models.Account{}, nil, err
	}
	return acct, positions, nil
}

// GetCandles returns the most recent limit candles for symbol/period,
// chronologically ordered (oldest first).
func (c *Core) GetCandles(ctx context.Context, symbol string, period models.CandlePeriod, limit int) ([]models.Candle, error) {
	return c.candleStore.List(ctx, symbol, period, limit)
}

// Subscribe attaches a sink that receives every priceUpdate,
// marketUpdate, tradeCompleted, and klineUpdate event from this point
// forward. The demo adapter wires this to a websocket fan-out set.
func (c *Core) Subscribe(sink broadcaster.Sink) {
	c.broadcaster.Subscribe(sink)
}
