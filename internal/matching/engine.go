// Package matching runs price-time-priority matching against resting
// LIMIT orders, applies the four-step ledger settlement per fill, and
// finalizes order status once matching stops. Concurrency = 1 per
// symbol is enforced one layer down by internal/queue's per-symbol
// worker; this package assumes it is only ever called for one order at
// a time per symbol and is not itself safe for concurrent use on the
// same symbol.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/ledger"
	"github.com/xtrntr/coreexchange/internal/models"
	"github.com/xtrntr/coreexchange/internal/money"
	"github.com/xtrntr/coreexchange/internal/orderstore"
	"github.com/xtrntr/coreexchange/internal/queue"
	"github.com/xtrntr/coreexchange/internal/storage"
	"github.com/xtrntr/coreexchange/internal/submission"
	"github.com/xtrntr/coreexchange/internal/xerr"
)

const maxTxAttempts = 3

// invariantFailure pairs an xerr.Invariant-kind error with the account
// whose reservation triggered it, so Process can quarantine that
// account once the transaction that detected the violation has rolled
// back.
type invariantFailure struct {
	userID int64
	err    error
}

func (f *invariantFailure) Error() string { return f.err.Error() }
func (f *invariantFailure) Unwrap() error { return f.err }

// BatchTradeJob is the payload enqueued for the candle builder once a
// process-order job produces one or more trades.
type BatchTradeJob struct {
	BatchID     uuid.UUID
	Symbol      string
	Trades      []models.Trade
	TotalVolume int64
}

// Engine matches one process-order job at a time against the resting
// book and settles every fill through the ledger.
type Engine struct {
	Store  *storage.Store
	Ledger ledger.Ledger
	Orders orderstore.Store
	Queue  *queue.Queue
}

func New(store *storage.Store, led ledger.Ledger, orders orderstore.Store, q *queue.Queue) *Engine {
	return &Engine{Store: store, Ledger: led, Orders: orders, Queue: q}
}

// Wire registers the engine as the queue's order-processing handler.
// Called once during startup wiring, before any order is submitted.
func (e *Engine) Wire() {
	e.Queue.SetOrderHandler(e.handleJob)
}

func (e *Engine) handleJob(ctx context.Context, job queue.Job) error {
	payload, ok := job.Payload.(submission.ProcessOrderJob)
	if !ok {
		return fmt.Errorf("matching: unexpected job payload type %T", job.Payload)
	}
	return e.Process(ctx, payload.OrderID)
}

// Process runs the full step-by-step contract for one order: open it,
// match it against the resting book until exhausted or filled,
// finalize its terminal status, and enqueue a batch-trade job if any
// fill occurred. Everything up to finalize runs inside one retried
// transaction; the batch-trade job is enqueued only after it commits.
func (e *Engine) Process(ctx context.Context, orderID uuid.UUID) error {
	var batch *BatchTradeJob
	err := e.Store.WithTx(ctx, maxTxAttempts, func(ctx context.Context, tx pgx.Tx) error {
		batch = nil

		incoming, err := e.Orders.GetByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if incoming.Status != models.Pending {
			// Already processed by a prior delivery of this
			// at-least-once job; idempotent no-op.
			return nil
		}
		if err := e.Orders.Transition(ctx, tx, incoming.ID, models.Pending, models.Open); err != nil {
			return err
		}
		incoming.Status = models.Open

		var trades []models.Trade
		for incoming.Remaining() > 0 {
			candidates, err := e.Orders.BookQuery(ctx, tx, incoming.Symbol, incoming.Side, incoming.UserID, incoming.LimitPrice)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				break
			}

			progressed := false
			for _, candidate := range candidates {
				if incoming.Remaining() <= 0 {
					break
				}
				fillQty, err := e.fillQuantity(ctx, tx, incoming, candidate)
				if err != nil {
					return err
				}
				if fillQty <= 0 {
					continue
				}

				fillPrice := money.Price(candidate.LimitPrice.Decimal)
				trade, err := e.settleFill(ctx, tx, &incoming, &candidate, fillQty, fillPrice)
				if err != nil {
					return err
				}
				trades = append(trades, trade)
				progressed = true
			}
			if !progressed {
				break
			}
		}

		if err := e.finalize(ctx, tx, &incoming); err != nil {
			return err
		}

		if len(trades) > 0 {
			var vol int64
			for _, t := range trades {
				vol += t.Quantity
			}
			batch = &BatchTradeJob{
				BatchID:     uuid.New(),
				Symbol:      incoming.Symbol,
				Trades:      trades,
				TotalVolume: vol,
			}
		}
		return nil
	})
	if err != nil {
		var inv *invariantFailure
		if errors.As(err, &inv) {
			e.quarantine(ctx, inv.userID)
		}
		log.Printf("matching: process order %s: %v", orderID, err)
		return err
	}

	if batch != nil {
		e.Queue.Enqueue(queue.Job{
			Queue:    queue.TradeProcessing,
			Priority: queue.PriorityNormal,
			Symbol:   batch.Symbol,
			Payload:  *batch,
		})
	}
	return nil
}

// fillQuantity is min(incoming remaining, candidate remaining, and the
// seller's actually reserved shares, whichever of the two orders is the
// seller). The last clamp is defensive: single-writer-per-symbol
// should make it unreachable in practice.
func (e *Engine) fillQuantity(ctx context.Context, tx pgx.Tx, incoming, candidate models.Order) (int64, error) {
	fillQty := incoming.Remaining()
	if candidate.Remaining() < fillQty {
		fillQty = candidate.Remaining()
	}

	var seller models.Order
	if incoming.Side == models.Sell {
		seller = incoming
	} else {
		seller = candidate
	}
	pos, err := e.Ledger.GetPosition(ctx, tx, seller.UserID, seller.Symbol)
	if err != nil {
		return 0, err
	}
	if pos.QtyReserved < fillQty {
		fillQty = pos.QtyReserved
	}
	if fillQty < 0 {
		fillQty = 0
	}
	return fillQty, nil
}

// settleFill records one trade between incoming and candidate, updates
// both orders, and applies the four ledger settlements in order: buyer
// cash debit, seller share debit, seller cash credit, buyer share
// credit.
func (e *Engine) settleFill(ctx context.Context, tx pgx.Tx, incoming, candidate *models.Order, fillQty int64, fillPrice decimal.Decimal) (models.Trade, error) {
	var buyOrder, sellOrder *models.Order
	if incoming.Side == models.Buy {
		buyOrder, sellOrder = incoming, candidate
	} else {
		buyOrder, sellOrder = candidate, incoming
	}
	if buyOrder.UserID == sellOrder.UserID {
		return models.Trade{}, fmt.Errorf("matching: refusing self-trade for user %d", buyOrder.UserID)
	}

	notional := money.Notional(fillPrice, fillQty)

	trade, err := e.Orders.CreateTrade(ctx, tx, models.Trade{
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		BuyUserID:   buyOrder.UserID,
		SellUserID:  sellOrder.UserID,
		Symbol:      incoming.Symbol,
		Price:       fillPrice,
		Quantity:    fillQty,
	})
	if err != nil {
		return models.Trade{}, err
	}

	buyOrder.FilledQty += fillQty
	buyOrder.ConsumedCash = buyOrder.ConsumedCash.Add(notional)
	buyStatus := models.PartiallyFilled
	if buyOrder.FilledQty == buyOrder.Quantity {
		buyStatus = models.Filled
	}
	if err := e.Orders.ApplyFill(ctx, tx, buyOrder.ID, fillQty, fillPrice, notional, buyStatus); err != nil {
		return models.Trade{}, err
	}
	buyOrder.Status = buyStatus

	sellOrder.FilledQty += fillQty
	sellStatus := models.PartiallyFilled
	if sellOrder.FilledQty == sellOrder.Quantity {
		sellStatus = models.Filled
	}
	if err := e.Orders.ApplyFill(ctx, tx, sellOrder.ID, fillQty, fillPrice, decimal.Zero, sellStatus); err != nil {
		return models.Trade{}, err
	}
	sellOrder.Status = sellStatus

	if err := e.Ledger.SettleCashDebit(ctx, tx, buyOrder.UserID, notional); err != nil {
		if xerr.Is(err, xerr.Invariant) {
			return models.Trade{}, &invariantFailure{userID: buyOrder.UserID, err: err}
		}
		return models.Trade{}, err
	}
	if err := e.Ledger.SettleShareDebit(ctx, tx, sellOrder.UserID, incoming.Symbol, fillQty); err != nil {
		if xerr.Is(err, xerr.Invariant) {
			return models.Trade{}, &invariantFailure{userID: sellOrder.UserID, err: err}
		}
		return models.Trade{}, err
	}
	if err := e.Ledger.SettleCashCredit(ctx, tx, sellOrder.UserID, notional); err != nil {
		return models.Trade{}, err
	}
	if err := e.Ledger.SettleShareCreditWithCost(ctx, tx, buyOrder.UserID, incoming.Symbol, fillQty, fillPrice); err != nil {
		return models.Trade{}, err
	}

	return trade, nil
}

// finalize applies the terminal-status rule for the incoming order
// once matching stops, and releases whatever of its reservation the
// fills didn't consume. A BUY order releases residual cash whether it
// went FILLED (price improvement can leave consumedCash short of
// reservedCash) or is about to be CANCELLED with quantity left over. A
// LIMIT order with residual simply rests (no cancellation, no release —
// it's still working the book). A MARKET order with residual is
// cancelled outright and its unfilled share or cash reservation
// released, since MARKET orders are never allowed to rest.
func (e *Engine) finalize(ctx context.Context, tx pgx.Tx, incoming *models.Order) error {
	if incoming.Remaining() == 0 {
		if incoming.Side != models.Buy {
			return nil
		}
		return e.releaseBuyResidual(ctx, tx, incoming)
	}
	if incoming.Method == models.Limit {
		return nil
	}

	if err := e.Orders.Transition(ctx, tx, incoming.ID, incoming.Status, models.Cancelled); err != nil {
		return err
	}
	incoming.Status = models.Cancelled

	if incoming.Side == models.Buy {
		return e.releaseBuyResidual(ctx, tx, incoming)
	}

	residual := incoming.Remaining()
	pos, err := e.Ledger.GetPosition(ctx, tx, incoming.UserID, incoming.Symbol)
	if err != nil {
		return err
	}
	if residual > pos.QtyReserved {
		residual = pos.QtyReserved
	}
	if err := e.Ledger.ReleaseShares(ctx, tx, incoming.UserID, incoming.Symbol, residual); err != nil {
		if xerr.Is(err, xerr.Invariant) {
			return &invariantFailure{userID: incoming.UserID, err: err}
		}
		return err
	}
	return nil
}

// releaseBuyResidual releases the gap between what a BUY order reserved
// at submission and what its fills actually consumed — created by
// price improvement on a LIMIT fill, or by an under-spent MARKET sweep
// — clamped to the account's actual cash_reserved.
func (e *Engine) releaseBuyResidual(ctx context.Context, tx pgx.Tx, incoming *models.Order) error {
	residual := incoming.ReservedCash.Sub(incoming.ConsumedCash)
	if residual.Sign() <= 0 {
		return nil
	}
	acct, err := e.Ledger.GetAccount(ctx, tx, incoming.UserID)
	if err != nil {
		return err
	}
	if residual.GreaterThan(acct.CashReserved) {
		residual = acct.CashReserved
	}
	if err := e.Ledger.ReleaseCash(ctx, tx, incoming.UserID, residual); err != nil {
		if xerr.Is(err, xerr.Invariant) {
			return &invariantFailure{userID: incoming.UserID, err: err}
		}
		return err
	}
	return nil
}

// quarantine locks an account out of further cash/share reservation
// after one of its orders tripped a ledger invariant. It runs in its
// own transaction: by the time Process sees the error, the transaction
// that detected the violation has already rolled back.
func (e *Engine) quarantine(ctx context.Context, userID int64) {
	err := e.Store.WithTx(ctx, maxTxAttempts, func(ctx context.Context, tx pgx.Tx) error {
		return e.Ledger.Quarantine(ctx, tx, userID)
	})
	if err != nil {
		log.Printf("matching: quarantine user %d: %v", userID, err)
	}
}
