// Package submission is the entry point for new orders: validate,
// compute the reservation, atomically create the order and take the
// reservation, then enqueue the matching job. It also owns
// cancellation, since cancelling is just "release the residual
// reservation of a non-terminal order" — the mirror image of
// submitting one.
package submission

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/ledger"
	"github.com/xtrntr/coreexchange/internal/models"
	"github.com/xtrntr/coreexchange/internal/money"
	"github.com/xtrntr/coreexchange/internal/orderstore"
	"github.com/xtrntr/coreexchange/internal/queue"
	"github.com/xtrntr/coreexchange/internal/storage"
	"github.com/xtrntr/coreexchange/internal/xerr"
)

const maxTxAttempts = 3

// Input is the explicit argument record for Submit, in place of
// reflection-based binding from an HTTP request body.
type Input struct {
	UserID     int64
	Symbol     string
	Side       models.OrderSide
	Method     models.OrderMethod
	LimitPrice decimal.NullDecimal
	Quantity   int64
}

// Result is what submitOrder returns to the caller.
type Result struct {
	OrderID uuid.UUID
	Status  models.OrderStatus
}

// Service wires Ledger, OrderStore, and the WorkQueue together. It has
// no dependency on MatchingEngine or CandleBuilder — they only ever
// communicate through the queue.
type Service struct {
	Store  *storage.Store
	Ledger ledger.Ledger
	Orders orderstore.Store
	Queue  *queue.Queue
}

func New(store *storage.Store, led ledger.Ledger, orders orderstore.Store, q *queue.Queue) *Service {
	return &Service{Store: store, Ledger: led, Orders: orders, Queue: q}
}

// Submit validates the input, then persists the order as PENDING and
// reserves funds or shares inside one transaction, so a failed
// reservation never leaves an order behind. The process-order job is
// enqueued after that transaction commits.
func (s *Service) Submit(ctx context.Context, in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	reserveCash := in.Side == models.Buy

	var order models.Order
	err := s.Store.WithTx(ctx, maxTxAttempts, func(ctx context.Context, tx pgx.Tx) error {
		var reservation decimal.Decimal
		if reserveCash {
			switch in.Method {
			case models.Limit:
				reservation = money.Notional(in.LimitPrice.Decimal, in.Quantity)
			case models.Market:
				// BUY MARKET has no price ceiling, so the conservative
				// policy reserves the caller's entire cash available;
				// the matching engine releases whatever fills don't spend.
				acct, err := s.Ledger.GetAccount(ctx, tx, in.UserID)
				if err != nil {
					return err
				}
				reservation = money.Cash(acct.CashAvailable())
			}
		}

		o := models.Order{
			UserID:     in.UserID,
			Symbol:     in.Symbol,
			Side:       in.Side,
			Method:     in.Method,
			LimitPrice: in.LimitPrice,
			Quantity:   in.Quantity,
			Status:     models.Pending,
		}
		if reserveCash {
			o.ReservedCash = reservation
		}

		created, err := s.Orders.Create(ctx, tx, o)
		if err != nil {
			return err
		}

		if reserveCash {
			if err := s.Ledger.ReserveCash(ctx, tx, in.UserID, reservation); err != nil {
				return err
			}
		} else {
			if err := s.Ledger.ReserveShares(ctx, tx, in.UserID, in.Symbol, in.Quantity); err != nil {
				return err
			}
		}

		order = created
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	priority := queue.PriorityNormal
	if in.Method == models.Market {
		priority = queue.PriorityHigh
	}
	s.Queue.Enqueue(queue.Job{
		Queue:    queue.OrderProcessing,
		Priority: priority,
		Symbol:   order.Symbol,
		Payload:  ProcessOrderJob{OrderID: order.ID, Symbol: order.Symbol},
	})

	return Result{OrderID: order.ID, Status: models.Pending}, nil
}

// ProcessOrderJob is the payload enqueued for the matching engine.
type ProcessOrderJob struct {
	OrderID uuid.UUID
	Symbol  string
}

// Cancel transitions a non-terminal order to CANCELLED and releases its
// residual reservation. Cancelling a terminal order is a no-op success.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, userID int64) error {
	return s.Store.WithTx(ctx, maxTxAttempts, func(ctx context.Context, tx pgx.Tx) error {
		o, err := s.Orders.GetByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return xerr.New(xerr.Authorization, "order does not belong to caller")
		}
		if o.Status.Terminal() {
			return nil
		}

		if err := s.Orders.Transition(ctx, tx, orderID, o.Status, models.Cancelled); err != nil {
			return err
		}

		if o.Side == models.Buy {
			residual := o.ReservedCash.Sub(o.ConsumedCash)
			if residual.Sign() > 0 {
				acct, err := s.Ledger.GetAccount(ctx, tx, userID)
				if err != nil {
					return err
				}
				residual = decimal.Min(residual, acct.CashReserved)
				if err := s.Ledger.ReleaseCash(ctx, tx, userID, residual); err != nil {
					return err
				}
			}
		} else {
			residual := o.Quantity - o.FilledQty
			if residual > 0 {
				pos, err := s.Ledger.GetPosition(ctx, tx, userID, o.Symbol)
				if err != nil {
					return err
				}
				if residual > pos.QtyReserved {
					residual = pos.QtyReserved
				}
				if err := s.Ledger.ReleaseShares(ctx, tx, userID, o.Symbol, residual); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func validate(in Input) error {
	if in.Quantity <= 0 {
		return xerr.New(xerr.Validation, "quantity must be positive")
	}
	if in.Side != models.Buy && in.Side != models.Sell {
		return xerr.New(xerr.Validation, "side must be BUY or SELL")
	}
	switch in.Method {
	case models.Limit:
		if !in.LimitPrice.Valid || in.LimitPrice.Decimal.Sign() <= 0 {
			return xerr.New(xerr.Validation, "limit orders require a positive limit price")
		}
	case models.Market:
		if in.LimitPrice.Valid {
			return xerr.New(xerr.Validation, "market orders must not specify a limit price")
		}
	default:
		return xerr.New(xerr.Validation, "method must be LIMIT or MARKET")
	}
	if in.Symbol == "" {
		return xerr.New(xerr.Validation, "symbol is required")
	}
	return nil
}
