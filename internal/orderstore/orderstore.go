// Package orderstore persists orders and answers the book query the
// matching engine drives off of: for a symbol/side/price relation,
// every eligible resting order, sorted best-price-first then
// earliest-first.
package orderstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/models"
	"github.com/xtrntr/coreexchange/internal/money"
	"github.com/xtrntr/coreexchange/internal/xerr"
)

// Querier mirrors ledger.Querier; orderstore and ledger deliberately
// don't share a types import so each stays independently testable
// against its own narrow interface.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the interface Submission and MatchingEngine consume.
type Store interface {
	Create(ctx context.Context, q Querier, o models.Order) (models.Order, error)
	GetByID(ctx context.Context, q Querier, id uuid.UUID) (models.Order, error)
	GetByIDForUpdate(ctx context.Context, q Querier, id uuid.UUID) (models.Order, error)
	ListByUser(ctx context.Context, q Querier, userID int64) ([]models.Order, error)
	BookQuery(ctx context.Context, q Querier, symbol string, incomingSide models.OrderSide, excludeUserID int64, limitPrice decimal.NullDecimal) ([]models.Order, error)
	Transition(ctx context.Context, q Querier, id uuid.UUID, from, to models.OrderStatus) error
	ApplyFill(ctx context.Context, q Querier, id uuid.UUID, fillQty int64, fillPrice decimal.Decimal, addConsumedCash decimal.Decimal, newStatus models.OrderStatus) error
	CreateTrade(ctx context.Context, q Querier, t models.Trade) (models.Trade, error)
	ListTradesByUser(ctx context.Context, q Querier, userID int64) ([]models.Trade, error)
}

// Postgres is the only implementation.
type Postgres struct{}

func New() *Postgres { return &Postgres{} }

func (p *Postgres) Create(ctx context.Context, q Querier, o models.Order) (models.Order, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	var limitPrice any
	if o.LimitPrice.Valid {
		limitPrice = money.Price(o.LimitPrice.Decimal).String()
	}
	row := q.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, symbol, side, method, limit_price, quantity, status, filled_qty, reserved_cash, consumed_cash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, 0, now())
		RETURNING created_at, sequence`,
		o.ID, o.UserID, o.Symbol, string(o.Side), string(o.Method), limitPrice, o.Quantity, string(o.Status), money.Cash(o.ReservedCash).String())
	if err := row.Scan(&o.CreatedAt, &o.Sequence); err != nil {
		return models.Order{}, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func scanOrder(row pgx.Rows) (models.Order, error) {
	var o models.Order
	var side, method, status string
	var limitPrice, avgFillPrice *string
	var reservedCash, consumedCash string
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &method, &limitPrice, &o.Quantity,
		&status, &o.FilledQty, &avgFillPrice, &reservedCash, &consumedCash, &o.CreatedAt, &o.Sequence)
	if err != nil {
		return models.Order{}, err
	}
	o.Side, o.Method, o.Status = models.OrderSide(side), models.OrderMethod(method), models.OrderStatus(status)
	if limitPrice != nil {
		d, err := decimal.NewFromString(*limitPrice)
		if err != nil {
			return models.Order{}, fmt.Errorf("parse limit_price: %w", err)
		}
		o.LimitPrice = decimal.NewNullDecimal(d)
	}
	if avgFillPrice != nil {
		d, err := decimal.NewFromString(*avgFillPrice)
		if err != nil {
			return models.Order{}, fmt.Errorf("parse avg_fill_price: %w", err)
		}
		o.AvgFillPrice = decimal.NewNullDecimal(d)
	}
	if o.ReservedCash, err = decimal.NewFromString(reservedCash); err != nil {
		return models.Order{}, fmt.Errorf("parse reserved_cash: %w", err)
	}
	if o.ConsumedCash, err = decimal.NewFromString(consumedCash); err != nil {
		return models.Order{}, fmt.Errorf("parse consumed_cash: %w", err)
	}
	return o, nil
}

const orderColumns = `id, user_id, symbol, side, method, limit_price::text, quantity, status, filled_qty, avg_fill_price::text, reserved_cash::text, consumed_cash::text, created_at, sequence`

func (p *Postgres) GetByID(ctx context.Context, q Querier, id uuid.UUID) (models.Order, error) {
	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return models.Order{}, xerr.New(xerr.NotFound, "order not found")
	}
	o, err := scanOrder(rows)
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return o, rows.Err()
}

// GetByIDForUpdate locks the row with "FOR UPDATE", used by
// Submission.Cancel to prevent a concurrent fill from racing the cancel.
func (p *Postgres) GetByIDForUpdate(ctx context.Context, q Querier, id uuid.UUID) (models.Order, error) {
	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return models.Order{}, fmt.Errorf("get order for update: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return models.Order{}, xerr.New(xerr.NotFound, "order not found")
	}
	o, err := scanOrder(rows)
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return o, rows.Err()
}

func (p *Postgres) ListByUser(ctx context.Context, q Querier, userID int64) ([]models.Order, error) {
	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, sequence DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// BookQuery returns eligible resting opposing orders, best price first,
// oldest first among ties. MARKET orders never rest, so they are
// excluded by the method = 'LIMIT' predicate; the submitting user's own
// orders are excluded for self-trade prevention.
func (p *Postgres) BookQuery(ctx context.Context, q Querier, symbol string, incomingSide models.OrderSide, excludeUserID int64, limitPrice decimal.NullDecimal) ([]models.Order, error) {
	opposite := incomingSide.Opposite()
	var priceOrder string
	var priceFilter string
	switch incomingSide {
	case models.Buy:
		priceOrder = "ASC"
		priceFilter = "AND ($4 = false OR limit_price <= $5)"
	case models.Sell:
		priceOrder = "DESC"
		priceFilter = "AND ($4 = false OR limit_price >= $5)"
	default:
		return nil, fmt.Errorf("unknown side %q", incomingSide)
	}

	hasLimit := limitPrice.Valid
	var priceArg any
	if hasLimit {
		priceArg = money.Price(limitPrice.Decimal).String()
	}

	sql := fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE symbol = $1 AND side = $2 AND user_id <> $3
		  AND method = 'LIMIT' AND status IN ('OPEN', 'PARTIALLY_FILLED')
		  %s
		ORDER BY orders.limit_price %s, sequence ASC`, orderColumns, priceFilter, priceOrder)

	rows, err := q.Query(ctx, sql, symbol, string(opposite), excludeUserID, hasLimit, priceArg)
	if err != nil {
		return nil, fmt.Errorf("book query: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Transition moves an order from one status to another, guarded by the
// current status so a stale retry can't undo a concurrent change.
func (p *Postgres) Transition(ctx context.Context, q Querier, id uuid.UUID, from, to models.OrderStatus) error {
	tag, err := q.Exec(ctx, `UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Conflict, fmt.Sprintf("order %s not in expected status %s", id, from))
	}
	return nil
}

// ApplyFill atomically increments filled_qty and consumed_cash, updates
// the quantity-weighted avg_fill_price, and advances status, guarded by
// the order still being non-terminal.
func (p *Postgres) ApplyFill(ctx context.Context, q Querier, id uuid.UUID, fillQty int64, fillPrice decimal.Decimal, addConsumedCash decimal.Decimal, newStatus models.OrderStatus) error {
	o, err := p.GetByID(ctx, q, id)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return xerr.New(xerr.Conflict, "order already terminal")
	}
	priorQty := o.FilledQty
	priorAvg := decimal.Zero
	if o.AvgFillPrice.Valid {
		priorAvg = o.AvgFillPrice.Decimal
	}
	newAvg := money.WeightedAverage(priorQty, priorAvg, fillQty, money.Price(fillPrice))

	tag, err := q.Exec(ctx, `
		UPDATE orders SET filled_qty = filled_qty + $2, avg_fill_price = $3,
		       consumed_cash = consumed_cash + $4, status = $5
		WHERE id = $1 AND status NOT IN ('FILLED', 'CANCELLED')`,
		id, fillQty, newAvg.String(), money.Cash(addConsumedCash).String(), string(newStatus))
	if err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Conflict, "order became terminal before fill applied")
	}
	return nil
}

// CreateTrade appends a fill record. Self-trade is rejected at the
// database level too, as a defense in depth behind the matching
// engine's own check.
func (p *Postgres) CreateTrade(ctx context.Context, q Querier, t models.Trade) (models.Trade, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := q.QueryRow(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, buy_user_id, sell_user_id, symbol, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING executed_at`,
		t.ID, t.BuyOrderID, t.SellOrderID, t.BuyUserID, t.SellUserID, t.Symbol, money.Price(t.Price).String(), t.Quantity)
	if err := row.Scan(&t.ExecutedAt); err != nil {
		return models.Trade{}, fmt.Errorf("create trade: %w", err)
	}
	return t, nil
}

// ListTradesByUser returns every trade where userID was buyer or
// seller, most recent first.
func (p *Postgres) ListTradesByUser(ctx context.Context, q Querier, userID int64) ([]models.Trade, error) {
	rows, err := q.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, buy_user_id, sell_user_id, symbol, price::text, quantity, executed_at
		FROM trades WHERE buy_user_id = $1 OR sell_user_id = $1
		ORDER BY executed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		var price string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyUserID, &t.SellUserID, &t.Symbol, &price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
