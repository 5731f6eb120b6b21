// Package ledger owns the accounts and positions tables: cash and
// share reservation primitives implemented as conditional updates that
// simply fail to match a row rather than ever write a negative field.
// Apart from the initial balances that cmd/seed inserts, nothing above
// this package touches either table directly.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/models"
	"github.com/xtrntr/coreexchange/internal/money"
	"github.com/xtrntr/coreexchange/internal/xerr"
)

// Querier is the subset of pgx's query surface shared by *pgxpool.Pool
// and pgx.Tx, so Ledger methods can run standalone or inside a caller's
// transaction (matching engine fills settle four primitives in one tx).
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the interface everything above this package consumes.
type Ledger interface {
	GetAccount(ctx context.Context, q Querier, userID int64) (models.Account, error)
	GetPosition(ctx context.Context, q Querier, userID int64, symbol string) (models.Position, error)
	ListPositions(ctx context.Context, q Querier, userID int64) ([]models.Position, error)

	ReserveCash(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error
	ReleaseCash(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error
	SettleCashDebit(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error
	SettleCashCredit(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error

	ReserveShares(ctx context.Context, q Querier, userID int64, symbol string, qty int64) error
	ReleaseShares(ctx context.Context, q Querier, userID int64, symbol string, qty int64) error
	SettleShareDebit(ctx context.Context, q Querier, userID int64, symbol string, qty int64) error
	SettleShareCreditWithCost(ctx context.Context, q Querier, userID int64, symbol string, qty int64, price decimal.Decimal) error

	Quarantine(ctx context.Context, q Querier, userID int64) error
}

// Postgres is the only implementation: every primitive below is one
// conditional UPDATE whose WHERE clause is the invariant it must not
// violate, followed by a RowsAffected check.
type Postgres struct{}

func New() *Postgres { return &Postgres{} }

func (p *Postgres) GetAccount(ctx context.Context, q Querier, userID int64) (models.Account, error) {
	var a models.Account
	a.UserID = userID
	row := q.QueryRow(ctx, `SELECT cash_total::text, cash_reserved::text, quarantined FROM accounts WHERE user_id = $1`, userID)
	var total, reserved string
	err := row.Scan(&total, &reserved, &a.Quarantined)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{UserID: userID}, nil
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	if a.CashTotal, err = decimal.NewFromString(total); err != nil {
		return models.Account{}, fmt.Errorf("parse cash_total: %w", err)
	}
	if a.CashReserved, err = decimal.NewFromString(reserved); err != nil {
		return models.Account{}, fmt.Errorf("parse cash_reserved: %w", err)
	}
	return a, nil
}

func (p *Postgres) GetPosition(ctx context.Context, q Querier, userID int64, symbol string) (models.Position, error) {
	var pos models.Position
	pos.UserID, pos.Symbol = userID, symbol
	row := q.QueryRow(ctx, `SELECT qty_total, qty_reserved, avg_cost::text FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	var avgCost string
	err := row.Scan(&pos.QtyTotal, &pos.QtyReserved, &avgCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{UserID: userID, Symbol: symbol}, nil
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("get position: %w", err)
	}
	if pos.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
		return models.Position{}, fmt.Errorf("parse avg_cost: %w", err)
	}
	return pos, nil
}

func (p *Postgres) ListPositions(ctx context.Context, q Querier, userID int64) ([]models.Position, error) {
	rows, err := q.Query(ctx, `SELECT symbol, qty_total, qty_reserved, avg_cost::text FROM positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		pos := models.Position{UserID: userID}
		var avgCost string
		if err := rows.Scan(&pos.Symbol, &pos.QtyTotal, &pos.QtyReserved, &avgCost); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if pos.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, fmt.Errorf("parse avg_cost: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (p *Postgres) ensureAccount(ctx context.Context, q Querier, userID int64) error {
	_, err := q.Exec(ctx, `INSERT INTO accounts (user_id, cash_total, cash_reserved, quarantined) VALUES ($1, 0, 0, false) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (p *Postgres) ensurePosition(ctx context.Context, q Querier, userID int64, symbol string) error {
	_, err := q.Exec(ctx, `INSERT INTO positions (user_id, symbol, qty_total, qty_reserved, avg_cost) VALUES ($1, $2, 0, 0, 0) ON CONFLICT (user_id, symbol) DO NOTHING`, userID, symbol)
	if err != nil {
		return fmt.Errorf("ensure position: %w", err)
	}
	return nil
}

func (p *Postgres) ReserveCash(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error {
	amount = money.Cash(amount)
	if err := p.ensureAccount(ctx, q, userID); err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET cash_reserved = cash_reserved + $2
		WHERE user_id = $1 AND quarantined = false AND (cash_total - cash_reserved) >= $2`,
		userID, amount.String())
	if err != nil {
		return fmt.Errorf("reserve cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.rejectReserveCash(ctx, q, userID)
	}
	return nil
}

func (p *Postgres) rejectReserveCash(ctx context.Context, q Querier, userID int64) error {
	acct, err := p.GetAccount(ctx, q, userID)
	if err != nil {
		return err
	}
	if acct.Quarantined {
		return xerr.New(xerr.Invariant, "account quarantined")
	}
	return xerr.New(xerr.InsufficientFunds, "cash available less than requested reservation")
}

func (p *Postgres) ReleaseCash(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error {
	amount = money.Cash(amount)
	if amount.Sign() <= 0 {
		return nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET cash_reserved = cash_reserved - $2
		WHERE user_id = $1 AND cash_reserved >= $2`,
		userID, amount.String())
	if err != nil {
		return fmt.Errorf("release cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Invariant, "release cash would drive cash_reserved negative")
	}
	return nil
}

func (p *Postgres) SettleCashDebit(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error {
	amount = money.Cash(amount)
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET cash_reserved = cash_reserved - $2, cash_total = cash_total - $2
		WHERE user_id = $1 AND cash_reserved >= $2 AND cash_total >= $2`,
		userID, amount.String())
	if err != nil {
		return fmt.Errorf("settle cash debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Invariant, "settle cash debit would drive a cash field negative")
	}
	return nil
}

func (p *Postgres) SettleCashCredit(ctx context.Context, q Querier, userID int64, amount decimal.Decimal) error {
	amount = money.Cash(amount)
	if err := p.ensureAccount(ctx, q, userID); err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET cash_total = cash_total + $2
		WHERE user_id = $1 AND cash_total + $2 >= 0`,
		userID, amount.String())
	if err != nil {
		return fmt.Errorf("settle cash credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Invariant, "settle cash credit would drive cash_total negative")
	}
	return nil
}

func (p *Postgres) ReserveShares(ctx context.Context, q Querier, userID int64, symbol string, qty int64) error {
	if err := p.ensurePosition(ctx, q, userID, symbol); err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE positions SET qty_reserved = qty_reserved + $3
		WHERE user_id = $1 AND symbol = $2 AND (qty_total - qty_reserved) >= $3
		  AND NOT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1 AND quarantined)`,
		userID, symbol, qty)
	if err != nil {
		return fmt.Errorf("reserve shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		acct, err := p.GetAccount(ctx, q, userID)
		if err != nil {
			return err
		}
		if acct.Quarantined {
			return xerr.New(xerr.Invariant, "account quarantined")
		}
		return xerr.New(xerr.InsufficientShares, "shares available less than requested reservation")
	}
	return nil
}

func (p *Postgres) ReleaseShares(ctx context.Context, q Querier, userID int64, symbol string, qty int64) error {
	if qty <= 0 {
		return nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE positions SET qty_reserved = qty_reserved - $3
		WHERE user_id = $1 AND symbol = $2 AND qty_reserved >= $3`,
		userID, symbol, qty)
	if err != nil {
		return fmt.Errorf("release shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Invariant, "release shares would drive qty_reserved negative")
	}
	return nil
}

func (p *Postgres) SettleShareDebit(ctx context.Context, q Querier, userID int64, symbol string, qty int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE positions SET qty_reserved = qty_reserved - $3, qty_total = qty_total - $3
		WHERE user_id = $1 AND symbol = $2 AND qty_reserved >= $3 AND qty_total >= $3`,
		userID, symbol, qty)
	if err != nil {
		return fmt.Errorf("settle share debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Invariant, "settle share debit would drive a position field negative")
	}
	_, err = q.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND symbol = $2 AND qty_total = 0 AND qty_reserved = 0`, userID, symbol)
	if err != nil {
		return fmt.Errorf("prune zeroed position: %w", err)
	}
	return nil
}

func (p *Postgres) SettleShareCreditWithCost(ctx context.Context, q Querier, userID int64, symbol string, qty int64, price decimal.Decimal) error {
	if err := p.ensurePosition(ctx, q, userID, symbol); err != nil {
		return err
	}
	pos, err := p.GetPosition(ctx, q, userID, symbol)
	if err != nil {
		return err
	}
	newAvg := money.WeightedAverage(pos.QtyTotal, pos.AvgCost, qty, money.Price(price))
	tag, err := q.Exec(ctx, `
		UPDATE positions SET qty_total = qty_total + $3, avg_cost = $4
		WHERE user_id = $1 AND symbol = $2 AND qty_total + $3 >= 0`,
		userID, symbol, qty, newAvg.String())
	if err != nil {
		return fmt.Errorf("settle share credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerr.New(xerr.Invariant, "settle share credit would drive qty_total negative")
	}
	return nil
}

func (p *Postgres) Quarantine(ctx context.Context, q Querier, userID int64) error {
	if err := p.ensureAccount(ctx, q, userID); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `UPDATE accounts SET quarantined = true WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("quarantine account: %w", err)
	}
	return nil
}
