package candle

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/models"
)

// Postgres persists candles keyed by (symbol, period, period_start),
// upserted on conflict — both base and aggregate rows live in the same
// table, distinguished by the period column.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) UpsertBase(ctx context.Context, c models.Candle) error {
	return p.upsert(ctx, c)
}

func (p *Postgres) UpsertAggregate(ctx context.Context, c models.Candle) error {
	return p.upsert(ctx, c)
}

func (p *Postgres) upsert(ctx context.Context, c models.Candle) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO candles (symbol, period, period_start, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, period, period_start) DO UPDATE SET
			high = excluded.high, low = excluded.low, close = excluded.close, volume = excluded.volume`,
		c.Symbol, string(c.Period), c.PeriodStart,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

func (p *Postgres) LastBase(ctx context.Context, symbol string) (models.Candle, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT period_start, open::text, high::text, low::text, close::text, volume
		FROM candles WHERE symbol = $1 AND period = $2
		ORDER BY period_start DESC LIMIT 1`, symbol, string(models.Period1m))
	c, err := scanCandle(row, symbol, models.Period1m)
	if err == pgx.ErrNoRows {
		return models.Candle{}, false, nil
	}
	if err != nil {
		return models.Candle{}, false, fmt.Errorf("last base candle: %w", err)
	}
	return c, true, nil
}

func (p *Postgres) BaseRange(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT period_start, open::text, high::text, low::text, close::text, volume
		FROM candles WHERE symbol = $1 AND period = $2 AND period_start >= $3 AND period_start < $4
		ORDER BY period_start ASC`, symbol, string(models.Period1m), from, to)
	if err != nil {
		return nil, fmt.Errorf("base range: %w", err)
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows, symbol, models.Period1m)
		if err != nil {
			return nil, fmt.Errorf("scan base candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) List(ctx context.Context, symbol string, period models.CandlePeriod, limit int) ([]models.Candle, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT period_start, open::text, high::text, low::text, close::text, volume
		FROM candles WHERE symbol = $1 AND period = $2
		ORDER BY period_start DESC LIMIT $3`, symbol, string(period), limit)
	if err != nil {
		return nil, fmt.Errorf("list candles: %w", err)
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows, symbol, period)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (p *Postgres) Symbols(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT symbol FROM candles WHERE period = $1`, string(models.Period1m))
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanner is the pgx.Row/pgx.Rows common surface scanCandle needs.
type scanner interface {
	Scan(dest ...any) error
}

func scanCandle(row scanner, symbol string, period models.CandlePeriod) (models.Candle, error) {
	c := models.Candle{Symbol: symbol, Period: period}
	var open, high, low, closePrice string
	if err := row.Scan(&c.PeriodStart, &open, &high, &low, &closePrice, &c.Volume); err != nil {
		return models.Candle{}, err
	}
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return models.Candle{}, err
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return models.Candle{}, err
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return models.Candle{}, err
	}
	if c.Close, err = decimal.NewFromString(closePrice); err != nil {
		return models.Candle{}, err
	}
	return c, nil
}
