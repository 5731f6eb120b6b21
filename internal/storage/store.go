// Package storage wraps the Postgres connection pool and the small set
// of transaction helpers every other storage-backed component
// (ledger, orderstore, candle) builds on. It carries no domain logic of
// its own, so Ledger and OrderStore can each stay a thin, independently
// testable layer over it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// serializationFailure is the Postgres SQLSTATE for a retryable
// serialization conflict under SERIALIZABLE/REPEATABLE READ isolation.
const serializationFailure = "40001"

// Store wraps a pgx connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New initializes a new database connection pool.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// WithTx runs fn inside one transaction, committing on success and
// rolling back on error. It retries fn up to maxAttempts times with
// exponential backoff (base 100ms, factor 2) when the transaction
// aborts on a serialization failure.
func (s *Store) WithTx(ctx context.Context, maxAttempts int, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	// Each attempt is bounded by a 60s per-transaction timeout.
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure
	}
	return false
}

// backoff implements base 100ms, factor 2 exponential backoff.
func backoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// RowsAffected is a small helper so callers of Exec don't need to import
// pgconn directly just to check how many rows a conditional update hit.
func RowsAffected(tag pgconn.CommandTag) int64 {
	return tag.RowsAffected()
}

var ErrNoRows = pgx.ErrNoRows
