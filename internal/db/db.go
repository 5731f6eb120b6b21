// Package db is the identity store for the demo auth adapter: it owns
// the users table (username, password hash) and nothing else. It has
// no relationship to the ledger's accounts table — a user row is a
// login credential, an account row is a cash position. Its callers are
// internal/auth, cmd/server and cmd/seed.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is a login credential record.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Store wraps a PostgreSQL connection pool scoped to user identity.
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

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	user := &User{}
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user := &User{}
	err := s.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}
