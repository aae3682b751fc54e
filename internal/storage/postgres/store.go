// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// DB is the subset of pgxpool.Pool the stores need. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TokenStore keeps the latest resume token per session in Postgres.
type TokenStore struct {
	db DB
}

// NewTokenStore connects a pool and wraps it.
func NewTokenStore(ctx context.Context, dsn string) (*TokenStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	return NewTokenStoreWithDB(pool), pool, nil
}

// NewTokenStoreWithDB wraps an existing connection, pool, or mock.
func NewTokenStoreWithDB(db DB) *TokenStore {
	return &TokenStore{db: db}
}

// SaveToken upserts the session's latest token.
func (s *TokenStore) SaveToken(ctx context.Context, sessionID string, token []byte) error {
	query := `
		INSERT INTO resume_tokens (session_id, token, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.db.Exec(ctx, query, sessionID, token, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert resume token: %w", err)
	}
	return nil
}

// LoadToken returns the session's latest token.
func (s *TokenStore) LoadToken(ctx context.Context, sessionID string) ([]byte, error) {
	query := `SELECT token FROM resume_tokens WHERE session_id = $1;`
	var token []byte
	if err := s.db.QueryRow(ctx, query, sessionID).Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, crawl.ErrTokenNotFound
		}
		return nil, fmt.Errorf("load resume token: %w", err)
	}
	return token, nil
}

// ProductStore persists extracted product records.
type ProductStore struct {
	db DB
}

// NewProductStore wraps an existing connection, pool, or mock.
func NewProductStore(db DB) *ProductStore {
	return &ProductStore{db: db}
}

// Persist upserts one product; the latest crawl wins.
func (s *ProductStore) Persist(ctx context.Context, product crawl.Product) error {
	fields, err := json.Marshal(product.Fields)
	if err != nil {
		return fmt.Errorf("encode product fields: %w", err)
	}
	query := `
		INSERT INTO products (id, url, fields, crawled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET url = EXCLUDED.url, fields = EXCLUDED.fields, crawled_at = EXCLUDED.crawled_at;
	`
	if _, err := s.db.Exec(ctx, query, product.ID, product.URL, fields, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
