package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// pool is the subset of *pgxpool.Pool used by PostgresStore.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore keeps one JSONB document per key in the table
// "<database>"."<collection>".
type PostgresStore struct {
	pool   pool
	schema string
	table  string // sanitized, schema-qualified
}

// NewPostgres creates a PostgresStore with a connection pool and pings it so
// an unreachable server fails at startup.
func NewPostgres(ctx context.Context, connString, database, collection string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, eris.Wrapf(err, "postgres: ping %s", redact(connString))
	}
	return newPostgresWithPool(p, database, collection), nil
}

func newPostgresWithPool(p pool, database, collection string) *PostgresStore {
	return &PostgresStore{
		pool:   p,
		schema: pgx.Identifier{database}.Sanitize(),
		table:  pgx.Identifier{database, collection}.Sanitize(),
	}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema)); err != nil {
		return eris.Wrap(err, "postgres: create schema")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrap(err, "postgres: create table")
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, key string, doc []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (key, doc, updated_at) VALUES ($1, $2::jsonb, now())
ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, q, key, string(doc)); err != nil {
		return eris.Wrapf(err, "postgres: upsert %s", key)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc::text FROM %s WHERE key = $1`, s.table), key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s", key)
	}
	return []byte(doc), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count")
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
