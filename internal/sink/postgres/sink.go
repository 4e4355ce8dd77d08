// Package postgres stores accepted listings in a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for listing rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Sink writes listings into Postgres. The identity key is the primary key, so
// a concurrent writer from another process can never create a second row.
type Sink struct {
	pool  pool
	table string
}

// New connects a pool using cfg and, when AutoMigrate is set, creates the table.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Sink, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "businesses"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: p, table: table}, nil
}

// Migrate creates the listings table if it does not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	identity_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	phone TEXT,
	category TEXT,
	website TEXT,
	rating DOUBLE PRECISION,
	city TEXT NOT NULL,
	term TEXT NOT NULL,
	query TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Exists reports whether the table holds key.
func (s *Sink) Exists(ctx context.Context, key scrape.IdentityKey) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE identity_key = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, string(key)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check listing: %w", err)
	}
	return exists, nil
}

// Put inserts record. A conflicting identity key yields scrape.ErrDuplicateKey.
func (s *Sink) Put(ctx context.Context, record scrape.Record) error {
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	identity_key,
	name,
	address,
	phone,
	category,
	website,
	rating,
	city,
	term,
	query,
	latitude,
	longitude,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (identity_key) DO NOTHING`, s.table)

	args := []any{
		string(record.Key),
		record.Name,
		record.Address,
		record.Phone,
		record.Category,
		record.Website,
		record.Rating,
		record.City,
		record.Term,
		record.Query,
		record.Latitude,
		record.Longitude,
		record.ScrapedAt,
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrDuplicateKey
	}
	return nil
}

// ForEachKey streams every stored identity key.
func (s *Sink) ForEachKey(ctx context.Context, fn func(scrape.IdentityKey) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT identity_key FROM %s`, s.table))
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		if err := fn(scrape.IdentityKey(key)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate keys: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
