// Package sqlite stores accepted listings in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// registers the pure-Go "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

const schema = `
CREATE TABLE IF NOT EXISTS businesses (
	identity_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	phone TEXT,
	category TEXT,
	website TEXT,
	rating REAL,
	city TEXT NOT NULL,
	term TEXT NOT NULL,
	query TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	scraped_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS businesses_city_term ON businesses (city, term);
`

// Config locates the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Sink writes listings into a single SQLite file. Writes go through one
// connection so concurrent workers never see SQLITE_BUSY.
type Sink struct {
	db *sql.DB
}

// Open creates (or reuses) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, busy.Milliseconds())
	if cfg.Path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open handle and applies the schema.
func NewWithDB(ctx context.Context, db *sql.DB) (*Sink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Exists reports whether the table holds key.
func (s *Sink) Exists(ctx context.Context, key scrape.IdentityKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM businesses WHERE identity_key = ?`, string(key)).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check listing: %w", err)
	default:
		return true, nil
	}
}

// Put inserts record. A conflicting identity key yields scrape.ErrDuplicateKey.
func (s *Sink) Put(ctx context.Context, record scrape.Record) error {
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	var rating sql.NullFloat64
	if record.Rating != nil {
		rating = sql.NullFloat64{Float64: *record.Rating, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO businesses (
	identity_key, name, address, phone, category, website, rating,
	city, term, query, latitude, longitude, scraped_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(record.Key),
		record.Name,
		record.Address,
		record.Phone,
		record.Category,
		record.Website,
		rating,
		record.City,
		record.Term,
		record.Query,
		record.Latitude,
		record.Longitude,
		record.ScrapedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	if n == 0 {
		return scrape.ErrDuplicateKey
	}
	return nil
}

// ForEachKey streams every stored identity key.
func (s *Sink) ForEachKey(ctx context.Context, fn func(scrape.IdentityKey) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_key FROM businesses`)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	// Collect first: fn may call back into the sink and the pool holds one connection.
	var keys []scrape.IdentityKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, scrape.IdentityKey(key))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate keys: %w", err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close rows: %w", err)
	}
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of stored listings.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM businesses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
