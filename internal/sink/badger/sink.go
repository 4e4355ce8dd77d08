// Package badger stores accepted listings in an embedded Badger key-value store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Config locates the Badger directory. InMemory is used by tests.
type Config struct {
	Path     string
	InMemory bool
}

// listing is the badgerhold row; its type name namespaces the keys. Rows are
// stored under IdentityKey.Digest so keys stay fixed-width; Key keeps the
// readable identity for ForEachKey.
type listing struct {
	Key       string
	Name      string
	Address   string
	Phone     string
	Category  string
	Website   string
	Rating    *float64
	City      string `badgerhold:"index"`
	Term      string
	Query     string
	Latitude  float64
	Longitude float64
	ScrapedAt time.Time
}

// Sink writes listings through badgerhold. Insert is transactional, so two
// writers racing on one key see exactly one success.
type Sink struct {
	store *badgerhold.Store
}

// Open opens (or creates) the store described by cfg.
func Open(cfg Config) (*Sink, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil
	if cfg.InMemory {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("storage.badger.path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		options.Dir = cfg.Path
		options.ValueDir = cfg.Path
	}
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Sink{store: store}, nil
}

// Exists reports whether key is stored.
func (s *Sink) Exists(ctx context.Context, key scrape.IdentityKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("check canceled: %w", err)
	}
	var row listing
	err := s.store.Get(key.Digest(), &row)
	switch {
	case errors.Is(err, badgerhold.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check listing: %w", err)
	default:
		return true, nil
	}
}

// Put inserts record. A stored identity key yields scrape.ErrDuplicateKey.
func (s *Sink) Put(ctx context.Context, record scrape.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put canceled: %w", err)
	}
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	row := listing{
		Key:       string(record.Key),
		Name:      record.Name,
		Address:   record.Address,
		Phone:     record.Phone,
		Category:  record.Category,
		Website:   record.Website,
		Rating:    record.Rating,
		City:      record.City,
		Term:      record.Term,
		Query:     record.Query,
		Latitude:  record.Latitude,
		Longitude: record.Longitude,
		ScrapedAt: record.ScrapedAt,
	}
	if err := s.store.Insert(record.Key.Digest(), row); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return scrape.ErrDuplicateKey
		}
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

// ForEachKey visits every stored identity key.
func (s *Sink) ForEachKey(ctx context.Context, fn func(scrape.IdentityKey) error) error {
	err := s.store.ForEach(nil, func(row *listing) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("list keys canceled: %w", err)
		}
		return fn(scrape.IdentityKey(row.Key))
	})
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	return nil
}

// Get returns the stored listing for key.
func (s *Sink) Get(ctx context.Context, key scrape.IdentityKey) (scrape.Record, error) {
	if err := ctx.Err(); err != nil {
		return scrape.Record{}, fmt.Errorf("get canceled: %w", err)
	}
	var row listing
	if err := s.store.Get(key.Digest(), &row); err != nil {
		return scrape.Record{}, fmt.Errorf("get listing: %w", err)
	}
	return scrape.Record{
		Key:       scrape.IdentityKey(row.Key),
		Name:      row.Name,
		Address:   row.Address,
		Phone:     row.Phone,
		Category:  row.Category,
		Website:   row.Website,
		Rating:    row.Rating,
		City:      row.City,
		Term:      row.Term,
		Query:     row.Query,
		Latitude:  row.Latitude,
		Longitude: row.Longitude,
		ScrapedAt: row.ScrapedAt,
	}, nil
}

// CountCity returns how many listings were stored for city.
func (s *Sink) CountCity(city string) (int, error) {
	n, err := s.store.Count(&listing{}, badgerhold.Where("City").Eq(city).Index("City"))
	if err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return int(n), nil
}

// Close closes the store.
func (s *Sink) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close badger store: %w", err)
	}
	return nil
}
