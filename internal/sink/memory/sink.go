// Package memory stores accepted records in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Sink keeps records in a map keyed by identity.
type Sink struct {
	mu      sync.RWMutex
	records map[scrape.IdentityKey]scrape.Record
	order   []scrape.IdentityKey
	closed  bool
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{records: make(map[scrape.IdentityKey]scrape.Record)}
}

// Exists reports whether key has been stored.
func (s *Sink) Exists(_ context.Context, key scrape.IdentityKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok, nil
}

// Put stores record, returning scrape.ErrDuplicateKey when its key is taken.
func (s *Sink) Put(_ context.Context, record scrape.Record) error {
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory sink is closed")
	}
	if _, ok := s.records[record.Key]; ok {
		return scrape.ErrDuplicateKey
	}
	s.records[record.Key] = record
	s.order = append(s.order, record.Key)
	return nil
}

// ForEachKey visits stored keys in insertion order.
func (s *Sink) ForEachKey(ctx context.Context, fn func(scrape.IdentityKey) error) error {
	s.mu.RLock()
	keys := append([]scrape.IdentityKey(nil), s.order...)
	s.mu.RUnlock()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("list keys canceled: %w", err)
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Records returns stored records in insertion order.
func (s *Sink) Records() []scrape.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}

// Names returns the sorted names of stored records.
func (s *Sink) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored records.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close rejects further writes. Stored records stay readable.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
