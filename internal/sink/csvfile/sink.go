// Package csvfile appends accepted listings to a CSV file.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Header is the column layout of the file.
var Header = []string{
	"identity_key", "name", "address", "phone", "category", "website", "rating",
	"city", "term", "query", "latitude", "longitude", "scraped_at",
}

// Sink appends one row per accepted listing. Keys already in the file are
// loaded on open so the file never receives a second row for a key.
type Sink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
	keys map[scrape.IdentityKey]struct{}
}

// Open opens path for appending, writing the header when the file is new.
func Open(path string) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage.csv.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	keys, err := readKeys(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- operator-configured output path.
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	s := &Sink{path: path, file: f, w: csv.NewWriter(f), keys: keys}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat csv: %w", err)
	}
	if info.Size() == 0 {
		if err := s.writeRow(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

func readKeys(path string) (map[scrape.IdentityKey]struct{}, error) {
	keys := make(map[scrape.IdentityKey]struct{})
	f, err := os.Open(path) // #nosec G304 -- operator-configured output path.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return keys, nil
		}
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	first := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv %s: %w", path, err)
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == Header[0] {
				continue
			}
		}
		if len(row) == 0 || row[0] == "" {
			continue
		}
		keys[scrape.IdentityKey(row[0])] = struct{}{}
	}
	return keys, nil
}

// Exists reports whether the file holds key.
func (s *Sink) Exists(_ context.Context, key scrape.IdentityKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

// Put appends record and syncs the file.
func (s *Sink) Put(ctx context.Context, record scrape.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put canceled: %w", err)
	}
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("csv sink is closed")
	}
	if _, ok := s.keys[record.Key]; ok {
		return scrape.ErrDuplicateKey
	}
	rating := ""
	if record.Rating != nil {
		rating = strconv.FormatFloat(*record.Rating, 'f', -1, 64)
	}
	row := []string{
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
		strconv.FormatFloat(record.Latitude, 'f', 6, 64),
		strconv.FormatFloat(record.Longitude, 'f', 6, 64),
		record.ScrapedAt.UTC().Format(time.RFC3339),
	}
	if err := s.writeRow(row); err != nil {
		return err
	}
	s.keys[record.Key] = struct{}{}
	return nil
}

func (s *Sink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync csv: %w", err)
	}
	return nil
}

// ForEachKey visits every key in the file.
func (s *Sink) ForEachKey(ctx context.Context, fn func(scrape.IdentityKey) error) error {
	s.mu.Lock()
	keys := make([]scrape.IdentityKey, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()
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

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := errors.Join(s.w.Error(), s.file.Close())
	s.file = nil
	if err != nil {
		return fmt.Errorf("close csv: %w", err)
	}
	return nil
}
