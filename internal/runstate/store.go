// Package runstate persists run progress as a crash-consistent JSON snapshot.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// ErrCorruptState is returned when the snapshot on disk cannot be decoded or validated.
var ErrCorruptState = errors.New("corrupt run state")

// FileStore implements scrape.StateStore on a single JSON file. Writes go to a
// temp file in the same directory that is fsynced and renamed over the target,
// so a reader only ever observes a complete snapshot.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a store for path. The parent directory is created if needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the snapshot location.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the last snapshot exactly as persisted. The boolean is false
// when no snapshot exists. Inspectors use Read; a process about to own the
// units uses Load.
func (s *FileStore) Read(ctx context.Context) (scrape.RunState, bool, error) {
	if err := ctx.Err(); err != nil {
		return scrape.RunState{}, false, fmt.Errorf("read canceled: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scrape.RunState{}, false, nil
		}
		return scrape.RunState{}, false, fmt.Errorf("read state %s: %w", s.path, err)
	}
	state, err := Decode(data)
	if err != nil {
		return scrape.RunState{}, false, err
	}
	return state, true, nil
}

// Load reads the last snapshot for a run that takes over its units. Units
// persisted as in_progress are downgraded to pending because the worker that
// held them is gone.
func (s *FileStore) Load(ctx context.Context) (scrape.RunState, bool, error) {
	state, found, err := s.Read(ctx)
	if err != nil || !found {
		return state, found, err
	}
	if n := Recover(&state); n > 0 {
		s.logger.Warn("requeued interrupted units", zap.Int("units", n), zap.String("path", s.path))
	}
	return state, true, nil
}

// Save atomically replaces the snapshot with state.
func (s *FileStore) Save(ctx context.Context, state scrape.RunState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save canceled: %w", err)
	}
	payload, err := Encode(state)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, payload)
}

// Encode renders state as the on-disk JSON document.
func Encode(state scrape.RunState) ([]byte, error) {
	if state.Version == 0 {
		state.Version = scrape.StateVersion
	}
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return append(payload, '\n'), nil
}

// Decode parses and validates a snapshot.
func Decode(data []byte) (scrape.RunState, error) {
	var state scrape.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return scrape.RunState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := Validate(state); err != nil {
		return scrape.RunState{}, err
	}
	return state, nil
}

// Validate checks schema version, statuses and (city, term) uniqueness.
func Validate(state scrape.RunState) error {
	if state.Version > scrape.StateVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptState, state.Version)
	}
	seen := make(map[scrape.UnitKey]struct{}, len(state.Units))
	for i, u := range state.Units {
		if strings.TrimSpace(u.City) == "" || strings.TrimSpace(u.Term) == "" {
			return fmt.Errorf("%w: unit %d has empty city or term", ErrCorruptState, i)
		}
		if !u.Status.Valid() {
			return fmt.Errorf("%w: unit %s has unknown status %q", ErrCorruptState, u.Key(), u.Status)
		}
		if _, dup := seen[u.Key()]; dup {
			return fmt.Errorf("%w: duplicate unit %s", ErrCorruptState, u.Key())
		}
		seen[u.Key()] = struct{}{}
	}
	return nil
}

func writeAtomic(path string, payload []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return syncDir(dir)
}

// syncDir makes the rename durable. Some platforms cannot fsync directories;
// those report an error on Sync which is ignored.
func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 -- directory of the configured state file.
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	_ = d.Sync()
	if err := d.Close(); err != nil {
		return fmt.Errorf("close state dir: %w", err)
	}
	return nil
}
