package scrape

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

var (
	// ErrTransientPage marks a fetch failure scoped to one grid point.
	ErrTransientPage = errors.New("transient page error")
	// ErrSessionFatal marks a failure that leaves the browser session unusable.
	ErrSessionFatal = errors.New("browser session unusable")
	// ErrDuplicateKey is returned by StorageSink.Put when the identity key is already stored.
	ErrDuplicateKey = errors.New("duplicate identity key")
)

// PageFetcher runs one query at one grid point. The returned sequence is lazy,
// finite and single-use; a non-nil error is always the last element yielded.
type PageFetcher interface {
	Fetch(ctx context.Context, q Query) iter.Seq2[RawRecord, error]
}

// Geocoder resolves a city name to its anchor coordinate.
type Geocoder interface {
	Locate(ctx context.Context, city string) (Coordinate, error)
}

// Session is one browser session owned by a single worker.
type Session interface {
	PageFetcher
	Geocoder
	Close() error
}

// Browser opens sessions; a worker opens a new one after a session-fatal error.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// StorageSink durably stores accepted records. Implementations must be safe
// for concurrent use by multiple workers.
type StorageSink interface {
	Exists(ctx context.Context, key IdentityKey) (bool, error)
	Put(ctx context.Context, record Record) error
	Close() error
}

// KeyLister is implemented by sinks that can cheaply enumerate stored keys.
type KeyLister interface {
	ForEachKey(ctx context.Context, fn func(IdentityKey) error) error
}

// StateStore persists run-state snapshots.
type StateStore interface {
	Load(ctx context.Context) (RunState, bool, error)
	Save(ctx context.Context, state RunState) error
}

// BlobStore persists archive artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes unit outcome notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}
