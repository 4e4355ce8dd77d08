package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Outcome is the result of admitting a listing.
type Outcome int

// Admission outcomes.
const (
	// Accepted means the listing was new and has been durably stored.
	Accepted Outcome = iota + 1
	// Duplicate means a listing with the same identity key is already stored.
	Duplicate
	// Rejected means the listing lacks a name or address and cannot be keyed.
	Rejected
)

// String renders the outcome for logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Stats counts admissions by outcome.
type Stats struct {
	Accepted  int64 `json:"accepted"`
	Duplicate int64 `json:"duplicate"`
	Rejected  int64 `json:"rejected"`
	Preloaded int64 `json:"preloaded"`
}

// Gateway is the single authority on listing identity for one run. Admission
// of a key is compare-and-insert: concurrent callers with the same key queue
// behind one in-flight slot, and the key joins the seen set only after the
// sink confirms it is stored.
type Gateway struct {
	sink   scrape.StorageSink
	clock  scrape.Clock
	logger *zap.Logger

	mu        sync.Mutex
	seen      map[scrape.IdentityKey]struct{}
	inflight  map[scrape.IdentityKey]chan struct{}
	preloaded bool

	accepted  atomic.Int64
	duplicate atomic.Int64
	rejected  atomic.Int64
	loaded    atomic.Int64
}

// New returns a gateway in front of sink.
func New(sink scrape.StorageSink, clock scrape.Clock, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		sink:     sink,
		clock:    clock,
		logger:   logger.Named("dedup"),
		seen:     make(map[scrape.IdentityKey]struct{}),
		inflight: make(map[scrape.IdentityKey]chan struct{}),
	}
}

// Preload seeds the seen set from the sink when it can enumerate its keys.
// After a successful preload the gateway skips the per-key existence check.
// It returns the number of keys loaded.
func (g *Gateway) Preload(ctx context.Context) (int, error) {
	lister, ok := g.sink.(scrape.KeyLister)
	if !ok {
		return 0, nil
	}
	n := 0
	err := lister.ForEachKey(ctx, func(key scrape.IdentityKey) error {
		if key == "" {
			return nil
		}
		g.mu.Lock()
		g.seen[key] = struct{}{}
		g.mu.Unlock()
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("preload keys: %w", err)
	}
	g.mu.Lock()
	g.preloaded = true
	g.mu.Unlock()
	g.loaded.Add(int64(n))
	g.logger.Info("preloaded identity keys", zap.Int("keys", n))
	return n, nil
}

// Admit decides whether raw is new. Accepted listings are written to the sink
// before Admit returns. A sink error leaves the key unseen so a later sighting
// can retry the write.
func (g *Gateway) Admit(ctx context.Context, raw scrape.RawRecord) (Outcome, error) {
	key := Key(raw.Name, raw.Address)
	if key == "" {
		g.rejected.Add(1)
		return Rejected, nil
	}

	release, dup, err := g.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	if dup {
		g.duplicate.Add(1)
		return Duplicate, nil
	}
	defer release()

	if !g.skipLookup() {
		exists, err := g.sink.Exists(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("look up %q: %w", raw.Name, err)
		}
		if exists {
			g.markSeen(key)
			g.duplicate.Add(1)
			return Duplicate, nil
		}
	}

	record := scrape.NewRecord(raw, key, g.clock.Now())
	if err := g.sink.Put(ctx, record); err != nil {
		if errors.Is(err, scrape.ErrDuplicateKey) {
			g.markSeen(key)
			g.duplicate.Add(1)
			return Duplicate, nil
		}
		return 0, fmt.Errorf("store %q: %w", raw.Name, err)
	}
	g.markSeen(key)
	g.accepted.Add(1)
	g.logger.Debug("accepted listing",
		zap.String("name", record.Name),
		zap.String("city", record.City),
		zap.String("term", record.Term),
	)
	return Accepted, nil
}

// acquire takes the in-flight slot for key. It reports dup when the key is
// already seen, waiting for any holder of the slot to finish first.
func (g *Gateway) acquire(ctx context.Context, key scrape.IdentityKey) (func(), bool, error) {
	for {
		g.mu.Lock()
		if _, ok := g.seen[key]; ok {
			g.mu.Unlock()
			return nil, true, nil
		}
		wait, busy := g.inflight[key]
		if !busy {
			done := make(chan struct{})
			g.inflight[key] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.inflight, key)
				g.mu.Unlock()
				close(done)
			}, false, nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("admit canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

func (g *Gateway) markSeen(key scrape.IdentityKey) {
	g.mu.Lock()
	g.seen[key] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) skipLookup() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preloaded
}

// Seen reports whether key is known to be stored.
func (g *Gateway) Seen(key scrape.IdentityKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[key]
	return ok
}

// Stats returns admission counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Accepted:  g.accepted.Load(),
		Duplicate: g.duplicate.Load(),
		Rejected:  g.rejected.Load(),
		Preloaded: g.loaded.Load(),
	}
}
