// Package storage archives run-state snapshots to a blob store once a run ends.
// Backends live in the local, gcs and memory subpackages.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/runstate"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

const (
	contentType  = "application/json"
	digestPrefix = 12
	stampLayout  = "20060102T150405Z"
)

// Archiver writes content-addressed copies of a RunState.
type Archiver struct {
	blobs  scrape.BlobStore
	hasher scrape.Hasher
	clock  scrape.Clock
	logger *zap.Logger
}

// NewArchiver wires the blob store, hasher and clock used for object naming.
func NewArchiver(blobs scrape.BlobStore, hasher scrape.Hasher, clock scrape.Clock, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		blobs:  blobs,
		hasher: hasher,
		clock:  clock,
		logger: logger.Named("archive"),
	}
}

// Archive uploads state as runs/<run_id>/<stamp>-<digest>.json and returns the object URI.
func (a *Archiver) Archive(ctx context.Context, state scrape.RunState) (string, error) {
	payload, err := runstate.Encode(state)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	digest, err := a.hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	name := ObjectPath(state.RunID, a.clock.Now().UTC().Format(stampLayout), digest)
	uri, err := a.blobs.PutObject(ctx, name, contentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	a.logger.Info("run state archived",
		zap.String("run_id", state.RunID),
		zap.String("uri", uri),
		zap.Int("units", len(state.Units)),
	)
	return uri, nil
}

// ObjectPath builds the archive object name for a snapshot.
func ObjectPath(runID, stamp, digest string) string {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = "unnamed"
	}
	if len(digest) > digestPrefix {
		digest = digest[:digestPrefix]
	}
	return fmt.Sprintf("runs/%s/%s-%s.json", runID, stamp, digest)
}
