package runstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

func TestFileStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "run_state.json"), zap.NewNop())
	require.NoError(t, err)

	_, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "run_state.json"), nil)
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	state := New("run-1", 4, now)
	state.Anchors["Ada"] = scrape.Coordinate{Lat: 34.77, Lon: -96.67}
	state.Units = []scrape.WorkUnit{
		{City: "Ada", Term: "bakery", Status: scrape.UnitDone, Attempts: 1, GridCursor: 9, UpdatedAt: now},
		{City: "Ada", Term: "cafe", Status: scrape.UnitFailed, Attempts: 2, LastError: "boom", UpdatedAt: now},
		{City: "Bly", Term: "bakery", Status: scrape.UnitPending, UpdatedAt: now},
	}
	require.NoError(t, store.Save(context.Background(), state))

	got, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state, got)
}

func TestFileStoreLoadRequeuesInProgress(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "run_state.json"), zap.NewNop())
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	state := New("run-2", 2, now)
	state.Units = []scrape.WorkUnit{
		{City: "Ada", Term: "bakery", Status: scrape.UnitDone, Attempts: 1, UpdatedAt: now},
		{City: "Ada", Term: "cafe", Status: scrape.UnitInProgress, Attempts: 1, GridCursor: 3, UpdatedAt: now},
		{City: "Ada", Term: "deli", Status: scrape.UnitFailed, Attempts: 1, LastError: "dead", UpdatedAt: now},
		{City: "Ada", Term: "florist", Status: scrape.UnitPending, UpdatedAt: now},
	}
	require.NoError(t, store.Save(context.Background(), state))

	got, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scrape.UnitDone, got.Units[0].Status)
	require.Equal(t, scrape.UnitPending, got.Units[1].Status)
	require.Equal(t, 3, got.Units[1].GridCursor)
	require.Equal(t, 1, got.Units[1].Attempts)
	require.Equal(t, scrape.UnitFailed, got.Units[2].Status)
	require.Equal(t, scrape.UnitPending, got.Units[3].Status)

	raw, ok, err := store.Read(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scrape.UnitInProgress, raw.Units[1].Status, "Read reports the snapshot as persisted")
}

func TestFileStoreReadMissing(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "run_state.json"), zap.NewNop())
	require.NoError(t, err)
	_, ok, err := store.Read(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStoreIgnoresAbandonedTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "run_state.json")
	store, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)

	state := New("run-3", 1, time.Unix(0, 0).UTC())
	state.Units = []scrape.WorkUnit{{City: "Ada", Term: "bakery", Status: scrape.UnitDone}}
	require.NoError(t, store.Save(context.Background(), state))

	// A crash mid-write leaves a truncated temp file beside the snapshot.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run_state.json.123.tmp"), []byte(`{"units": [`), 0o600))

	got, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scrape.UnitDone, got.Units[0].Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "run_state.json"), zap.NewNop())
	require.NoError(t, err)

	state := New("run-4", 1, time.Unix(0, 0).UTC())
	for i := 0; i < 5; i++ {
		state.Units = append(state.Units, scrape.WorkUnit{City: "Ada", Term: string(rune('a' + i)), Status: scrape.UnitPending})
		require.NoError(t, store.Save(context.Background(), state))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "run_state.json", entries[0].Name())
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"truncated":      `{"units": [`,
		"unknown status": `{"version":1,"units":[{"city":"Ada","term":"cafe","status":"paused"}]}`,
		"duplicate unit": `{"version":1,"units":[{"city":"Ada","term":"cafe","status":"done"},{"city":"Ada","term":"cafe","status":"pending"}]}`,
		"empty term":     `{"version":1,"units":[{"city":"Ada","term":" ","status":"done"}]}`,
		"future version": `{"version":99,"units":[]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "run_state.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			store, err := NewFileStore(path, zap.NewNop())
			require.NoError(t, err)
			_, _, err = store.Load(context.Background())
			require.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestFileStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "run_state.json"), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, store.Save(ctx, New("run", 1, time.Now())), context.Canceled)
	_, _, err = store.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, _, err = store.Read(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("  ", zap.NewNop())
	require.Error(t, err)
}
