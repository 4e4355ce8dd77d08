// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/app"
	"github.com/jwiedeman/MapMonkey/internal/config"
	"github.com/jwiedeman/MapMonkey/internal/input"
	"github.com/jwiedeman/MapMonkey/internal/progress/sinks"
	publishermemory "github.com/jwiedeman/MapMonkey/internal/publisher/memory"
	"github.com/jwiedeman/MapMonkey/internal/runstate"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
	"github.com/jwiedeman/MapMonkey/internal/scrape/scrapetest"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

var testClock = scrapetest.Clock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

// MockBlobStore mocks the scrape.BlobStore interface.
type MockBlobStore struct {
	mock.Mock
}

// PutObject satisfies the scrape.BlobStore interface for the mock.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1)
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Run.StatePath = filepath.Join(t.TempDir(), "run_state.json")
	cfg.Storage.Backend = config.BackendMemory
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.MinDelaySeconds = 0
	cfg.Scheduler.MaxDelaySeconds = 0
	cfg.Progress.MaxBatchWaitMs = 10
	return cfg
}

func adaBrowser() *scrapetest.Browser {
	return &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": {Lat: 34.7745, Lon: -96.6783}},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			return []scrape.RawRecord{
				scrapetest.Listing(q, "Ada Coffee & Bread", "1 Main St"),
				scrapetest.Listing(q, "Ada "+q.Term, "2 Elm St"),
			}, nil
		},
	}
}

func counterValue(t *testing.T, reg prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Run.Cities = []string{"Ada, OK"}
	cfg.Run.Terms = []string{"bakery", "cafe"}
	cfg.Archive.Backend = config.ArchiveLocal
	cfg.Archive.LocalDir = filepath.Join(t.TempDir(), "archive")
	cfg.PubSub.TopicName = "unit-outcomes"

	reg := prometheus.NewRegistry()
	pub := publishermemory.New()
	a, err := app.New(context.Background(), cfg, zap.NewNop(),
		app.WithBrowser(adaBrowser()),
		app.WithPublisher(pub),
		app.WithRegistry(reg),
		app.WithClock(testClock),
	)
	require.NoError(t, err)
	require.NotEmpty(t, a.RunID())

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.Equal(t, workqueue.Tally{Done: 2, Total: 2}, res.Tally)
	require.EqualValues(t, 3, res.Dedup.Accepted)
	require.Equal(t, a.RunID(), res.RunID)
	require.True(t, strings.HasPrefix(res.ArchiveURI, "file://"), res.ArchiveURI)
	require.FileExists(t, strings.TrimPrefix(res.ArchiveURI, "file://"))

	store, err := runstate.NewFileStore(cfg.Run.StatePath, zap.NewNop())
	require.NoError(t, err)
	state, found, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, a.RunID(), state.RunID)
	require.Contains(t, state.Anchors, "Ada, OK")

	msgs := pub.Topic("unit-outcomes")
	require.Len(t, msgs, 2)
	require.Len(t, pub.Messages(), 2)
	for _, m := range msgs {
		require.NotEmpty(t, m.ID)
		note, ok := m.Payload.(sinks.UnitNotification)
		require.True(t, ok)
		require.Equal(t, string(scrape.UnitDone), note.Status)
	}

	require.InDelta(t, 3, counterValue(t, reg, "mapmonkey_businesses_saved_total"), 0)
	require.InDelta(t, 2, counterValue(t, reg, "mapmonkey_terms_processed_total"), 0)
}

func TestNewResumesAndRequeuesFailed(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	store, err := runstate.NewFileStore(cfg.Run.StatePath, zap.NewNop())
	require.NoError(t, err)
	prior, _ := runstate.Merge(runstate.New("nightly", 1, testClock.T),
		[]scrape.City{{Name: "Ada, OK"}}, []string{"bakery", "cafe"}, testClock.T)
	prior.Units[0].Status = scrape.UnitDone
	prior.Units[1].Status = scrape.UnitFailed
	prior.Units[1].Attempts = 1
	prior.Units[1].LastError = "browser session unusable"
	require.NoError(t, store.Save(context.Background(), prior))

	cfg.Run.RetryFailed = true
	browser := adaBrowser()
	a, err := app.New(context.Background(), cfg, zap.NewNop(),
		app.WithBrowser(browser), app.WithClock(testClock))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	require.Equal(t, "nightly", a.RunID())

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, workqueue.Tally{Done: 2, Total: 2}, res.Tally)
	require.Empty(t, res.ArchiveURI)

	queries := browser.Queries()
	require.Len(t, queries, 1)
	require.Equal(t, "cafe", queries[0].Term)
}

func TestNewRequiresInputsForFreshRun(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), baseConfig(t), zap.NewNop(),
		app.WithBrowser(adaBrowser()), app.WithClock(testClock))
	require.ErrorIs(t, err, input.ErrEmptyList)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Run.Cities = []string{"Ada, OK"}
	cfg.Run.Terms = []string{"bakery"}
	cfg.Storage.Backend = "mongo"

	_, err := app.New(context.Background(), cfg, zap.NewNop(),
		app.WithBrowser(adaBrowser()), app.WithClock(testClock))
	require.ErrorContains(t, err, `unknown storage backend "mongo"`)
}

func TestRunLogsArchiveFailure(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Run.Cities = []string{"Ada, OK"}
	cfg.Run.Terms = []string{"bakery"}

	blobs := new(MockBlobStore)
	blobs.On("PutObject", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.HasPrefix(p, "runs/")
	}), "application/json", mock.Anything).Return("", errors.New("bucket not found")).Once()

	a, err := app.New(context.Background(), cfg, zap.NewNop(),
		app.WithBrowser(adaBrowser()), app.WithBlobStore(blobs), app.WithClock(testClock))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	res, err := a.Run(context.Background())
	require.NoError(t, err, "archive failures do not fail the run")
	require.Empty(t, res.ArchiveURI)
	require.Equal(t, 1, res.Tally.Done)
	blobs.AssertExpectations(t)
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func TestNewGeneratesRunIDOnlyForFreshState(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Run.Cities = []string{"Ada, OK"}
	cfg.Run.Terms = []string{"bakery"}

	first, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithBrowser(adaBrowser()),
		app.WithClock(testClock), app.WithIDGenerator(fixedIDs{id: "first"}))
	require.NoError(t, err)
	require.Equal(t, "first", first.RunID())
	require.NoError(t, first.Close())

	second, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithBrowser(adaBrowser()),
		app.WithClock(testClock), app.WithIDGenerator(fixedIDs{id: "second"}))
	require.NoError(t, err)
	require.Equal(t, "first", second.RunID(), "a resumed run keeps its id")
	require.NoError(t, second.Close())
}

func TestNewRestartsCursorsWhenGridChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prior   scrape.GridShape
		cursor  int
		queries int
	}{
		{name: "same grid resumes at the cursor", prior: scrape.GridShape{Steps: 1, Spacing: 0.02}, cursor: 4, queries: 5},
		{name: "fewer steps restart the walk", prior: scrape.GridShape{Steps: 2, Spacing: 0.02}, cursor: 12, queries: 9},
		{name: "new spacing restarts the walk", prior: scrape.GridShape{Steps: 1, Spacing: 0.05}, cursor: 4, queries: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := baseConfig(t)
			cfg.Grid.Steps = 1
			cfg.Grid.SpacingDeg = 0.02

			store, err := runstate.NewFileStore(cfg.Run.StatePath, zap.NewNop())
			require.NoError(t, err)
			prior, _ := runstate.Merge(runstate.New("nightly", 1, testClock.T),
				[]scrape.City{{Name: "Ada, OK", Anchor: &scrape.Coordinate{Lat: 34.7745, Lon: -96.6783}}},
				[]string{"bakery"}, testClock.T)
			shape := tt.prior
			prior.Grid = &shape
			prior.Units[0].Status = scrape.UnitInProgress
			prior.Units[0].Attempts = 1
			prior.Units[0].GridCursor = tt.cursor
			require.NoError(t, store.Save(context.Background(), prior))

			browser := adaBrowser()
			a, err := app.New(context.Background(), cfg, zap.NewNop(),
				app.WithBrowser(browser), app.WithClock(testClock))
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, a.Close()) })

			res, err := a.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, workqueue.Tally{Done: 1, Total: 1}, res.Tally)
			require.Len(t, browser.Queries(), tt.queries)

			state, _, err := store.Read(context.Background())
			require.NoError(t, err)
			require.Equal(t, scrape.GridShape{Steps: 1, Spacing: 0.02}, *state.Grid)
			require.Equal(t, 9, state.Units[0].GridCursor)
		})
	}
}
