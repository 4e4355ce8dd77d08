package scrape_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

func TestUnitStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   scrape.UnitStatus
		valid    bool
		terminal bool
	}{
		{scrape.UnitPending, true, false},
		{scrape.UnitInProgress, true, false},
		{scrape.UnitDone, true, true},
		{scrape.UnitFailed, true, true},
		{"skipped", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.valid, tt.status.Valid())
			require.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestWorkUnitQueryQuotesCity(t *testing.T) {
	t.Parallel()

	u := scrape.WorkUnit{City: "Ada, OK", Term: "bakery"}
	require.Equal(t, `"Ada, OK" bakery`, u.Query())
	require.Equal(t, "Ada, OK / bakery", u.Key().String())
}

func TestCoordinateFinite(t *testing.T) {
	t.Parallel()

	require.True(t, scrape.Coordinate{Lat: 34.7745, Lon: -96.6783}.Finite())
	require.False(t, scrape.Coordinate{Lat: math.NaN(), Lon: 0}.Finite())
	require.False(t, scrape.Coordinate{Lat: 0, Lon: math.Inf(1)}.Finite())
	require.Equal(t, "34.77450,-96.67830", scrape.Coordinate{Lat: 34.7745, Lon: -96.6783}.String())
}

func TestIdentityKeyParts(t *testing.T) {
	t.Parallel()

	k := scrape.NewIdentityKey("ada coffee", "1 main st")
	name, addr := k.Parts()
	require.Equal(t, "ada coffee", name)
	require.Equal(t, "1 main st", addr)

	require.Len(t, k.Digest(), 64)
	require.Equal(t, k.Digest(), scrape.NewIdentityKey("ada coffee", "1 main st").Digest())
	require.NotEqual(t, k.Digest(), scrape.NewIdentityKey("ada coffee", "2 elm st").Digest())
}

func TestNewRecordTrimsFields(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rating := 4.5
	raw := scrape.RawRecord{
		Name:    "  Ada Coffee ",
		Address: "1 Main St\n",
		Phone:   " (580) 555-0100",
		Rating:  &rating,
		City:    "Ada, OK",
		Term:    "cafe",
		Point:   scrape.Coordinate{Lat: 34.7, Lon: -96.6},
	}
	key := scrape.NewIdentityKey("ada coffee", "1 main st")

	rec := scrape.NewRecord(raw, key, at)
	require.Equal(t, "Ada Coffee", rec.Name)
	require.Equal(t, "1 Main St", rec.Address)
	require.Equal(t, "(580) 555-0100", rec.Phone)
	require.Equal(t, key, rec.Key)
	require.InDelta(t, 34.7, rec.Latitude, 1e-9)
	require.InDelta(t, -96.6, rec.Longitude, 1e-9)
	require.Equal(t, at, rec.ScrapedAt)
	require.Same(t, &rating, rec.Rating)
}

func TestRunStateCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	orig := scrape.RunState{
		RunID:   "r1",
		Anchors: map[string]scrape.Coordinate{"Ada, OK": {Lat: 1, Lon: 2}},
		Grid:    &scrape.GridShape{Steps: 1, Spacing: 0.02},
		Units:   []scrape.WorkUnit{{City: "Ada, OK", Term: "cafe", Status: scrape.UnitPending}},
	}
	cp := orig.Clone()
	cp.Units[0].Status = scrape.UnitDone
	cp.Anchors["Tulsa, OK"] = scrape.Coordinate{}
	cp.Grid.Steps = 3

	require.Equal(t, 1, orig.Grid.Steps)
	require.Equal(t, scrape.UnitPending, orig.Units[0].Status)
	require.Len(t, orig.Anchors, 1)
	require.Nil(t, scrape.RunState{}.Clone().Anchors)
}
