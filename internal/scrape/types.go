// Package scrape defines core types shared across subsystems.
package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// UnitStatus represents the lifecycle state of a work unit.
type UnitStatus string

// Unit status values persisted in the run-state file.
const (
	UnitPending    UnitStatus = "pending"
	UnitInProgress UnitStatus = "in_progress"
	UnitDone       UnitStatus = "done"
	UnitFailed     UnitStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitPending, UnitInProgress, UnitDone, UnitFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is expected without operator action.
func (s UnitStatus) Terminal() bool {
	return s == UnitDone || s == UnitFailed
}

// UnitKey identifies a work unit within a run.
type UnitKey struct {
	City string
	Term string
}

// String renders the key for logs.
func (k UnitKey) String() string {
	return k.City + " / " + k.Term
}

// WorkUnit is one (city, term) pair of work and its progress. Accepted and
// Duplicates count listing outcomes summed over every attempt.
type WorkUnit struct {
	City       string     `json:"city"`
	Term       string     `json:"term"`
	Status     UnitStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	GridCursor int        `json:"grid_cursor"`
	Accepted   int64      `json:"accepted"`
	Duplicates int64      `json:"duplicates"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Key returns the unit identity.
func (u WorkUnit) Key() UnitKey {
	return UnitKey{City: u.City, Term: u.Term}
}

// Query builds the search text sent to the mapping UI for this unit.
func (u WorkUnit) Query() string {
	return strings.TrimSpace(fmt.Sprintf("%q %s", u.City, u.Term))
}

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Finite reports whether both components are finite numbers.
func (c Coordinate) Finite() bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lon) && !math.IsInf(c.Lon, 0)
}

// String renders the coordinate with five decimals (about one meter).
func (c Coordinate) String() string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// GridShape is the lattice a GridCursor counts points of.
type GridShape struct {
	Steps   int     `json:"steps"`
	Spacing float64 `json:"spacing"`
}

// GridPoint is one offset sampled around a city anchor.
type GridPoint struct {
	DX         int        `json:"dx"`
	DY         int        `json:"dy"`
	Coordinate Coordinate `json:"coordinate"`
}

// Query captures everything a PageFetcher needs for one grid point.
type Query struct {
	City  string
	Term  string
	Text  string
	Point GridPoint
	Limit int
}

// RawRecord is a business listing as extracted from the mapping UI.
type RawRecord struct {
	Name     string
	Address  string
	Phone    string
	Category string
	Website  string
	Rating   *float64
	City     string
	Term     string
	Query    string
	Point    Coordinate
}

// IdentityKey is the normalized name/address composite used for deduplication.
type IdentityKey string

// keySeparator splits the name and address parts of an IdentityKey.
const keySeparator = "\x1f"

// NewIdentityKey joins already-normalized name and address parts.
func NewIdentityKey(name, address string) IdentityKey {
	return IdentityKey(name + keySeparator + address)
}

// Parts splits the key back into its name and address components.
func (k IdentityKey) Parts() (string, string) {
	name, address, _ := strings.Cut(string(k), keySeparator)
	return name, address
}

// Digest returns the hex SHA-256 of the key for sinks that need fixed-width keys.
func (k IdentityKey) Digest() string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}

// Record is an accepted listing with its identity attached; sinks store Records.
type Record struct {
	Key       IdentityKey `json:"identity_key"`
	Name      string      `json:"name"`
	Address   string      `json:"address"`
	Phone     string      `json:"phone,omitempty"`
	Category  string      `json:"category,omitempty"`
	Website   string      `json:"website,omitempty"`
	Rating    *float64    `json:"rating,omitempty"`
	City      string      `json:"city"`
	Term      string      `json:"term"`
	Query     string      `json:"query"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	ScrapedAt time.Time   `json:"scraped_at"`
}

// NewRecord attaches key and timestamp to a raw listing.
func NewRecord(raw RawRecord, key IdentityKey, at time.Time) Record {
	return Record{
		Key:       key,
		Name:      strings.TrimSpace(raw.Name),
		Address:   strings.TrimSpace(raw.Address),
		Phone:     strings.TrimSpace(raw.Phone),
		Category:  strings.TrimSpace(raw.Category),
		Website:   strings.TrimSpace(raw.Website),
		Rating:    raw.Rating,
		City:      raw.City,
		Term:      raw.Term,
		Query:     raw.Query,
		Latitude:  raw.Point.Lat,
		Longitude: raw.Point.Lon,
		ScrapedAt: at,
	}
}

// RunState is the persisted aggregate of a run. Grid is the shape unit
// cursors were counted against; nil when unknown.
type RunState struct {
	Version     int                   `json:"version"`
	RunID       string                `json:"run_id"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	Concurrency int                   `json:"concurrency"`
	Anchors     map[string]Coordinate `json:"anchors,omitempty"`
	Grid        *GridShape            `json:"grid,omitempty"`
	Units       []WorkUnit            `json:"units"`
}

// StateVersion is the current run-state schema version.
const StateVersion = 1

// Clone returns a deep copy so callers can mutate without aliasing.
func (s RunState) Clone() RunState {
	out := s
	out.Units = append([]WorkUnit(nil), s.Units...)
	if s.Anchors != nil {
		out.Anchors = make(map[string]Coordinate, len(s.Anchors))
		for city, c := range s.Anchors {
			out.Anchors[city] = c
		}
	}
	if s.Grid != nil {
		grid := *s.Grid
		out.Grid = &grid
	}
	return out
}

// City is one input city, optionally carrying a known anchor.
type City struct {
	Name   string
	Anchor *Coordinate
}
