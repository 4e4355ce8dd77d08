// Package input reads the city and term lists that seed a run.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// ErrEmptyList is returned when no usable entries remain after parsing.
var ErrEmptyList = errors.New("input list is empty")

var (
	latHeaders = []string{"lat", "latitude"}
	lonHeaders = []string{"lon", "lng", "long", "longitude"}
)

// Terms reads a term list from path and appends the inline terms.
func Terms(path string, inline []string) ([]string, error) {
	var rows []string
	if strings.TrimSpace(path) != "" {
		records, _, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for _, row := range records {
			if name := joinCells(row, nil); name != "" {
				rows = append(rows, name)
			}
		}
	}
	out := unique(append(rows, inline...))
	if len(out) == 0 {
		return nil, fmt.Errorf("terms: %w", ErrEmptyList)
	}
	return out, nil
}

// Cities reads a city list from path and appends the inline cities. Rows
// whose header carries latitude and longitude columns seed the city anchor.
func Cities(path string, inline []string) ([]scrape.City, error) {
	var out []scrape.City
	seen := make(map[string]struct{})
	add := func(city scrape.City) {
		if city.Name == "" {
			return
		}
		if _, dup := seen[city.Name]; dup {
			return
		}
		seen[city.Name] = struct{}{}
		out = append(out, city)
	}

	if strings.TrimSpace(path) != "" {
		records, header, err := readFile(path)
		if err != nil {
			return nil, err
		}
		latCol, lonCol := column(header, latHeaders), column(header, lonHeaders)
		skip := map[int]bool{}
		if latCol >= 0 && lonCol >= 0 {
			skip[latCol], skip[lonCol] = true, true
		}
		for i, row := range records {
			city := scrape.City{Name: joinCells(row, skip)}
			if len(skip) > 0 {
				anchor, err := parseAnchor(row, latCol, lonCol)
				if err != nil {
					return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
				}
				city.Anchor = anchor
			}
			add(city)
		}
	}
	for _, name := range inline {
		add(scrape.City{Name: strings.TrimSpace(name)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cities: %w", ErrEmptyList)
	}
	return out, nil
}

// readFile returns the data rows and the lower-cased header row.
func readFile(path string) ([][]string, []string, error) {
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open list %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return parse(f, path)
}

func parse(r io.Reader, name string) ([][]string, []string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse list %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	header := make([]string, len(records[0]))
	for i, cell := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(cell))
	}
	return records[1:], header, nil
}

func joinCells(row []string, skip map[int]bool) string {
	parts := make([]string, 0, len(row))
	for i, cell := range row {
		if skip[i] {
			continue
		}
		if cell = strings.TrimSpace(cell); cell != "" {
			parts = append(parts, cell)
		}
	}
	return strings.Join(parts, ", ")
}

func column(header []string, names []string) int {
	for i, cell := range header {
		for _, name := range names {
			if cell == name {
				return i
			}
		}
	}
	return -1
}

// parseAnchor returns nil when both cells are blank.
func parseAnchor(row []string, latCol, lonCol int) (*scrape.Coordinate, error) {
	latText, lonText := cell(row, latCol), cell(row, lonCol)
	if latText == "" && lonText == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latText, 64)
	if err != nil {
		return nil, fmt.Errorf("latitude %q: %w", latText, err)
	}
	lon, err := strconv.ParseFloat(lonText, 64)
	if err != nil {
		return nil, fmt.Errorf("longitude %q: %w", lonText, err)
	}
	if math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return nil, fmt.Errorf("coordinate %v,%v out of range", lat, lon)
	}
	return &scrape.Coordinate{Lat: lat, Lon: lon}, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
