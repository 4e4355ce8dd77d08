// Package grid expands a city anchor into the lattice of query coordinates.
package grid

import (
	"errors"
	"math"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

var (
	// ErrNegativeSteps is returned when steps < 0.
	ErrNegativeSteps = errors.New("grid steps must be >= 0")
	// ErrNonFiniteAnchor is returned when the anchor has a NaN or infinite component.
	ErrNonFiniteAnchor = errors.New("grid anchor must be finite")
	// ErrInvalidSpacing is returned when spacing is negative or not finite.
	ErrInvalidSpacing = errors.New("grid spacing must be a finite value >= 0")
)

// Count returns the number of points Generate yields for steps.
func Count(steps int) int {
	if steps < 0 {
		return 0
	}
	side := 2*steps + 1
	return side * side
}

// Generate returns the (2k+1)x(2k+1) lattice centered on anchor, ordered
// row-major by dy then dx. dx offsets longitude and dy offsets latitude.
func Generate(anchor scrape.Coordinate, steps int, spacing float64) ([]scrape.GridPoint, error) {
	if steps < 0 {
		return nil, ErrNegativeSteps
	}
	if !anchor.Finite() {
		return nil, ErrNonFiniteAnchor
	}
	if math.IsNaN(spacing) || math.IsInf(spacing, 0) || spacing < 0 {
		return nil, ErrInvalidSpacing
	}

	points := make([]scrape.GridPoint, 0, Count(steps))
	for dy := -steps; dy <= steps; dy++ {
		for dx := -steps; dx <= steps; dx++ {
			points = append(points, scrape.GridPoint{
				DX: dx,
				DY: dy,
				Coordinate: scrape.Coordinate{
					Lat: anchor.Lat + float64(dy)*spacing,
					Lon: anchor.Lon + float64(dx)*spacing,
				},
			})
		}
	}
	return points, nil
}
