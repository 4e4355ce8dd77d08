package headless

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

var (
	centerPattern = regexp.MustCompile(`@(-?\d+\.\d+),(-?\d+\.\d+)`)
	ratingPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// fatalMessages mark CDP failures after which the tab cannot be reused.
var fatalMessages = []string{
	"target closed",
	"websocket",
	"browser closed",
	"session closed",
	"connection reset",
	"broken pipe",
	"exec: ",
}

type placeDetails struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Website  string `json:"website"`
	Phone    string `json:"phone"`
	Category string `json:"category"`
	Rating   string `json:"rating"`
}

func (d placeDetails) record(q scrape.Query) scrape.RawRecord {
	return scrape.RawRecord{
		Name:     strings.TrimSpace(d.Name),
		Address:  strings.TrimSpace(d.Address),
		Phone:    strings.TrimSpace(d.Phone),
		Category: strings.TrimSpace(d.Category),
		Website:  CleanWebsite(d.Website),
		Rating:   ParseRating(d.Rating),
		City:     q.City,
		Term:     q.Term,
		Query:    q.Text,
		Point:    q.Point.Coordinate,
	}
}

// ParseCoordinate extracts the "@lat,lon" map center from a Maps URL.
func ParseCoordinate(rawURL string) (scrape.Coordinate, bool) {
	m := centerPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return scrape.Coordinate{}, false
	}
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return scrape.Coordinate{}, false
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return scrape.Coordinate{}, false
	}
	c := scrape.Coordinate{Lat: lat, Lon: lon}
	return c, c.Finite()
}

// PointURL centers the map on p at the given zoom level.
func PointURL(base string, p scrape.GridPoint, zoom int) string {
	return fmt.Sprintf("%s/@%s,%s,%dz",
		strings.TrimRight(base, "/"),
		strconv.FormatFloat(p.Coordinate.Lat, 'f', 6, 64),
		strconv.FormatFloat(p.Coordinate.Lon, 'f', 6, 64),
		zoom,
	)
}

// UniqueLinks drops blanks and repeats, keeping page order, and caps the result at limit when positive.
func UniqueLinks(hrefs []string, limit int) []string {
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, h := range hrefs {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ParseRating reads the leading number of a label such as "4,6 stars 120 Reviews".
func ParseRating(label string) *float64 {
	m := ratingPattern.FindString(label)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil || v < 0 || v > 5 {
		return nil
	}
	return &v
}

// CleanWebsite unwraps Google redirect links ("/url?q=...").
func CleanWebsite(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "/url" {
		if target := u.Query().Get("q"); target != "" {
			return target
		}
	}
	return raw
}

// Classify maps a chromedp failure onto the page or session error class.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, scrape.ErrSessionFatal) || errors.Is(err, scrape.ErrTransientPage) {
		return err
	}
	if isFatal(err) {
		return fmt.Errorf("%w: %v", scrape.ErrSessionFatal, err)
	}
	return fmt.Errorf("%w: %v", scrape.ErrTransientPage, err)
}

func isFatal(err error) bool {
	switch {
	case errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrInvalidWebsocketMessage):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMessages {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
