package headless

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

const (
	searchBox    = "#searchboxinput"
	pollInterval = 500 * time.Millisecond
)

const listingCountJS = `document.querySelectorAll('a[href*="/maps/place"]').length`

const listingLinksJS = `Array.from(document.querySelectorAll('a[href*="/maps/place"]'))
	.map(a => a.href || a.getAttribute("href") || "")
	.filter(h => h.includes("/maps/place"))`

const scrollFeedJS = `(() => {
	const feed = document.querySelector('div[role="feed"]');
	if (feed) {
		feed.scrollTop = feed.scrollHeight;
		return true;
	}
	window.scrollBy(0, 2000);
	return false;
})()`

const placeDetailsJS = `(() => {
	const text = (sel) => {
		const el = document.querySelector(sel);
		return el ? (el.innerText || "").trim() : "";
	};
	const attr = (sel, name) => {
		const el = document.querySelector(sel);
		return el ? (el.getAttribute(name) || "").trim() : "";
	};
	return {
		name: text('h1.DUwDvf.lfPIob') || text('h1.DUwDvf'),
		address: text('button[data-item-id="address"] .fontBodyMedium') || text('button[data-item-id="address"]'),
		website: attr('a[data-item-id="authority"]', 'href'),
		phone: text('button[data-item-id*="phone"] .fontBodyMedium'),
		category: text('button.DkEaL'),
		rating: attr('div[jsaction="pane.reviewChart.moreReviews"] div[role="img"]', 'aria-label') || text('div.F7nice span[aria-hidden="true"]'),
	};
})()`

// Session is a single Chrome tab used by one worker at a time.
type Session struct {
	cfg    Config
	tab    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	closed atomic.Bool
}

// Locate searches for city and reads the map center from the resulting URL.
func (s *Session) Locate(ctx context.Context, city string) (scrape.Coordinate, error) {
	opCtx, cancel := s.op(ctx)
	defer cancel()

	var before string
	err := chromedp.Run(opCtx,
		chromedp.Navigate(s.cfg.BaseURL),
		chromedp.WaitVisible(searchBox, chromedp.ByQuery),
		chromedp.Location(&before),
		chromedp.SetValue(searchBox, "", chromedp.ByQuery),
		chromedp.SendKeys(searchBox, city+kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return scrape.Coordinate{}, s.classify(ctx, fmt.Errorf("search city %q: %w", city, err))
	}

	var last string
	for {
		if err := chromedp.Run(opCtx, chromedp.Location(&last)); err != nil {
			break
		}
		if coord, ok := ParseCoordinate(last); ok && last != before {
			return coord, nil
		}
		if err := sleep(opCtx, pollInterval); err != nil {
			break
		}
	}
	if err := s.interrupted(ctx); err != nil {
		return scrape.Coordinate{}, err
	}
	if coord, ok := ParseCoordinate(last); ok {
		return coord, nil
	}
	return scrape.Coordinate{}, fmt.Errorf("%w: no coordinates for city %q in %q", scrape.ErrTransientPage, city, last)
}

// Fetch runs q.Text at q.Point and yields one record per opened listing.
// Listings that fail to open are logged and skipped.
func (s *Session) Fetch(ctx context.Context, q scrape.Query) iter.Seq2[scrape.RawRecord, error] {
	return func(yield func(scrape.RawRecord, error) bool) {
		links, err := s.search(ctx, q)
		if err != nil {
			yield(scrape.RawRecord{}, s.classify(ctx, err))
			return
		}
		for _, link := range links {
			raw, err := s.place(ctx, link, q)
			if err != nil {
				classified := s.classify(ctx, err)
				if !errors.Is(classified, scrape.ErrTransientPage) {
					yield(scrape.RawRecord{}, classified)
					return
				}
				s.logger.Warn("listing skipped", zap.String("query", q.Text), zap.Error(err))
				continue
			}
			if !yield(raw, nil) {
				return
			}
		}
	}
}

// search runs the query and returns up to q.Limit listing links.
func (s *Session) search(ctx context.Context, q scrape.Query) ([]string, error) {
	opCtx, cancel := s.op(ctx)
	defer cancel()

	if err := chromedp.Run(opCtx,
		chromedp.Navigate(PointURL(s.cfg.BaseURL, q.Point, s.cfg.Zoom)),
		chromedp.WaitVisible(searchBox, chromedp.ByQuery),
		chromedp.SetValue(searchBox, "", chromedp.ByQuery),
		chromedp.SendKeys(searchBox, q.Text+kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.Settle),
	); err != nil {
		return nil, fmt.Errorf("search %q at %s: %w", q.Text, q.Point.Coordinate, err)
	}

	previous, stalls := -1, 0
	for range s.cfg.MaxScrolls {
		var count int
		if err := chromedp.Run(opCtx, chromedp.Evaluate(listingCountJS, &count)); err != nil {
			return nil, fmt.Errorf("count listings: %w", err)
		}
		if q.Limit > 0 && count >= q.Limit {
			break
		}
		if count == previous {
			stalls++
			if stalls > s.cfg.StallLimit {
				break
			}
		} else {
			stalls = 0
		}
		previous = count
		var scrolled bool
		if err := chromedp.Run(opCtx, chromedp.Evaluate(scrollFeedJS, &scrolled)); err != nil {
			return nil, fmt.Errorf("scroll results: %w", err)
		}
		if err := sleep(opCtx, s.cfg.Settle/2); err != nil {
			return nil, err
		}
	}

	var hrefs []string
	if err := chromedp.Run(opCtx, chromedp.Evaluate(listingLinksJS, &hrefs)); err != nil {
		return nil, fmt.Errorf("collect listings: %w", err)
	}
	return UniqueLinks(hrefs, q.Limit), nil
}

// place opens one listing and extracts its details.
func (s *Session) place(ctx context.Context, link string, q scrape.Query) (scrape.RawRecord, error) {
	opCtx, cancel := s.op(ctx)
	defer cancel()

	var details placeDetails
	if err := chromedp.Run(opCtx,
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.Settle),
		chromedp.Evaluate(placeDetailsJS, &details),
	); err != nil {
		return scrape.RawRecord{}, fmt.Errorf("open listing %s: %w", link, err)
	}
	return details.record(q), nil
}

// op derives a bounded operation context from the tab that also ends when ctx does.
func (s *Session) op(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// interrupted reports caller cancellation or a dead tab.
func (s *Session) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("browser operation canceled: %w", err)
	}
	if err := s.tab.Err(); err != nil {
		return fmt.Errorf("%w: tab closed: %v", scrape.ErrSessionFatal, err)
	}
	return nil
}

func (s *Session) classify(ctx context.Context, err error) error {
	if stop := s.interrupted(ctx); stop != nil {
		return stop
	}
	return Classify(err)
}

// Close shuts the tab and its Chrome process.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
