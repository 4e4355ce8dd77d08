// Package headless drives Google Maps through chromedp-controlled Chrome.
package headless

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Config controls browser launch and page interaction.
type Config struct {
	BaseURL           string
	Headless          bool
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	Zoom              int
	NavigationTimeout time.Duration
	Settle            time.Duration
	MaxScrolls        int
	StallLimit        int
}

const (
	defaultBaseURL    = "https://www.google.com/maps"
	defaultZoom       = 15
	defaultNavTimeout = 60 * time.Second
	defaultSettle     = 1500 * time.Millisecond
	defaultMaxScrolls = 20
	defaultStallLimit = 5
)

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Zoom <= 0 {
		c.Zoom = defaultZoom
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavTimeout
	}
	if c.Settle <= 0 {
		c.Settle = defaultSettle
	}
	if c.MaxScrolls <= 0 {
		c.MaxScrolls = defaultMaxScrolls
	}
	if c.StallLimit <= 0 {
		c.StallLimit = defaultStallLimit
	}
	return c
}

// Browser launches one Chrome process per session.
type Browser struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewBrowser prepares the exec allocator; Chrome starts on the first NewSession.
func NewBrowser(cfg Config, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("browser"),
	}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewSession starts a fresh Chrome process and returns its single tab.
func (b *Browser) NewSession(ctx context.Context) (scrape.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open session canceled: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(b.allocator)
	// The first Run launches Chrome and binds its lifetime to the context it
	// receives, so it runs on the tab context and is bounded by timers instead.
	timer := time.AfterFunc(b.cfg.NavigationTimeout, cancel)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx, b.setupAction())
	stop()
	timedOut := !timer.Stop()
	if err == nil && tabCtx.Err() != nil {
		err = tabCtx.Err()
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open session canceled: %w", ctx.Err())
		}
		if timedOut {
			return nil, fmt.Errorf("%w: start browser timed out after %s", scrape.ErrSessionFatal, b.cfg.NavigationTimeout)
		}
		return nil, fmt.Errorf("%w: start browser: %v", scrape.ErrSessionFatal, err)
	}
	b.logger.Debug("browser session started")
	return &Session{
		cfg:    b.cfg,
		tab:    tabCtx,
		cancel: cancel,
		logger: b.logger.Named("session"),
	}, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Close stops the allocator and any Chrome process still running.
func (b *Browser) Close() {
	b.allocCancel()
}
