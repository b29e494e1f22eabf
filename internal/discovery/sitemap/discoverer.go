// Package sitemap discovers item references from a sitemap or sitemap index
// using colly's XML callbacks.
package sitemap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

// Defaults for listing sitemaps.
const (
	DefaultHostPattern     = "apps.shopify.com/"
	DefaultDeveloperMarker = "/partners/"
	DefaultMaxIndexDepth   = 2
)

// Config controls which URLs are kept and how they are categorized.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// HostPattern must appear in a loc for it to be kept.
	HostPattern string
	// DeveloperMarker routes a loc to the developer bucket.
	DeveloperMarker string
	// MaxIndexDepth bounds how many levels of nested sitemap indexes are followed.
	MaxIndexDepth int
}

func (c Config) withDefaults() Config {
	if c.HostPattern == "" {
		c.HostPattern = DefaultHostPattern
	}
	if c.DeveloperMarker == "" {
		c.DeveloperMarker = DefaultDeveloperMarker
	}
	if c.MaxIndexDepth <= 0 {
		c.MaxIndexDepth = DefaultMaxIndexDepth
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Discoverer implements harvest.Discoverer.
type Discoverer struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Discoverer.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg.withDefaults(), logger: logger}
}

// Classify reports the category of loc, or false when loc does not match the
// host pattern.
func (d *Discoverer) Classify(loc string) (harvest.Category, bool) {
	if !strings.Contains(loc, d.cfg.HostPattern) {
		return "", false
	}
	if strings.Contains(loc, d.cfg.DeveloperMarker) {
		return harvest.CategoryDeveloper, true
	}
	return harvest.CategoryApp, true
}

type collection struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	found   harvest.Discovery
	rootErr error
}

// Discover fetches sitemapURL, follows nested sitemap indexes, and returns the
// matching locs in first-seen order without duplicates. Failing to fetch the
// root document is an error; failing child documents are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context, sitemapURL string) (harvest.Discovery, error) {
	coll := &collection{seen: make(map[string]struct{})}
	collector := d.newCollector(coll)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(sitemapURL)
	}()

	select {
	case <-ctx.Done():
		return harvest.Discovery{}, fmt.Errorf("sitemap discovery canceled: %w", ctx.Err())
	case err := <-done:
		coll.mu.Lock()
		defer coll.mu.Unlock()
		if coll.rootErr != nil {
			return harvest.Discovery{}, coll.rootErr
		}
		if err != nil {
			return harvest.Discovery{}, fmt.Errorf("visit sitemap: %w", err)
		}
		return coll.found, nil
	}
}

func (d *Discoverer) newCollector(coll *collection) *colly.Collector {
	c := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(d.cfg.MaxIndexDepth+1),
	)
	if d.cfg.UserAgent != "" {
		c.UserAgent = d.cfg.UserAgent
	}
	c.SetRequestTimeout(d.cfg.Timeout)

	c.OnXML("//sitemap/loc", func(e *colly.XMLElement) {
		child := strings.TrimSpace(e.Text)
		if child == "" {
			return
		}
		if err := e.Request.Visit(child); err != nil {
			d.logger.Debug("skipping child sitemap", zap.String("url", child), zap.Error(err))
		}
	})

	c.OnXML("//url/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		category, ok := d.Classify(loc)
		if !ok {
			return
		}
		coll.mu.Lock()
		defer coll.mu.Unlock()
		if _, dup := coll.seen[loc]; dup {
			return
		}
		coll.seen[loc] = struct{}{}
		ref := harvest.ItemRef{URL: loc, Category: category}
		if category == harvest.CategoryDeveloper {
			coll.found.Developers = append(coll.found.Developers, ref)
			return
		}
		coll.found.Apps = append(coll.found.Apps, ref)
	})

	c.OnError(func(r *colly.Response, err error) {
		url := r.Request.URL.String()
		if r.StatusCode != 0 {
			err = fmt.Errorf("%w: %s", &harvest.StatusError{Code: r.StatusCode}, url)
		}
		if r.Request.Depth <= 1 {
			coll.mu.Lock()
			coll.rootErr = fmt.Errorf("fetch sitemap %s: %w", url, err)
			coll.mu.Unlock()
			return
		}
		d.logger.Warn("child sitemap failed", zap.String("url", url), zap.Error(err))
	})

	c.OnResponse(func(r *colly.Response) {
		d.logger.Debug("sitemap fetched", zap.String("url", r.Request.URL.String()), zap.Int("bytes", len(r.Body)))
	})
	return c
}
