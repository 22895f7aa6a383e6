package parser

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/scanner"
)

const (
	defaultSitemapURLs  = 200
	defaultSitemapDepth = 2
)

// SitemapScanner reads a sitemap index or urlset, plain or gzipped, and keeps
// entries whose lastmod falls in the window.
type SitemapScanner struct {
	base
}

// NewSitemapScanner wires the page fetcher.
func NewSitemapScanner(fetcher scanner.PageFetcher, logger *slog.Logger) *SitemapScanner {
	return &SitemapScanner{base{fetcher: fetcher, logger: logger}}
}

// Name identifies the strategy inside the registry.
func (s *SitemapScanner) Name() string {
	return "sitemap"
}

// Validate checks sitemap_url, max_urls_per_event and max_depth.
func (s *SitemapScanner) Validate(opts scanner.Options) error {
	if err := opts.Require("sitemap_url"); err != nil {
		return err
	}
	if _, err := url.Parse(opts.String("sitemap_url", "")); err != nil {
		return fmt.Errorf("%w: sitemap_url: %v", config.ErrInvalid, err)
	}
	if _, err := opts.Int("max_urls_per_event", defaultSitemapURLs); err != nil {
		return err
	}
	_, err := opts.Int("max_depth", defaultSitemapDepth)
	return err
}

// sitemapDoc decodes both <urlset> and <sitemapindex> roots.
type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []sitemapRef `xml:"sitemap"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
	News    struct {
		Title           string `xml:"title"`
		PublicationDate string `xml:"publication_date"`
	} `xml:"news"`
}

type sitemapRef struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// Discover yields at most max_urls_per_event entries for the window.
func (s *SitemapScanner) Discover(ctx context.Context, req scanner.Request) iter.Seq[domain.CandidateLink] {
	return func(yield func(domain.CandidateLink) bool) {
		limit, _ := req.Options.Int("max_urls_per_event", defaultSitemapURLs)
		depth, _ := req.Options.Int("max_depth", defaultSitemapDepth)

		w := &sitemapWalk{
			scanner: s,
			req:     req,
			yield:   yield,
			limit:   limit,
			visited: map[string]struct{}{},
		}
		w.visit(ctx, req.Options.String("sitemap_url", ""), depth)
	}
}

type sitemapWalk struct {
	scanner *SitemapScanner
	req     scanner.Request
	yield   func(domain.CandidateLink) bool
	limit   int
	emitted int
	visited map[string]struct{}
	stopped bool
}

func (w *sitemapWalk) visit(ctx context.Context, sitemapURL string, depth int) {
	if w.stopped || ctx.Err() != nil {
		return
	}
	if _, ok := w.visited[sitemapURL]; ok {
		return
	}
	w.visited[sitemapURL] = struct{}{}

	doc, ok := w.load(ctx, sitemapURL)
	if !ok {
		return
	}
	baseURL, err := url.Parse(sitemapURL)
	if err != nil {
		return
	}
	loc := w.req.Loc()

	for _, entry := range doc.URLs {
		raw := entry.News.PublicationDate
		if parseTime(raw, loc) == nil {
			raw = entry.LastMod
		}
		published, inWindow := withinWindow(raw, w.req.Window, loc)
		if !inWindow {
			continue
		}
		abs, ok := resolve(baseURL, entry.Loc)
		if !ok {
			continue
		}
		link := domain.CandidateLink{
			URL:         abs,
			Title:       strings.TrimSpace(entry.News.Title),
			PublishedAt: published,
		}
		if !w.req.Rules.Allowed(link.URL) {
			continue
		}
		if !offer(w.req, w.yield, link) {
			w.stopped = true
			return
		}
		w.emitted++
		if w.emitted >= w.limit {
			w.stopped = true
			return
		}
	}

	if depth <= 0 {
		return
	}
	for _, child := range doc.Sitemaps {
		// a child modified before the window started cannot list newer pages
		if t := parseTime(child.LastMod, loc); t != nil && t.Before(w.req.Window.Start) && !dayOverlaps(*t, w.req.Window, loc) {
			continue
		}
		abs, ok := resolve(baseURL, child.Loc)
		if !ok {
			continue
		}
		w.visit(ctx, abs, depth-1)
		if w.stopped {
			return
		}
	}
}

func (w *sitemapWalk) load(ctx context.Context, sitemapURL string) (sitemapDoc, bool) {
	body, ok := w.scanner.page(ctx, w.req.SiteName, sitemapURL)
	if !ok {
		return sitemapDoc{}, false
	}
	body, err := maybeGunzip(body)
	if err != nil {
		w.scanner.warn("sitemap gzip", "site", w.req.SiteName, "url", sitemapURL, "error", err)
		return sitemapDoc{}, false
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		w.scanner.warn("sitemap xml", "site", w.req.SiteName, "url", sitemapURL, "error", err)
		return sitemapDoc{}, false
	}
	w.scanner.debug("sitemap loaded", "site", w.req.SiteName, "url", sitemapURL, "urls", len(doc.URLs), "children", len(doc.Sitemaps))
	return doc, true
}
