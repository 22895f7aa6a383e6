package parser

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/scanner"
)

// RSSScanner reads an RSS or Atom feed and keeps items published in the window.
// Items without a date are kept for the window check after extraction.
type RSSScanner struct {
	base
}

// NewRSSScanner wires the page fetcher.
func NewRSSScanner(fetcher scanner.PageFetcher, logger *slog.Logger) *RSSScanner {
	return &RSSScanner{base{fetcher: fetcher, logger: logger}}
}

// Name identifies the strategy inside the registry.
func (r *RSSScanner) Name() string {
	return "rss"
}

// Validate checks feed_url.
func (r *RSSScanner) Validate(opts scanner.Options) error {
	if err := opts.Require("feed_url"); err != nil {
		return err
	}
	if _, err := url.Parse(opts.String("feed_url", "")); err != nil {
		return fmt.Errorf("%w: feed_url: %v", config.ErrInvalid, err)
	}
	return nil
}

// Discover yields feed items in feed order.
func (r *RSSScanner) Discover(ctx context.Context, req scanner.Request) iter.Seq[domain.CandidateLink] {
	return func(yield func(domain.CandidateLink) bool) {
		feedURL := req.Options.String("feed_url", "")
		baseURL, err := url.Parse(feedURL)
		if err != nil {
			return
		}
		body, ok := r.page(ctx, req.SiteName, feedURL)
		if !ok {
			return
		}

		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			r.warn("feed unparseable", "site", req.SiteName, "url", feedURL, "error", err)
			return
		}

		kept := 0
		for _, item := range feed.Items {
			if item == nil {
				continue
			}
			published := itemTime(item)
			if published != nil && !req.Window.Contains(*published) {
				continue
			}
			abs, ok := resolve(baseURL, item.Link)
			if !ok {
				continue
			}
			link := domain.CandidateLink{
				URL:         abs,
				Title:       strings.TrimSpace(item.Title),
				Summary:     plainText(item.Description),
				PublishedAt: published,
			}
			if !offer(req, yield, link) {
				return
			}
			kept++
		}
		r.debug("feed scanned", "site", req.SiteName, "items", len(feed.Items), "kept", kept)
	}
}

func itemTime(item *gofeed.Item) *time.Time {
	t := item.PublishedParsed
	if t == nil {
		t = item.UpdatedParsed
	}
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// plainText strips markup some feeds embed in descriptions.
func plainText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
