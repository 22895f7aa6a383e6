package parser

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/extractor"
	"KeyRateScanner/internal/scanner"
	"KeyRateScanner/internal/window"
)

const dateLayout = "2006-01-02"

// base holds what every strategy shares: the fetcher and a logger.
type base struct {
	fetcher scanner.PageFetcher
	logger  *slog.Logger
}

// page fetches a discovery page. An unreachable page is logged and reported as absent.
func (b base) page(ctx context.Context, site, rawURL string) ([]byte, bool) {
	res := b.fetcher.Fetch(ctx, rawURL)
	if !res.OK() {
		if res.Status != domain.FetchSkipped {
			b.warn("source page unavailable", "site", site, "url", rawURL, "status", res.Status, "error", res.Error)
		}
		return nil, false
	}
	return res.Body, true
}

func (b base) document(ctx context.Context, site, rawURL string) (*goquery.Document, bool) {
	body, ok := b.page(ctx, site, rawURL)
	if !ok {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		b.warn("source page unparseable", "site", site, "url", rawURL, "error", err)
		return nil, false
	}
	return doc, true
}

func (b base) warn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b base) debug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

// collectLinks returns the absolute links of a listing page in document order,
// one entry per URL. Anchor text fills in a title missing from an earlier anchor.
func collectLinks(doc *goquery.Document, pageURL string, keep func(string) bool) []domain.CandidateLink {
	baseURL, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var (
		links []domain.CandidateLink
		index = map[string]int{}
	)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs, ok := resolve(baseURL, href)
		if !ok || (keep != nil && !keep(abs)) {
			return
		}
		title := strings.Join(strings.Fields(a.Text()), " ")
		if i, seen := index[abs]; seen {
			if links[i].Title == "" {
				links[i].Title = title
			}
			return
		}
		index[abs] = len(links)
		links = append(links, domain.CandidateLink{URL: abs, Title: title})
	})
	return links
}

// resolve turns href into an absolute http(s) URL without fragment.
func resolve(baseURL *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := baseURL.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

// offer yields link when the source rules allow it; false means the consumer stopped.
func offer(req scanner.Request, yield func(domain.CandidateLink) bool, link domain.CandidateLink) bool {
	if !req.Rules.Allowed(link.URL) {
		return true
	}
	link.Source = req.SiteName
	return yield(link)
}

// parseTime reads a timestamp the way article pages are read.
func parseTime(raw string, loc *time.Location) *time.Time {
	return extractor.New(loc).ParseTime(raw)
}

// dateOnly reports whether raw carries a calendar day without a time of day.
func dateOnly(raw string) bool {
	_, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	return err == nil
}

// dayOverlaps reports whether the calendar day of t in loc intersects w.
func dayOverlaps(t time.Time, w window.Window, loc *time.Location) bool {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return !end.Before(w.Start) && !start.After(w.End)
}

// withinWindow keeps unknown dates; day-precision dates match by overlap.
func withinWindow(raw string, w window.Window, loc *time.Location) (*time.Time, bool) {
	t := parseTime(raw, loc)
	if t == nil {
		return nil, true
	}
	if dateOnly(raw) {
		return t, dayOverlaps(*t, w, loc)
	}
	return t, w.Contains(*t)
}

// maybeGunzip inflates gzip payloads, recognized by magic bytes.
func maybeGunzip(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, 64<<20))
}
