package parser

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/scanner"
	"KeyRateScanner/internal/window"
)

const (
	defaultTagPages       = 3
	defaultPageParam      = "page"
	defaultURLDatePattern = `/(\d{4})/(\d{2})/(\d{2})/`
)

// TagArchiveScanner walks a paginated tag listing, newest first, and stops
// once a page holds nothing newer than the window.
type TagArchiveScanner struct {
	base
}

// NewTagArchiveScanner wires the page fetcher.
func NewTagArchiveScanner(fetcher scanner.PageFetcher, logger *slog.Logger) *TagArchiveScanner {
	return &TagArchiveScanner{base{fetcher: fetcher, logger: logger}}
}

// Name identifies the strategy inside the registry.
func (t *TagArchiveScanner) Name() string {
	return "tag_archive"
}

// Validate checks tag_url, max_pages and date_regex.
func (t *TagArchiveScanner) Validate(opts scanner.Options) error {
	if err := opts.Require("tag_url"); err != nil {
		return err
	}
	if _, err := url.Parse(opts.String("tag_url", "")); err != nil {
		return fmt.Errorf("%w: tag_url: %v", config.ErrInvalid, err)
	}
	if _, err := opts.Int("max_pages", defaultTagPages); err != nil {
		return err
	}
	_, err := urlDateRegex(opts)
	return err
}

// Discover yields article links from the listing pages for the request window.
func (t *TagArchiveScanner) Discover(ctx context.Context, req scanner.Request) iter.Seq[domain.CandidateLink] {
	return func(yield func(domain.CandidateLink) bool) {
		tagURL := req.Options.String("tag_url", "")
		maxPages, _ := req.Options.Int("max_pages", defaultTagPages)
		dateRe, err := urlDateRegex(req.Options)
		if err != nil {
			return
		}
		param := req.Options.String("page_param", defaultPageParam)

		for page := 1; page <= maxPages; page++ {
			if ctx.Err() != nil {
				return
			}
			pageURL, err := buildPageURL(tagURL, param, page)
			if err != nil {
				t.warn("tag page url", "site", req.SiteName, "error", err)
				return
			}

			doc, ok := t.document(ctx, req.SiteName, pageURL)
			if !ok {
				continue
			}

			entries, shouldContinue := t.extractEntries(doc, pageURL, dateRe, req.Window, req.Loc())
			for _, entry := range entries {
				if !offer(req, yield, entry) {
					return
				}
			}
			t.debug("tag page scanned", "site", req.SiteName, "page", page, "candidates", len(entries))

			if !shouldContinue {
				return
			}
		}
	}
}

// extractEntries keeps links whose URL date overlaps the window (or carries no
// date). It reports false when every dated link on the page predates the window.
func (t *TagArchiveScanner) extractEntries(doc *goquery.Document, pageURL string, dateRe *regexp.Regexp, w window.Window, loc *time.Location) ([]domain.CandidateLink, bool) {
	links := collectLinks(doc, pageURL, nil)
	if len(links) == 0 {
		return nil, false
	}

	var (
		collected []domain.CandidateLink
		dated     int
		older     int
	)
	for _, link := range links {
		day, ok := dateFromURL(link.URL, dateRe, loc)
		if !ok {
			collected = append(collected, link)
			continue
		}
		dated++
		if dayOverlaps(day, w, loc) {
			collected = append(collected, link)
			continue
		}
		if day.Before(w.Start) {
			older++
		}
	}

	return collected, dated == 0 || older < dated
}

// dateFromURL reads a yyyy/mm/dd path fragment as a day in loc.
func dateFromURL(rawURL string, re *regexp.Regexp, loc *time.Location) (time.Time, bool) {
	m := re.FindStringSubmatch(rawURL)
	if len(m) < 4 {
		return time.Time{}, false
	}
	year, errY := strconv.Atoi(m[1])
	month, errM := strconv.Atoi(m[2])
	day, errD := strconv.Atoi(m[3])
	if errY != nil || errM != nil || errD != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc), true
}

func urlDateRegex(opts scanner.Options) (*regexp.Regexp, error) {
	re, err := regexp.Compile(opts.String("date_regex", defaultURLDatePattern))
	if err != nil {
		return nil, fmt.Errorf("%w: date_regex: %v", config.ErrInvalid, err)
	}
	if re.NumSubexp() < 3 {
		return nil, fmt.Errorf("%w: date_regex needs year, month and day groups", config.ErrInvalid)
	}
	return re, nil
}

// buildPageURL leaves the first page untouched and sets param=N on the rest.
func buildPageURL(tagURL, param string, page int) (string, error) {
	parsed, err := url.Parse(tagURL)
	if err != nil {
		return "", fmt.Errorf("invalid tag url %s: %w", tagURL, err)
	}
	if page <= 1 {
		return parsed.String(), nil
	}

	query := parsed.Query()
	query.Set(param, strconv.Itoa(page))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
