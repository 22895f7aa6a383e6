package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/scanner"
)

const (
	defaultSearchQuery = "ключевая ставка"
	defaultSearchPages = 5
	defaultPageSize    = 50
)

// SearchAPIScanner queries a JSON keyword-search endpoint for the window's
// date range and follows its nextPage cursor.
type SearchAPIScanner struct {
	base
}

// NewSearchAPIScanner wires the page fetcher.
func NewSearchAPIScanner(fetcher scanner.PageFetcher, logger *slog.Logger) *SearchAPIScanner {
	return &SearchAPIScanner{base{fetcher: fetcher, logger: logger}}
}

// Name identifies the strategy inside the registry.
func (s *SearchAPIScanner) Name() string {
	return "search_api"
}

// Validate checks search_url, max_pages and page_size.
func (s *SearchAPIScanner) Validate(opts scanner.Options) error {
	if err := opts.Require("search_url"); err != nil {
		return err
	}
	if _, err := url.Parse(opts.String("search_url", "")); err != nil {
		return fmt.Errorf("%w: search_url: %v", config.ErrInvalid, err)
	}
	if _, err := opts.Int("max_pages", defaultSearchPages); err != nil {
		return err
	}
	_, err := opts.Int("page_size", defaultPageSize)
	return err
}

type searchPayload struct {
	Docs     []searchDoc `json:"docs"`
	NextPage cursor      `json:"nextPage"`
}

type searchDoc struct {
	URL     string          `json:"url"`
	Title   string          `json:"title"`
	Summary string          `json:"summary"`
	Date    json.RawMessage `json:"date"`
}

// cursor accepts a page token sent either as a string or as a number.
type cursor string

func (c *cursor) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		*c = ""
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*c = cursor(s)
		return nil
	}
	*c = cursor(raw)
	return nil
}

// Discover yields search hits page by page until the cursor runs out or max_pages is reached.
func (s *SearchAPIScanner) Discover(ctx context.Context, req scanner.Request) iter.Seq[domain.CandidateLink] {
	return func(yield func(domain.CandidateLink) bool) {
		searchURL, err := url.Parse(req.Options.String("search_url", ""))
		if err != nil {
			return
		}
		maxPages, _ := req.Options.Int("max_pages", defaultSearchPages)
		pageSize, _ := req.Options.Int("page_size", defaultPageSize)
		loc := req.Loc()

		var next cursor
		for page := 0; page < maxPages; page++ {
			if ctx.Err() != nil {
				return
			}

			query := searchURL.Query()
			query.Set("format", "json")
			query.Set("q", req.Options.String("query", defaultSearchQuery))
			query.Set("pageSize", strconv.Itoa(pageSize))
			query.Set("df", req.Window.Start.In(loc).Format(dateLayout))
			query.Set("dt", req.Window.End.In(loc).Format(dateLayout))
			if next != "" {
				query.Set("nextPage", string(next))
			}
			pageURL := *searchURL
			pageURL.RawQuery = query.Encode()

			body, ok := s.page(ctx, req.SiteName, pageURL.String())
			if !ok {
				return
			}
			var payload searchPayload
			if err := json.Unmarshal(body, &payload); err != nil {
				s.warn("search response is not json", "site", req.SiteName, "url", pageURL.String(), "error", err)
				return
			}

			for _, doc := range payload.Docs {
				abs, ok := resolve(searchURL, doc.URL)
				if !ok {
					continue
				}
				link := domain.CandidateLink{
					URL:         abs,
					Title:       doc.Title,
					Summary:     doc.Summary,
					PublishedAt: searchDate(doc.Date, loc),
				}
				if !offer(req, yield, link) {
					return
				}
			}
			s.debug("search page scanned", "site", req.SiteName, "page", page+1, "docs", len(payload.Docs))

			next = payload.NextPage
			if next == "" {
				return
			}
		}
	}
}

// searchDate reads either a timestamp string or unix seconds.
func searchDate(raw json.RawMessage, loc *time.Location) *time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return parseTime(s, loc)
	}
	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}
