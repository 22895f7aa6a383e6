package parser

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/scanner"
)

const defaultArticlePattern = `/articles/\d{4}/\d{2}/\d{2}/`

// DatedArchiveScanner reads one archive index per calendar day of the window.
// archive_url carries {yyyy}, {mm} and {dd} placeholders.
type DatedArchiveScanner struct {
	base
}

// NewDatedArchiveScanner wires the page fetcher.
func NewDatedArchiveScanner(fetcher scanner.PageFetcher, logger *slog.Logger) *DatedArchiveScanner {
	return &DatedArchiveScanner{base{fetcher: fetcher, logger: logger}}
}

// Name identifies the strategy inside the registry.
func (d *DatedArchiveScanner) Name() string {
	return "dated_archive"
}

// Validate checks archive_url and article_regex.
func (d *DatedArchiveScanner) Validate(opts scanner.Options) error {
	if err := opts.Require("archive_url"); err != nil {
		return err
	}
	if !strings.Contains(opts.String("archive_url", ""), "{dd}") {
		return fmt.Errorf("%w: archive_url needs a {dd} placeholder", config.ErrInvalid)
	}
	_, err := articleRegex(opts)
	return err
}

// Discover yields article links from each day's archive page, oldest day first.
func (d *DatedArchiveScanner) Discover(ctx context.Context, req scanner.Request) iter.Seq[domain.CandidateLink] {
	return func(yield func(domain.CandidateLink) bool) {
		template := req.Options.String("archive_url", "")
		articleRe, err := articleRegex(req.Options)
		if err != nil {
			return
		}

		for _, day := range req.Window.Days(req.Loc()) {
			if ctx.Err() != nil {
				return
			}
			pageURL := expandArchiveURL(template, day)
			doc, ok := d.document(ctx, req.SiteName, pageURL)
			if !ok {
				continue
			}

			links := collectLinks(doc, pageURL, articleRe.MatchString)
			for _, link := range links {
				if !offer(req, yield, link) {
					return
				}
			}
			d.debug("archive day scanned", "site", req.SiteName, "day", day.Format(dateLayout), "candidates", len(links))
		}
	}
}

func articleRegex(opts scanner.Options) (*regexp.Regexp, error) {
	pattern := opts.String("article_regex", opts.String("allow_article_regex", defaultArticlePattern))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: article_regex: %v", config.ErrInvalid, err)
	}
	return re, nil
}

func expandArchiveURL(template string, day time.Time) string {
	return strings.NewReplacer(
		"{yyyy}", day.Format("2006"),
		"{mm}", day.Format("01"),
		"{dd}", day.Format("02"),
	).Replace(template)
}
