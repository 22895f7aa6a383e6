package ports

import (
	"context"
	"iter"
	"time"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/window"
)

// CandidateSource discovers candidate links per configured source and event window.
type CandidateSource interface {
	Sources() []domain.SourceInfo
	Discover(ctx context.Context, source string, w window.Window) iter.Seq[domain.CandidateLink]
}

// Fetcher downloads a URL; failures are reported in the result, never as errors.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) domain.FetchResult
}

// Extractor turns a fetched page into structured fields.
type Extractor interface {
	Extract(body []byte, pageURL string) domain.ExtractedDocument
}

// RelevanceFilter judges whether a document is about a key-rate decision.
type RelevanceFilter interface {
	IsRelevant(doc domain.ExtractedDocument) bool
}

// ArticleSink receives the final records of a run.
type ArticleSink interface {
	Write(ctx context.Context, records []domain.ArticleRecord) error
	Close() error
}

// ArticleRepository persists records across runs for resume/deduplication.
type ArticleRepository interface {
	AlreadyStored(ctx context.Context, canonicalURLs []string) (map[string]bool, error)
	SaveArticles(ctx context.Context, records []domain.ArticleRecord) error
}

// RunObserver receives per-run counters.
type RunObserver interface {
	Discovered(source string)
	Fetched(status domain.FetchStatus)
	Parsed(status domain.ParseStatus)
	Recorded(outcome string)
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
