package domain

import "time"

// Event is a single key-rate decision read from the events table.
type Event struct {
	ID       string
	DateTime time.Time
	Decision string
	NewRate  *float64
}

// CandidateLink is a URL produced by a discovery source, with whatever
// metadata the origin supplied alongside it.
type CandidateLink struct {
	Source      string
	URL         string
	Title       string
	Summary     string
	PublishedAt *time.Time
}

// FetchStatus is the outcome of fetching a single URL.
type FetchStatus string

const (
	FetchOK      FetchStatus = "ok"
	FetchError   FetchStatus = "error"
	FetchSkipped FetchStatus = "skipped"
)

// FetchResult is written once per URL; Body is non-empty iff Status is FetchOK.
type FetchResult struct {
	URL          string
	CanonicalURL string
	Status       FetchStatus
	StatusCode   int
	Error        string
	FetchedAt    time.Time
	Body         []byte
	FromCache    bool
	Attempts     int
}

// OK reports whether the fetch produced a usable payload.
func (r FetchResult) OK() bool {
	return r.Status == FetchOK && len(r.Body) > 0
}

// ParseStatus is the outcome of structured extraction, independent of fetching.
type ParseStatus string

const (
	ParseOK      ParseStatus = "ok"
	ParsePartial ParseStatus = "partial"
	ParseFailed  ParseStatus = "failed"
)

// ExtractedDocument holds the structured fields pulled out of an HTML page.
type ExtractedDocument struct {
	Title       string
	PublishedAt *time.Time
	Text        string
	Summary     string
	ParseStatus ParseStatus
}

// SourceType separates the regulator's own publications from media coverage.
type SourceType string

const (
	SourceCBR   SourceType = "cbr"
	SourceMedia SourceType = "media"
)

// ArticleRecord is the terminal row emitted by the collector.
type ArticleRecord struct {
	DocID         string
	Source        string
	SourceType    SourceType
	URL           string
	CanonicalURL  string
	Title         string
	PublishedAt   *time.Time
	Text          string
	Summary       string
	EventID       string
	EventDateTime time.Time
	EventDecision string
	EventNewRate  *float64
	FetchStatus   FetchStatus
	ParseStatus   ParseStatus
	Relevant      bool
}

// Bind copies the event fields into the record.
func (r *ArticleRecord) Bind(event Event) {
	r.EventID = event.ID
	r.EventDateTime = event.DateTime
	r.EventDecision = event.Decision
	r.EventNewRate = event.NewRate
}

// SourceInfo names a configured discovery source and its kind.
type SourceInfo struct {
	Name string
	Type SourceType
}
