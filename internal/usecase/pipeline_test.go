package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/extractor"
	"KeyRateScanner/internal/logging"
	"KeyRateScanner/internal/relevance"
	"KeyRateScanner/internal/urlnorm"
	"KeyRateScanner/internal/window"
)

var msk = time.FixedZone("MSK", 3*60*60)

func event(id string, day, hour int) domain.Event {
	return domain.Event{ID: id, DateTime: time.Date(2024, 2, day, hour, 30, 0, 0, msk), Decision: "hold"}
}

func page(title, published string) string {
	meta := ""
	if published != "" {
		meta = fmt.Sprintf(`<meta property="article:published_time" content="%s">`, published)
	}
	return fmt.Sprintf(`<html><head><title>%s</title>%s</head><body><article><p>%s</p></article></body></html>`, title, meta, title)
}

const (
	relevantTitle   = "Банк России сохранил ключевую ставку на уровне 16%"
	irrelevantTitle = "Курс рубля на бирже вырос"
)

type fakeSource struct {
	infos  []domain.SourceInfo
	links  map[string][]domain.CandidateLink
	panics map[string]bool
}

func (f *fakeSource) Sources() []domain.SourceInfo { return f.infos }

func (f *fakeSource) Discover(_ context.Context, source string, _ window.Window) iter.Seq[domain.CandidateLink] {
	return func(yield func(domain.CandidateLink) bool) {
		if f.panics[source] {
			panic("discovery exploded")
		}
		for _, link := range f.links[source] {
			if !yield(link) {
				return
			}
		}
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	calls   []string
	onFetch func(rawURL string)
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) domain.FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(rawURL)
	}

	canonical, err := urlnorm.Canonicalize(rawURL)
	if err != nil {
		return domain.FetchResult{URL: rawURL, Status: domain.FetchError, Error: "malformed_url"}
	}
	body, ok := f.pages[canonical]
	if !ok {
		return domain.FetchResult{URL: rawURL, CanonicalURL: canonical, Status: domain.FetchError, StatusCode: 404, Error: "http 404"}
	}
	return domain.FetchResult{URL: rawURL, CanonicalURL: canonical, Status: domain.FetchOK, StatusCode: 200, Body: []byte(body)}
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memorySink struct {
	records []domain.ArticleRecord
	closed  bool
}

func (m *memorySink) Write(_ context.Context, records []domain.ArticleRecord) error {
	m.records = append(m.records, records...)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

type fakeRepo struct {
	stored map[string]bool
	saved  []domain.ArticleRecord
}

func (r *fakeRepo) AlreadyStored(_ context.Context, urls []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, u := range urls {
		if r.stored[u] {
			out[u] = true
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveArticles(_ context.Context, records []domain.ArticleRecord) error {
	r.saved = append(r.saved, records...)
	return nil
}

func newTestPipeline(t *testing.T, src *fakeSource, fetch *fakeFetcher, opts PipelineOptions, repo *fakeRepo) *Pipeline {
	t.Helper()

	filter, err := relevance.New(config.Default().Relevance)
	require.NoError(t, err)
	if opts.Offsets == (window.Offsets{}) {
		opts.Offsets = window.DefaultOffsets
	}

	deps := PipelineDeps{
		Source:    src,
		Fetcher:   fetch,
		Extractor: extractor.New(msk),
		Relevance: filter,
		Logger:    logging.Discard(),
	}
	if repo != nil {
		deps.Repository = repo
	}
	return NewPipeline(deps, opts)
}

func media(names ...string) []domain.SourceInfo {
	infos := make([]domain.SourceInfo, len(names))
	for i, n := range names {
		infos[i] = domain.SourceInfo{Name: n, Type: domain.SourceMedia}
	}
	return infos
}

func link(url string) domain.CandidateLink {
	return domain.CandidateLink{URL: url}
}

func TestCollectDropsTrackingDuplicates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		infos: media("rt"),
		links: map[string][]domain.CandidateLink{"rt": {
			link("https://example.ru/news/1?utm_source=telegram"),
			link("https://example.ru/news/1/"),
		}},
	}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.ru/news/1": page(relevantTitle, "2024-02-16T14:00:00+03:00"),
	}}

	res, err := newTestPipeline(t, src, fetch, PipelineOptions{}, nil).Collect(context.Background(), []domain.Event{event("e1", 16, 13)})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "https://example.ru/news/1?utm_source=telegram", rec.URL, "first discovered wins")
	assert.Equal(t, "https://example.ru/news/1", rec.CanonicalURL)
	assert.Equal(t, urlnorm.DocID("https://example.ru/news/1"), rec.DocID)
	assert.Equal(t, "e1", rec.EventID)
	assert.True(t, rec.Relevant)
	assert.Equal(t, domain.FetchOK, rec.FetchStatus)
	assert.Equal(t, domain.ParseOK, rec.ParseStatus)
	assert.Equal(t, domain.SourceMedia, rec.SourceType)

	assert.Equal(t, 1, res.Summary.Duplicates)
	assert.Equal(t, 1, res.Summary.Emitted)
	assert.Len(t, fetch.Calls(), 1)
}

func TestCollectBindsNearestEventAcrossUnits(t *testing.T) {
	t.Parallel()

	links := []domain.CandidateLink{link("https://example.ru/a"), link("https://example.ru/b")}
	src := &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": links}}
	fetch := &fakeFetcher{pages: map[string]string{
		// equidistant from both events
		"https://example.ru/a": page(relevantTitle, "2024-02-17T13:30:00+03:00"),
		"https://example.ru/b": page(relevantTitle, "2024-02-18T10:00:00+03:00"),
	}}
	events := []domain.Event{event("late", 18, 13), event("early", 16, 13)}

	res, err := newTestPipeline(t, src, fetch, PipelineOptions{Concurrency: 4}, nil).Collect(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	byURL := map[string]string{}
	for _, rec := range res.Records {
		byURL[rec.CanonicalURL] = rec.EventID
	}
	assert.Equal(t, "early", byURL["https://example.ru/a"])
	assert.Equal(t, "late", byURL["https://example.ru/b"])
	assert.Equal(t, 2, res.Summary.Duplicates, "the second unit rediscovers both links")
	assert.Equal(t, 2, res.Summary.Units)
}

func TestCollectMergeOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	shared := "https://example.ru/shared"
	for range 10 {
		src := &fakeSource{
			infos: media("first", "second"),
			links: map[string][]domain.CandidateLink{
				"first":  {link(shared)},
				"second": {link(shared + "?from=rss")},
			},
		}
		fetch := &fakeFetcher{pages: map[string]string{shared: page(relevantTitle, "2024-02-16T15:00:00+03:00")}}

		res, err := newTestPipeline(t, src, fetch, PipelineOptions{Concurrency: 4}, nil).Collect(context.Background(), []domain.Event{event("e1", 16, 13)})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "first", res.Records[0].Source)
	}
}

func TestCollectIrrelevantRows(t *testing.T) {
	t.Parallel()

	newSource := func() *fakeSource {
		return &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": {
			link("https://example.ru/rouble"),
			link("https://example.ru/rate"),
		}}}
	}
	pages := map[string]string{
		"https://example.ru/rouble": page(irrelevantTitle, "2024-02-16T15:00:00+03:00"),
		"https://example.ru/rate":   page(relevantTitle, "2024-02-16T15:00:00+03:00"),
	}
	events := []domain.Event{event("e1", 16, 13)}

	res, err := newTestPipeline(t, newSource(), &fakeFetcher{pages: pages}, PipelineOptions{}, nil).Collect(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "https://example.ru/rate", res.Records[0].CanonicalURL)
	assert.Equal(t, 1, res.Summary.Irrelevant)

	res, err = newTestPipeline(t, newSource(), &fakeFetcher{pages: pages}, PipelineOptions{KeepIrrelevant: true}, nil).Collect(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.False(t, res.Records[0].Relevant)
	assert.True(t, res.Records[1].Relevant)
}

func TestCollectDropsUnassignable(t *testing.T) {
	t.Parallel()

	src := &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": {
		link("https://example.ru/undated"),
		link("https://example.ru/old"),
		link("https://example.ru/edge"),
		link("https://example.ru/before-edge"),
	}}}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.ru/undated":     page(relevantTitle, ""),
		"https://example.ru/old":         page(relevantTitle, "2024-01-10T12:00:00+03:00"),
		"https://example.ru/edge":        page(relevantTitle, "2024-02-15T13:30:00+03:00"),
		"https://example.ru/before-edge": page(relevantTitle, "2024-02-15T13:29:59+03:00"),
	}}

	res, err := newTestPipeline(t, src, fetch, PipelineOptions{}, nil).Collect(context.Background(), []domain.Event{event("e1", 16, 13)})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "https://example.ru/edge", res.Records[0].CanonicalURL)
	assert.Equal(t, 3, res.Summary.Unassigned)
}

func TestCollectUsesCandidateMetadata(t *testing.T) {
	t.Parallel()

	published := time.Date(2024, 2, 16, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": {{
		URL:         "https://example.ru/feed-item",
		Title:       relevantTitle,
		Summary:     "Краткое описание",
		PublishedAt: &published,
	}}}}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.ru/feed-item": `<html><body><article><p>Подробности позже.</p></article></body></html>`,
	}}

	res, err := newTestPipeline(t, src, fetch, PipelineOptions{}, nil).Collect(context.Background(), []domain.Event{event("e1", 16, 13)})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, relevantTitle, res.Records[0].Title)
	assert.Equal(t, "Краткое описание", res.Records[0].Summary)
	assert.Equal(t, published, *res.Records[0].PublishedAt)
}

func TestCollectFetchErrorDoesNotStopSource(t *testing.T) {
	t.Parallel()

	published := time.Date(2024, 2, 16, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": {
		{URL: "https://example.ru/missing", Title: irrelevantTitle, PublishedAt: &published},
		link("https://example.ru/ok"),
	}}}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.ru/ok": page(relevantTitle, "2024-02-16T15:00:00+03:00"),
	}}

	res, err := newTestPipeline(t, src, fetch, PipelineOptions{KeepIrrelevant: true}, nil).Collect(context.Background(), []domain.Event{event("e1", 16, 13)})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	failed := res.Records[0]
	assert.Equal(t, domain.FetchError, failed.FetchStatus)
	assert.Equal(t, domain.ParseFailed, failed.ParseStatus)
	assert.False(t, failed.Relevant)
	assert.Empty(t, failed.Text)

	assert.Equal(t, 1, res.Summary.Fetch[domain.FetchError])
	assert.Equal(t, 1, res.Summary.Fetch[domain.FetchOK])
}

func TestCollectIsolatesPanickingUnit(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		infos:  media("broken", "rt"),
		links:  map[string][]domain.CandidateLink{"rt": {link("https://example.ru/ok")}},
		panics: map[string]bool{"broken": true},
	}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.ru/ok": page(relevantTitle, "2024-02-16T15:00:00+03:00"),
	}}

	res, err := newTestPipeline(t, src, fetch, PipelineOptions{Concurrency: 2}, nil).Collect(context.Background(), []domain.Event{event("e1", 16, 13)})
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, 1, res.Summary.FailedUnits)
	assert.Equal(t, 2, res.Summary.Units)
}

func TestRunFlushesPartialOutputOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": {
		link("https://example.ru/1"),
		link("https://example.ru/2"),
		link("https://example.ru/3"),
	}}}
	fetch := &fakeFetcher{
		pages: map[string]string{
			"https://example.ru/1": page(relevantTitle, "2024-02-16T15:00:00+03:00"),
			"https://example.ru/2": page(relevantTitle, "2024-02-16T15:00:00+03:00"),
			"https://example.ru/3": page(relevantTitle, "2024-02-16T15:00:00+03:00"),
		},
		onFetch: func(string) { cancel() },
	}
	sink := &memorySink{}

	events := []domain.Event{event("e1", 16, 13), event("e2", 20, 13)}
	res, err := newTestPipeline(t, src, fetch, PipelineOptions{Concurrency: 1}, nil).Run(ctx, events, sink)
	require.ErrorIs(t, err, context.Canceled)

	assert.True(t, res.Summary.Cancelled)
	assert.Len(t, fetch.Calls(), 1, "no fetch starts after cancellation")
	require.Len(t, sink.records, 1, "in-flight fetch completes and is flushed")
	assert.Equal(t, "https://example.ru/1", sink.records[0].CanonicalURL)
}

func TestCollectResumeAndPersist(t *testing.T) {
	t.Parallel()

	src := &fakeSource{infos: media("rt"), links: map[string][]domain.CandidateLink{"rt": {
		link("https://example.ru/stored/"),
		link("https://example.ru/new"),
	}}}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.ru/stored": page(relevantTitle, "2024-02-16T15:00:00+03:00"),
		"https://example.ru/new":    page(relevantTitle, "2024-02-16T15:00:00+03:00"),
	}}
	repo := &fakeRepo{stored: map[string]bool{"https://example.ru/stored": true}}

	p := newTestPipeline(t, src, fetch, PipelineOptions{Resume: true, Persist: true}, repo)
	res, err := p.Run(context.Background(), []domain.Event{event("e1", 16, 13)}, nil)
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "https://example.ru/new", res.Records[0].CanonicalURL)
	assert.Equal(t, 1, res.Summary.AlreadyStored)
	assert.Equal(t, []string{"https://example.ru/new"}, fetch.Calls())
	assert.Len(t, repo.saved, 1)
}

func TestCollectWithoutEvents(t *testing.T) {
	t.Parallel()

	res, err := newTestPipeline(t, &fakeSource{infos: media("rt")}, &fakeFetcher{}, PipelineOptions{}, nil).Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

type failingSink struct{ memorySink }

func (f *failingSink) Write(context.Context, []domain.ArticleRecord) error {
	return errors.New("disk full")
}

func TestRunReportsSinkError(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeSource{infos: media("rt")}, &fakeFetcher{}, PipelineOptions{}, nil)
	_, err := p.Run(context.Background(), []domain.Event{event("e1", 16, 13)}, &failingSink{})
	assert.ErrorContains(t, err, "disk full")
}
