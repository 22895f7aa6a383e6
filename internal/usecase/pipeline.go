package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"golang.org/x/sync/errgroup"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/metrics"
	"KeyRateScanner/internal/ports"
	"KeyRateScanner/internal/urlnorm"
	"KeyRateScanner/internal/window"
)

// PipelineDeps wires all driven adapters into the collection pipeline.
type PipelineDeps struct {
	Source     ports.CandidateSource
	Fetcher    ports.Fetcher
	Extractor  ports.Extractor
	Relevance  ports.RelevanceFilter
	Repository ports.ArticleRepository
	Observer   ports.RunObserver
	Logger     *slog.Logger
}

// PipelineOptions tunes a run.
type PipelineOptions struct {
	Offsets     window.Offsets
	Concurrency int
	// KeepIrrelevant retains rows that fail the relevance filter, flagged relevance=false.
	KeepIrrelevant bool
	// Resume skips candidates whose canonical URL the repository already holds.
	Resume bool
	// Persist saves emitted records to the repository.
	Persist bool
}

// Pipeline implements the key-rate collection workflow.
type Pipeline struct {
	source     ports.CandidateSource
	fetcher    ports.Fetcher
	extractor  ports.Extractor
	relevance  ports.RelevanceFilter
	repository ports.ArticleRepository
	observer   ports.RunObserver
	logger     *slog.Logger
	opts       PipelineOptions
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps, opts PipelineOptions) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		source:     deps.Source,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		relevance:  deps.Relevance,
		repository: deps.Repository,
		observer:   deps.Observer,
		logger:     deps.Logger.With("component", "pipeline"),
		opts:       opts,
	}
}

// Result is the merged outcome of a run.
type Result struct {
	Records []domain.ArticleRecord
	Summary Summary
}

// unit is one (event, source) pair.
type unit struct {
	event  domain.Event
	source domain.SourceInfo
}

type unitResult struct {
	records []domain.ArticleRecord
	summary Summary
	ran     bool
}

// Collect runs every (event, source) unit and merges their records in
// (event, source, discovery) order, keeping the first record per canonical URL.
// When ctx is cancelled no new units or fetches start; the records completed
// so far are returned together with ctx's error.
func (p *Pipeline) Collect(ctx context.Context, events []domain.Event) (Result, error) {
	summary := newSummary()
	if p.source == nil || p.fetcher == nil || len(events) == 0 {
		return Result{Summary: summary}, nil
	}

	ordered := append([]domain.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DateTime.Before(ordered[j].DateTime)
	})
	assigner := window.NewAssigner(ordered, p.opts.Offsets)

	sources := p.source.Sources()
	units := make([]unit, 0, len(ordered)*len(sources))
	for _, event := range ordered {
		for _, src := range sources {
			units = append(units, unit{event: event, source: src})
		}
	}

	results := make([]unitResult, len(units))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, u := range units {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = p.runUnit(ctx, assigner, u)
			return nil
		})
	}
	_ = g.Wait()

	summary.Events = len(ordered)
	dedup := window.NewDeduper()
	var records []domain.ArticleRecord
	for _, res := range results {
		if !res.ran {
			continue
		}
		summary.add(res.summary)
		for _, rec := range res.records {
			if !dedup.Claim(rec.CanonicalURL) {
				summary.Duplicates++
				p.observer.Recorded(metrics.OutcomeDuplicate)
				continue
			}
			records = append(records, rec)
			summary.Emitted++
			p.observer.Recorded(metrics.OutcomeEmitted)
		}
	}

	err := ctx.Err()
	summary.Cancelled = err != nil
	p.logger.Info("collection finished", summary.attrs()...)
	return Result{Records: records, Summary: summary}, err
}

// Run collects and flushes the records to sink and, when persisting, to the
// repository. Partial output of a cancelled run is flushed as well.
func (p *Pipeline) Run(ctx context.Context, events []domain.Event, sink ports.ArticleSink) (Result, error) {
	res, err := p.Collect(ctx, events)

	flushCtx := context.WithoutCancel(ctx)
	if sink != nil {
		if werr := sink.Write(flushCtx, res.Records); werr != nil {
			err = errors.Join(err, fmt.Errorf("write records: %w", werr))
		}
	}
	if p.opts.Persist && p.repository != nil && len(res.Records) > 0 {
		if serr := p.repository.SaveArticles(flushCtx, res.Records); serr != nil {
			err = errors.Join(err, fmt.Errorf("save records: %w", serr))
		}
	}
	return res, err
}

func (p *Pipeline) runUnit(ctx context.Context, assigner *window.Assigner, u unit) (res unitResult) {
	res.ran = true
	res.summary = newSummary()
	res.summary.Units = 1
	logger := p.logger.With("event", u.event.ID, "source", u.source.Name)

	defer func() {
		if r := recover(); r != nil {
			res.summary.FailedUnits++
			logger.Error("unit panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	w := assigner.Window(u.event)
	var candidates []domain.CandidateLink
	for link := range p.source.Discover(ctx, u.source.Name, w) {
		if ctx.Err() != nil {
			break
		}
		link.Source = u.source.Name
		candidates = append(candidates, link)
		res.summary.Discovered[u.source.Name]++
		p.observer.Discovered(u.source.Name)
	}
	logger.Debug("discovery done", "candidates", len(candidates))

	canonicals := make([]string, len(candidates))
	for i, c := range candidates {
		canonicals[i] = urlnorm.MustCanonicalize(c.URL)
	}
	stored := p.alreadyStored(ctx, logger, canonicals)

	seen := make(map[string]bool, len(candidates))
	for i, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		canonical := canonicals[i]
		if seen[canonical] {
			res.summary.Duplicates++
			p.observer.Recorded(metrics.OutcomeDuplicate)
			continue
		}
		seen[canonical] = true

		if stored[canonical] {
			res.summary.AlreadyStored++
			p.observer.Recorded(metrics.OutcomeStored)
			continue
		}

		out := p.process(ctx, logger, assigner, u.source, cand, canonical)
		if out.cancelled {
			break
		}
		res.summary.Fetch[out.fetch]++
		res.summary.Parse[out.parse]++
		if out.outcome != "" {
			res.summary.count(out.outcome)
			p.observer.Recorded(out.outcome)
			continue
		}
		if !out.record.Relevant {
			res.summary.Irrelevant++
		}
		res.records = append(res.records, out.record)
	}
	return res
}

// candidateOutcome is what became of one candidate. A non-empty outcome
// means the candidate was dropped for that reason.
type candidateOutcome struct {
	record    domain.ArticleRecord
	fetch     domain.FetchStatus
	parse     domain.ParseStatus
	outcome   string
	cancelled bool
}

func (p *Pipeline) process(
	ctx context.Context,
	logger *slog.Logger,
	assigner *window.Assigner,
	src domain.SourceInfo,
	cand domain.CandidateLink,
	canonical string,
) candidateOutcome {
	fetched := p.fetcher.Fetch(ctx, cand.URL)
	if ctx.Err() != nil && !fetched.OK() {
		return candidateOutcome{cancelled: true}
	}
	p.observer.Fetched(fetched.Status)
	if fetched.CanonicalURL != "" {
		canonical = fetched.CanonicalURL
	}

	doc := domain.ExtractedDocument{ParseStatus: domain.ParseFailed}
	if fetched.OK() && p.extractor != nil {
		doc = p.extractor.Extract(fetched.Body, cand.URL)
	} else if fetched.Status != domain.FetchOK {
		logger.Warn("fetch failed", "url", cand.URL, "status", fetched.Status, "error", fetched.Error)
	}
	p.observer.Parsed(doc.ParseStatus)
	out := candidateOutcome{fetch: fetched.Status, parse: doc.ParseStatus}

	// the page wins for title and date, the discovery endpoint for the summary
	if doc.Title == "" {
		doc.Title = cand.Title
	}
	if cand.Summary != "" {
		doc.Summary = cand.Summary
	}
	if doc.PublishedAt == nil {
		doc.PublishedAt = cand.PublishedAt
	}

	relevant := p.relevance != nil && p.relevance.IsRelevant(doc)
	if !relevant && !p.opts.KeepIrrelevant {
		out.outcome = metrics.OutcomeIrrelevant
		return out
	}

	event, assigned := assigner.Assign(doc.PublishedAt)
	if !assigned {
		logger.Debug("no event window for document", "url", cand.URL, "published_at", doc.PublishedAt)
		out.outcome = metrics.OutcomeUnassigned
		return out
	}

	out.record = domain.ArticleRecord{
		DocID:        urlnorm.DocID(canonical),
		Source:       src.Name,
		SourceType:   src.Type,
		URL:          cand.URL,
		CanonicalURL: canonical,
		Title:        doc.Title,
		PublishedAt:  doc.PublishedAt,
		Text:         doc.Text,
		Summary:      doc.Summary,
		FetchStatus:  fetched.Status,
		ParseStatus:  doc.ParseStatus,
		Relevant:     relevant,
	}
	if out.record.SourceType == "" {
		out.record.SourceType = domain.SourceMedia
	}
	out.record.Bind(event)
	return out
}

func (p *Pipeline) alreadyStored(ctx context.Context, logger *slog.Logger, canonicals []string) map[string]bool {
	if !p.opts.Resume || p.repository == nil || len(canonicals) == 0 {
		return nil
	}
	stored, err := p.repository.AlreadyStored(ctx, canonicals)
	if err != nil {
		logger.Warn("resume lookup failed, processing all candidates", "error", err)
		return nil
	}
	return stored
}

type nopObserver struct{}

func (nopObserver) Discovered(string)          {}
func (nopObserver) Fetched(domain.FetchStatus) {}
func (nopObserver) Parsed(domain.ParseStatus)  {}
func (nopObserver) Recorded(string)            {}
