package parser

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/ports"
	"KeyRateScanner/internal/scanner"
	"KeyRateScanner/internal/window"
)

// NewRegistry registers every discovery strategy shipped with the collector.
func NewRegistry(fetcher scanner.PageFetcher, logger *slog.Logger) *scanner.Registry {
	reg := scanner.NewRegistry()
	reg.Register(NewSearchAPIScanner(fetcher, logger))
	reg.Register(NewTagArchiveScanner(fetcher, logger))
	reg.Register(NewDatedArchiveScanner(fetcher, logger))
	reg.Register(NewSitemapScanner(fetcher, logger))
	reg.Register(NewRSSScanner(fetcher, logger))
	return reg
}

type boundSource struct {
	info     domain.SourceInfo
	strategy scanner.Scanner
	options  scanner.Options
	rules    *scanner.Rules
}

// StrategySource implements CandidateSource via registered scanner strategies.
type StrategySource struct {
	sources []boundSource
	byName  map[string]int
	loc     *time.Location
	logger  *slog.Logger
}

var _ ports.CandidateSource = (*StrategySource)(nil)

// NewStrategySource binds every configured site to its strategy. Unknown
// strategies, bad options and bad URL rules are configuration errors.
func NewStrategySource(reg *scanner.Registry, sites []config.SourceConfig, loc *time.Location, log *slog.Logger) (*StrategySource, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: scanner registry is not configured", config.ErrInvalid)
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &StrategySource{
		byName: map[string]int{},
		loc:    loc,
		logger: log,
	}
	for _, site := range sites {
		strategy, err := reg.Resolve(site.Scanner)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}
		opts := scanner.Options(site.Options)
		if err := strategy.Validate(opts); err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}
		rules, err := scanner.NewRules(site.AllowDomains, site.AllowRegex, site.DenyRegex)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}

		sourceType := domain.SourceType(site.SourceType)
		if sourceType == "" {
			sourceType = domain.SourceMedia
		}
		s.byName[site.Name] = len(s.sources)
		s.sources = append(s.sources, boundSource{
			info:     domain.SourceInfo{Name: site.Name, Type: sourceType},
			strategy: strategy,
			options:  opts,
			rules:    rules,
		})
	}
	return s, nil
}

// Sources lists the bound sources in configuration order.
func (s *StrategySource) Sources() []domain.SourceInfo {
	out := make([]domain.SourceInfo, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.info)
	}
	return out
}

// Discover runs one source's strategy for a single event window.
func (s *StrategySource) Discover(ctx context.Context, source string, w window.Window) iter.Seq[domain.CandidateLink] {
	idx, ok := s.byName[source]
	if !ok {
		s.warn("unknown source requested", "source", source)
		return func(func(domain.CandidateLink) bool) {}
	}
	src := s.sources[idx]

	req := scanner.Request{
		Window:   w,
		SiteName: src.info.Name,
		Options:  src.options,
		Rules:    src.rules,
		Location: s.loc,
	}

	return func(yield func(domain.CandidateLink) bool) {
		s.debug("discover", "site", source, "scanner", src.strategy.Name(), "start", w.Start, "end", w.End)
		count := 0
		for link := range src.strategy.Discover(ctx, req) {
			if link.Source == "" {
				link.Source = source
			}
			count++
			if !yield(link) {
				return
			}
		}
		s.debug("site produced candidates", "site", source, "count", count)
	}
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *StrategySource) warn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
