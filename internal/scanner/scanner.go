package scanner

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/window"
)

// PageFetcher is the fetch capability discovery plugins need. Discovery pages
// go through the same cache, pacing and retries as articles.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) domain.FetchResult
}

// Options are the free-form per-source settings from config.
type Options map[string]string

// String returns the trimmed value of key or def when absent.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Int parses key as a positive integer, falling back to def when absent.
func (o Options) Int(key string, def int) (int, error) {
	raw := o.String(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: option %s must be a positive integer, got %q", config.ErrInvalid, key, raw)
	}
	return n, nil
}

// Require fails when any of keys is missing.
func (o Options) Require(keys ...string) error {
	for _, key := range keys {
		if o.String(key, "") == "" {
			return fmt.Errorf("%w: option %s is required", config.ErrInvalid, key)
		}
	}
	return nil
}

// Rules restrict which discovered URLs a source may yield.
type Rules struct {
	domains []string
	allow   []*regexp.Regexp
	deny    []*regexp.Regexp
}

// NewRules compiles the allow/deny lists. Empty lists impose no restriction.
func NewRules(allowDomains, allowRegex, denyRegex []string) (*Rules, error) {
	r := &Rules{}
	for _, d := range allowDomains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			r.domains = append(r.domains, d)
		}
	}
	var err error
	if r.allow, err = compileAll(allowRegex); err != nil {
		return nil, err
	}
	if r.deny, err = compileAll(denyRegex); err != nil {
		return nil, err
	}
	return r, nil
}

// Allowed reports whether rawURL is an absolute http(s) URL that passes the rules.
func (r *Rules) Allowed(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}
	if r == nil {
		return true
	}

	if len(r.domains) > 0 && !r.domainAllowed(strings.ToLower(parsed.Hostname())) {
		return false
	}
	if len(r.allow) > 0 && !matchAny(r.allow, rawURL) {
		return false
	}
	return !matchAny(r.deny, rawURL)
}

func (r *Rules) domainAllowed(host string) bool {
	host = strings.TrimPrefix(host, "www.")
	for _, d := range r.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: url rule %q: %v", config.ErrInvalid, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Request carries all parameters required to discover candidates for one event window.
type Request struct {
	Window   window.Window
	SiteName string
	Options  Options
	Rules    *Rules
	// Location interprets date-only archive paths and zone-less timestamps.
	Location *time.Location
}

// Loc returns the request location, UTC when unset.
func (r Request) Loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// Scanner captures a single discovery strategy (search API, tag archive, sitemap, etc.).
// Discover yields candidate links lazily; it makes no relevance judgement and
// reports an unreachable origin as zero candidates.
type Scanner interface {
	Name() string
	Validate(opts Options) error
	Discover(ctx context.Context, req Request) iter.Seq[domain.CandidateLink]
}

// Registry keeps a mapping from scanner names to their implementations.
type Registry struct {
	scanners map[string]Scanner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: map[string]Scanner{}}
}

// Register adds or replaces a scanner implementation.
func (r *Registry) Register(scanner Scanner) {
	if r.scanners == nil {
		r.scanners = map[string]Scanner{}
	}
	r.scanners[scanner.Name()] = scanner
}

// Resolve returns a scanner by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Scanner, error) {
	if scanner, ok := r.scanners[name]; ok {
		return scanner, nil
	}
	return nil, fmt.Errorf("%w: scanner %s is not registered", config.ErrInvalid, name)
}

// Names lists registered scanner kinds in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scanners))
	for name := range r.scanners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
