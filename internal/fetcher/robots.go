package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const (
	robotsTxtPath      = "/robots.txt"
	maxRobotsBodyBytes = 512 * 1024
)

// RobotsChecker fetches robots.txt once per host per run and answers allow/deny.
// A missing or unreachable robots.txt allows everything.
type RobotsChecker struct {
	client    Doer
	limiter   *HostLimiter
	userAgent string
	timeout   time.Duration

	mu    sync.Mutex
	hosts map[string]*robotsEntry
}

type robotsEntry struct {
	once     sync.Once
	data     *robotstxt.RobotsData
	allowAll bool
}

// NewRobotsChecker builds a checker using client for robots.txt requests.
// When limiter is set the robots.txt request counts against the host's pacing.
func NewRobotsChecker(client Doer, limiter *HostLimiter, userAgent string, timeout time.Duration) *RobotsChecker {
	return &RobotsChecker{
		client:    client,
		limiter:   limiter,
		userAgent: userAgent,
		timeout:   timeout,
		hosts:     map[string]*robotsEntry{},
	}
}

// Allowed reports whether rawURL may be fetched, plus the host's crawl delay.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("robots: parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	if host == "" {
		return false, 0, fmt.Errorf("robots: empty host in url %q", rawURL)
	}

	entry := r.entry(host)
	entry.once.Do(func() {
		entry.data, entry.allowAll = r.load(ctx, parsed.Scheme, host)
	})
	if entry.allowAll || entry.data == nil {
		return true, 0, nil
	}

	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return true, 0, nil
	}
	path := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return group.Test(path), group.CrawlDelay, nil
}

func (r *RobotsChecker) entry(host string) *robotsEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hosts[host]
	if !ok {
		entry = &robotsEntry{}
		r.hosts[host] = entry
	}
	return entry
}

func (r *RobotsChecker) load(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, bool) {
	if scheme == "" {
		scheme = "https"
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, host); err != nil {
			return nil, true
		}
	}
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, scheme+"://"+host+robotsTxtPath, http.NoBody)
	if err != nil {
		return nil, true
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, true
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, true
	}
	return data, false
}
