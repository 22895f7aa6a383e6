// Package fetcher downloads pages politely: per-host pacing, a timeout on
// every attempt, bounded retries with jittered exponential backoff, robots.txt
// compliance and a cache in front of the network.
//
// Fetch never returns an error. Every failure is recorded in the returned
// domain.FetchResult so one bad URL cannot abort a run.
package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"KeyRateScanner/internal/cache"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/urlnorm"
)

// Error details recorded for outcomes that never reached the network.
const (
	DetailCancelled      = "cancelled"
	DetailRobotsDisallow = "robots_disallow"
	DetailMalformedURL   = "malformed_url"
)

var (
	// ErrTransient marks attempts worth retrying: timeouts, resets and the
	// retry policy's status codes.
	ErrTransient = errors.New("transient fetch failure")
	// ErrTerminal marks attempts that will not improve on retry: other 4xx,
	// bad URLs, TLS failures, oversized bodies.
	ErrTerminal = errors.New("terminal fetch failure")
)

// Doer is the part of *http.Client the fetcher needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Fetcher.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	HostInterval  time.Duration
	MaxBodyBytes  int64
	RespectRobots bool
	Retry         RetryPolicy
}

// Option customizes a Fetcher; mostly used to inject fakes in tests.
type Option func(*Fetcher)

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithRand replaces the jitter source.
func WithRand(rnd func() float64) Option {
	return func(f *Fetcher) { f.rand = rnd }
}

// WithClock replaces the time source used for FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client  Doer
	cache   *cache.Store
	limiter *HostLimiter
	robots  *RobotsChecker
	opts    Options
	group   singleflight.Group

	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
	now    func() time.Time
	logger *slog.Logger
}

// NewHTTPClient returns a client with certificate verification on and a
// per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// New wires the fetcher. store may be nil to disable caching.
func New(client Doer, store *cache.Store, opts Options, options ...Option) *Fetcher {
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "keyrate-scanner/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}

	f := &Fetcher{
		client:  client,
		cache:   store,
		limiter: NewHostLimiter(opts.HostInterval),
		opts:    opts,
		sleep:   sleepContext,
		rand:    rand.Float64,
		now:     time.Now,
	}
	if opts.RespectRobots {
		f.robots = NewRobotsChecker(client, f.limiter, opts.UserAgent, opts.Timeout)
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Fetch returns the outcome for rawURL. A cancelled ctx stops new network
// activity (the result is skipped/cancelled) but a request already on the
// wire runs to completion or to its own timeout.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) domain.FetchResult {
	canonical, err := urlnorm.Canonicalize(rawURL)
	if err != nil {
		return f.failed(rawURL, rawURL, domain.FetchError, DetailMalformedURL+": "+err.Error(), 0, 0)
	}
	if ctx.Err() != nil {
		return f.failed(rawURL, canonical, domain.FetchSkipped, DetailCancelled, 0, 0)
	}

	// a concurrent request for the same URL waits for the one in flight
	v, _, _ := f.group.Do(canonical, func() (any, error) {
		return f.fetch(ctx, rawURL, canonical), nil
	})
	result := v.(domain.FetchResult)
	result.URL = rawURL
	return result
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, canonical string) domain.FetchResult {
	if entry, ok := f.cache.Get(ctx, canonical); ok {
		return domain.FetchResult{
			URL:          rawURL,
			CanonicalURL: canonical,
			Status:       entry.Status,
			StatusCode:   entry.StatusCode,
			Error:        entry.Error,
			FetchedAt:    entry.FetchedAt,
			Body:         entry.Body,
			FromCache:    true,
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return f.failed(rawURL, canonical, domain.FetchError, DetailMalformedURL, 0, 0)
	}
	host := strings.ToLower(parsed.Host)

	if f.robots != nil {
		allowed, delay, robotsErr := f.robots.Allowed(ctx, rawURL)
		if robotsErr == nil {
			f.limiter.Raise(host, delay)
			if !allowed {
				return f.failed(rawURL, canonical, domain.FetchSkipped, DetailRobotsDisallow, 0, 0)
			}
		}
	}

	result := f.retrieve(ctx, rawURL, canonical, host)
	if result.Status != domain.FetchSkipped {
		f.cache.Put(ctx, canonical, cache.Entry{
			Status:     result.Status,
			StatusCode: result.StatusCode,
			Body:       result.Body,
			Error:      result.Error,
			FetchedAt:  result.FetchedAt,
		})
	}
	return result
}

// retrieve runs the bounded retry loop.
func (f *Fetcher) retrieve(ctx context.Context, rawURL, canonical, host string) domain.FetchResult {
	backoff := NewBackoff(f.opts.Retry, f.rand)

	var (
		lastErr    error
		statusCode int
	)
	for {
		if err := f.limiter.Wait(ctx, host); err != nil {
			return f.cancelledOr(rawURL, canonical, lastErr, statusCode, backoff.Attempt())
		}

		body, code, err := f.attempt(ctx, rawURL)
		if err == nil {
			return domain.FetchResult{
				URL:          rawURL,
				CanonicalURL: canonical,
				Status:       domain.FetchOK,
				StatusCode:   code,
				FetchedAt:    f.now().UTC(),
				Body:         body,
				Attempts:     backoff.Attempt() + 1,
			}
		}
		lastErr, statusCode = err, code

		if !errors.Is(err, ErrTransient) {
			return f.failed(rawURL, canonical, domain.FetchError, err.Error(), code, backoff.Attempt()+1)
		}

		delay, again := backoff.Next()
		if !again {
			f.debug("retries exhausted", "url", rawURL, "attempts", backoff.Attempt(), "error", err)
			return f.failed(rawURL, canonical, domain.FetchError, err.Error(), code, backoff.Attempt())
		}
		f.debug("retrying fetch", "url", rawURL, "attempt", backoff.Attempt(), "delay", delay, "error", err)

		if err := f.sleep(ctx, delay); err != nil {
			return f.cancelledOr(rawURL, canonical, lastErr, statusCode, backoff.Attempt())
		}
	}
}

// attempt performs one GET detached from run cancellation but bounded by the timeout.
func (f *Fetcher) attempt(ctx context.Context, rawURL string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", ErrTerminal, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, classifyNetworkError(err)
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	switch {
	case f.opts.Retry.Retryable(code):
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, code, fmt.Errorf("%w: http %d", ErrTransient, code)
	case code < 200 || code >= 300:
		return nil, code, fmt.Errorf("%w: http %d", ErrTerminal, code)
	}

	// one byte past the cap tells a full body from a truncated one
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, code, classifyNetworkError(err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, code, fmt.Errorf("%w: body exceeds %d bytes", ErrTerminal, f.opts.MaxBodyBytes)
	}
	if len(body) == 0 {
		return nil, code, fmt.Errorf("%w: empty body", ErrTerminal)
	}
	return body, code, nil
}

func classifyNetworkError(err error) error {
	var (
		dnsErr     *net.DNSError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return fmt.Errorf("%w: tls: %v", ErrTerminal, err)
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return fmt.Errorf("%w: %v", ErrTerminal, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrTerminal, err)
	}
}

// cancelledOr reports a run abort; if some attempt already failed its error is kept.
func (f *Fetcher) cancelledOr(rawURL, canonical string, lastErr error, code, attempts int) domain.FetchResult {
	if lastErr != nil {
		return f.failed(rawURL, canonical, domain.FetchError, lastErr.Error(), code, attempts)
	}
	return f.failed(rawURL, canonical, domain.FetchSkipped, DetailCancelled, 0, attempts)
}

func (f *Fetcher) failed(rawURL, canonical string, status domain.FetchStatus, detail string, code, attempts int) domain.FetchResult {
	return domain.FetchResult{
		URL:          rawURL,
		CanonicalURL: canonical,
		Status:       status,
		StatusCode:   code,
		Error:        detail,
		FetchedAt:    f.now().UTC(),
		Attempts:     attempts,
	}
}

func (f *Fetcher) debug(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
