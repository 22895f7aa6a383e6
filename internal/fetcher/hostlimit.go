package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter paces requests per host. Different hosts never wait on each other.
type HostLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	hosts    map[string]*rate.Limiter
}

// NewHostLimiter allows one request per interval per host; zero disables pacing.
func NewHostLimiter(interval time.Duration) *HostLimiter {
	return &HostLimiter{
		interval: interval,
		hosts:    map[string]*rate.Limiter{},
	}
}

// Wait blocks until host may receive another request or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.limiter(host).Wait(ctx)
}

// Raise slows a host down to at least one request per interval, e.g. for a
// robots.txt Crawl-delay. It never speeds a host up.
func (h *HostLimiter) Raise(host string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	lim := h.limiter(host)
	if every := rate.Every(interval); every < lim.Limit() {
		lim.SetLimit(every)
	}
}

func (h *HostLimiter) limiter(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	lim, ok := h.hosts[host]
	if !ok {
		limit := rate.Inf
		if h.interval > 0 {
			limit = rate.Every(h.interval)
		}
		lim = rate.NewLimiter(limit, 1)
		h.hosts[host] = lim
	}
	return lim
}
