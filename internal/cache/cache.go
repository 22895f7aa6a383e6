// Package cache stores fetch outcomes keyed by canonical URL so repeated
// requests inside the freshness window never touch the network.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"KeyRateScanner/internal/domain"
)

// Entry is the persisted projection of a fetch result. It is always written whole.
type Entry struct {
	Status     domain.FetchStatus `json:"status"`
	StatusCode int                `json:"status_code,omitempty"`
	Body       []byte             `json:"body,omitempty"`
	Error      string             `json:"error,omitempty"`
	FetchedAt  time.Time          `json:"fetched_at"`
}

// Backend is the raw key/value storage behind a Store.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, key string, entry Entry) error
}

// Policy decides which entries may be reused.
type Policy struct {
	TTL      time.Duration
	Negative bool
}

// Store applies the freshness policy on top of a backend. Backend failures
// degrade to cache misses: the cache is an optimization, never a correctness boundary.
type Store struct {
	backend Backend
	policy  Policy
	now     func() time.Time
	logger  *slog.Logger
}

// New wires a backend with a policy. A nil backend yields a store that never hits.
func New(backend Backend, policy Policy, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		policy:  policy,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns a fresh entry for key. Stale entries are reported as absent.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	if s == nil || s.backend == nil {
		return Entry{}, false
	}

	entry, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		s.warn("cache load failed", "key", key, "error", err)
		return Entry{}, false
	}
	if !ok || !s.fresh(entry) {
		return Entry{}, false
	}
	if entry.Status != domain.FetchOK && !s.policy.Negative {
		return Entry{}, false
	}
	return entry, true
}

// Put stores entry under key. Error outcomes are only kept with negative
// caching on; skipped outcomes are never kept.
func (s *Store) Put(ctx context.Context, key string, entry Entry) {
	if s == nil || s.backend == nil {
		return
	}
	switch entry.Status {
	case domain.FetchOK:
		if len(entry.Body) == 0 {
			return
		}
	case domain.FetchError:
		if !s.policy.Negative {
			return
		}
		entry.Body = nil
	default:
		return
	}

	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = s.now()
	}
	if err := s.backend.Save(ctx, key, entry); err != nil {
		s.warn("cache save failed", "key", key, "error", err)
	}
}

func (s *Store) fresh(entry Entry) bool {
	if s.policy.TTL <= 0 {
		return false
	}
	return s.now().Sub(entry.FetchedAt) < s.policy.TTL
}

func (s *Store) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Memory is an in-process backend scoped to one run.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Backend = (*Memory)(nil)

// NewMemory builds an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{entries: map[string]Entry{}}
}

// Load returns a copy of the stored entry.
func (m *Memory) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, true, nil
}

// Save replaces the entry under key; last write wins.
func (m *Memory) Save(_ context.Context, key string, entry Entry) error {
	entry.Body = append([]byte(nil), entry.Body...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
