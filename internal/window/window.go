// Package window binds documents to the key-rate decision they discuss and
// keeps the output set free of duplicate URLs.
package window

import (
	"sort"
	"sync"
	"time"

	"KeyRateScanner/internal/domain"
)

const day = 24 * time.Hour

// Window is an inclusive time range around an event.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Days lists the calendar days touched by the window in loc, oldest first.
func (w Window) Days(loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	start := w.Start.In(loc)
	end := w.End.In(loc)
	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	var days []time.Time
	for !cur.After(end) {
		days = append(days, cur)
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}

// Offsets are the window extents, in days, around an event.
type Offsets struct {
	Before int
	After  int
}

// DefaultOffsets is [event-1d, event+2d].
var DefaultOffsets = Offsets{Before: 1, After: 2}

// For returns the window of a single event.
func (o Offsets) For(event domain.Event) Window {
	return Window{
		Start: event.DateTime.Add(-time.Duration(o.Before) * day),
		End:   event.DateTime.Add(time.Duration(o.After) * day),
	}
}

// Assigner picks the event a publication time belongs to.
type Assigner struct {
	events  []domain.Event
	offsets Offsets
}

// NewAssigner sorts a copy of events chronologically so ties resolve to the earlier one.
func NewAssigner(events []domain.Event, offsets Offsets) *Assigner {
	sorted := append([]domain.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DateTime.Before(sorted[j].DateTime)
	})
	return &Assigner{events: sorted, offsets: offsets}
}

// Window returns the window of event under the assigner's offsets.
func (a *Assigner) Window(event domain.Event) Window {
	return a.offsets.For(event)
}

// Assign returns the event whose window contains publishedAt and whose
// decision time is nearest to it. Equidistant events resolve to the earlier
// one. An absent time is never assigned.
func (a *Assigner) Assign(publishedAt *time.Time) (domain.Event, bool) {
	if publishedAt == nil || publishedAt.IsZero() {
		return domain.Event{}, false
	}

	var (
		best     domain.Event
		bestDist time.Duration
		found    bool
	)
	for _, event := range a.events {
		if !a.offsets.For(event).Contains(*publishedAt) {
			continue
		}
		dist := absDuration(publishedAt.Sub(event.DateTime))
		// strict less keeps the earlier event on ties because events are sorted
		if !found || dist < bestDist {
			best, bestDist, found = event, dist, true
		}
	}
	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Deduper remembers canonical URLs; the first caller to claim a key wins.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper builds an empty set scoped to one run.
func NewDeduper() *Deduper {
	return &Deduper{seen: map[string]struct{}{}}
}

// Claim returns true when key has not been claimed before.
func (d *Deduper) Claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Seen reports whether key was already claimed.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// Len returns the number of claimed keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
