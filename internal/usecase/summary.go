package usecase

import (
	"sort"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/metrics"
)

// Summary counts what happened to candidates during a run.
type Summary struct {
	Events      int
	Units       int
	FailedUnits int
	Discovered  map[string]int
	Fetch       map[domain.FetchStatus]int
	Parse       map[domain.ParseStatus]int

	Irrelevant    int
	Unassigned    int
	Duplicates    int
	AlreadyStored int
	Emitted       int
	Cancelled     bool
}

func newSummary() Summary {
	return Summary{
		Discovered: map[string]int{},
		Fetch:      map[domain.FetchStatus]int{},
		Parse:      map[domain.ParseStatus]int{},
	}
}

// add folds a unit's counters into s. Events, Emitted and Cancelled are run-level.
func (s *Summary) add(o Summary) {
	s.Units += o.Units
	s.FailedUnits += o.FailedUnits
	for k, v := range o.Discovered {
		s.Discovered[k] += v
	}
	for k, v := range o.Fetch {
		s.Fetch[k] += v
	}
	for k, v := range o.Parse {
		s.Parse[k] += v
	}
	s.Irrelevant += o.Irrelevant
	s.Unassigned += o.Unassigned
	s.Duplicates += o.Duplicates
	s.AlreadyStored += o.AlreadyStored
}

func (s *Summary) count(outcome string) {
	switch outcome {
	case metrics.OutcomeIrrelevant:
		s.Irrelevant++
	case metrics.OutcomeUnassigned:
		s.Unassigned++
	case metrics.OutcomeDuplicate:
		s.Duplicates++
	case metrics.OutcomeStored:
		s.AlreadyStored++
	}
}

// TotalDiscovered sums candidates over all sources.
func (s Summary) TotalDiscovered() int {
	total := 0
	for _, v := range s.Discovered {
		total += v
	}
	return total
}

func (s Summary) attrs() []any {
	attrs := []any{
		"events", s.Events,
		"units", s.Units,
		"failed_units", s.FailedUnits,
		"discovered", s.TotalDiscovered(),
		"fetch_ok", s.Fetch[domain.FetchOK],
		"fetch_error", s.Fetch[domain.FetchError],
		"fetch_skipped", s.Fetch[domain.FetchSkipped],
		"parse_ok", s.Parse[domain.ParseOK],
		"parse_partial", s.Parse[domain.ParsePartial],
		"parse_failed", s.Parse[domain.ParseFailed],
		"irrelevant", s.Irrelevant,
		"unassigned", s.Unassigned,
		"duplicates", s.Duplicates,
		"already_stored", s.AlreadyStored,
		"emitted", s.Emitted,
		"cancelled", s.Cancelled,
	}

	sources := make([]string, 0, len(s.Discovered))
	for name := range s.Discovered {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	for _, name := range sources {
		attrs = append(attrs, "discovered_"+name, s.Discovered[name])
	}
	return attrs
}
