// Package metrics counts what a collection run saw and writes the counters
// to a node-exporter textfile.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/ports"
)

const namespace = "keyrate"

// Record outcomes.
const (
	OutcomeEmitted    = "emitted"
	OutcomeIrrelevant = "irrelevant"
	OutcomeUnassigned = "unassigned"
	OutcomeDuplicate  = "duplicate"
	OutcomeStored     = "already_stored"
)

// Metrics holds the run counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	DiscoveredTotal *prometheus.CounterVec
	FetchTotal      *prometheus.CounterVec
	ParseTotal      *prometheus.CounterVec
	RecordsTotal    *prometheus.CounterVec
}

var _ ports.RunObserver = (*Metrics)(nil)

// New registers all counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DiscoveredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovered_total",
			Help:      "Candidate links yielded by discovery, per source.",
		}, []string{"source"}),
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Article fetch outcomes.",
		}, []string{"status"}),
		ParseTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_total",
			Help:      "Extraction outcomes.",
		}, []string{"status"}),
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Candidate outcomes after filtering, window assignment and dedup.",
		}, []string{"outcome"}),
	}
}

// Registry exposes the private registry, e.g. for a scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Discovered counts one candidate from source.
func (m *Metrics) Discovered(source string) {
	m.DiscoveredTotal.WithLabelValues(source).Inc()
}

// Fetched counts one fetch outcome.
func (m *Metrics) Fetched(status domain.FetchStatus) {
	m.FetchTotal.WithLabelValues(string(status)).Inc()
}

// Parsed counts one extraction outcome.
func (m *Metrics) Parsed(status domain.ParseStatus) {
	m.ParseTotal.WithLabelValues(string(status)).Inc()
}

// Recorded counts one candidate outcome.
func (m *Metrics) Recorded(outcome string) {
	m.RecordsTotal.WithLabelValues(outcome).Inc()
}

// WriteTextfile dumps the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
