// Package output writes article records to local files.
package output

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/ports"
)

// Columns is the record layout shared by every format.
var Columns = []string{
	"doc_id", "source", "source_type", "url", "canonical_url", "title",
	"published_at", "text", "summary", "event_id", "event_date_time",
	"event_decision", "event_new_rate", "fetch_status", "parse_status", "relevance",
}

// Row is the serialized form of a record.
type Row struct {
	DocID         string   `json:"doc_id"`
	Source        string   `json:"source"`
	SourceType    string   `json:"source_type"`
	URL           string   `json:"url"`
	CanonicalURL  string   `json:"canonical_url"`
	Title         string   `json:"title"`
	PublishedAt   *string  `json:"published_at"`
	Text          string   `json:"text"`
	Summary       string   `json:"summary"`
	EventID       string   `json:"event_id"`
	EventDateTime string   `json:"event_date_time"`
	EventDecision string   `json:"event_decision"`
	EventNewRate  *float64 `json:"event_new_rate"`
	FetchStatus   string   `json:"fetch_status"`
	ParseStatus   string   `json:"parse_status"`
	Relevance     bool     `json:"relevance"`
}

// NewRow flattens a record; timestamps are RFC 3339 in UTC.
func NewRow(r domain.ArticleRecord) Row {
	row := Row{
		DocID:         r.DocID,
		Source:        r.Source,
		SourceType:    string(r.SourceType),
		URL:           r.URL,
		CanonicalURL:  r.CanonicalURL,
		Title:         r.Title,
		Text:          r.Text,
		Summary:       r.Summary,
		EventID:       r.EventID,
		EventDecision: r.EventDecision,
		EventNewRate:  r.EventNewRate,
		FetchStatus:   string(r.FetchStatus),
		ParseStatus:   string(r.ParseStatus),
		Relevance:     r.Relevant,
	}
	if r.PublishedAt != nil {
		ts := r.PublishedAt.UTC().Format(time.RFC3339)
		row.PublishedAt = &ts
	}
	if !r.EventDateTime.IsZero() {
		row.EventDateTime = r.EventDateTime.Format(time.RFC3339)
	}
	return row
}

func (r Row) strings() []string {
	published := ""
	if r.PublishedAt != nil {
		published = *r.PublishedAt
	}
	rate := ""
	if r.EventNewRate != nil {
		rate = strconv.FormatFloat(*r.EventNewRate, 'f', -1, 64)
	}
	return []string{
		r.DocID, r.Source, r.SourceType, r.URL, r.CanonicalURL, r.Title,
		published, r.Text, r.Summary, r.EventID, r.EventDateTime,
		r.EventDecision, rate, r.FetchStatus, r.ParseStatus, strconv.FormatBool(r.Relevance),
	}
}

type encoder interface {
	encode(Row) error
	flush() error
}

// FileSink appends records to a .csv or .jsonl file. It is safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  encoder
}

var _ ports.ArticleSink = (*FileSink)(nil)

// Open creates path (and its directory), truncating an existing file.
func Open(path string) (*FileSink, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".jsonl" {
		return nil, fmt.Errorf("%w: output must be .csv or .jsonl, got %q", config.ErrInvalid, ext)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output %s: %w", path, err)
	}
	buf := bufio.NewWriter(file)

	sink := &FileSink{file: file, buf: buf}
	switch ext {
	case ".csv":
		w := csv.NewWriter(buf)
		if err := w.Write(Columns); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		sink.enc = csvEncoder{w: w}
	default:
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		sink.enc = jsonlEncoder{enc: enc}
	}
	return sink, nil
}

// Write appends records in order.
func (s *FileSink) Write(_ context.Context, records []domain.ArticleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.enc.encode(NewRow(r)); err != nil {
			return fmt.Errorf("write record %s: %w", r.CanonicalURL, err)
		}
	}
	if err := s.enc.flush(); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}
	return nil
}

// Close flushes buffered output and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	flushErr := s.enc.flush()
	if flushErr == nil {
		flushErr = s.buf.Flush()
	}
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush output: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}
	return nil
}

type csvEncoder struct {
	w *csv.Writer
}

func (c csvEncoder) encode(r Row) error {
	return c.w.Write(r.strings())
}

func (c csvEncoder) flush() error {
	c.w.Flush()
	return c.w.Error()
}

type jsonlEncoder struct {
	enc *json.Encoder
}

func (j jsonlEncoder) encode(r Row) error {
	return j.enc.Encode(r)
}

func (j jsonlEncoder) flush() error {
	return nil
}
