// Package events loads the table of key-rate decisions from CSV or XLSX.
package events

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"KeyRateScanner/internal/domain"
)

// ErrInvalidTable marks an events file that cannot be used.
var ErrInvalidTable = errors.New("invalid events table")

const eventIDLayout = "2006-01-02"

var columnAliases = map[string]string{
	"event_id":        "id",
	"id":              "id",
	"event_date_time": "date",
	"event_decision":  "decision",
	"decision":        "decision",
	"event_new_rate":  "rate",
	"new_rate":        "rate",
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	"1/2/06 15:04",
	"1/2/2006 15:04",
	"1/2/06",
	"1/2/2006",
}

// Load reads events from path; the extension selects the format. Zone-less
// timestamps are read in loc.
func Load(path string, loc *time.Location) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f, loc)
	case ".xlsx":
		return ReadXLSX(f, loc)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrInvalidTable, filepath.Ext(path))
	}
}

// ReadCSV parses a CSV events table with a header row.
func ReadCSV(r io.Reader, loc *time.Location) ([]domain.Event, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read csv: %v", ErrInvalidTable, err)
	}
	return fromRows(rows, loc)
}

// ReadXLSX parses the first sheet of a workbook with a header row.
func ReadXLSX(r io.Reader, loc *time.Location) ([]domain.Event, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %v", ErrInvalidTable, err)
	}
	defer book.Close()

	sheet := book.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidTable)
	}
	rows, err := book.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %s: %v", ErrInvalidTable, sheet, err)
	}
	return fromRows(rows, loc)
}

// fromRows maps a header row plus data rows to events sorted by time.
func fromRows(rows [][]string, loc *time.Location) ([]domain.Event, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrInvalidTable)
	}

	columns := map[string]int{}
	for i, name := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if alias, ok := columnAliases[key]; ok {
			if _, taken := columns[alias]; !taken {
				columns[alias] = i
			}
		}
	}
	if _, ok := columns["date"]; !ok {
		return nil, fmt.Errorf("%w: event_date_time column is required", ErrInvalidTable)
	}

	cell := func(row []string, col string) string {
		idx, ok := columns[col]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var (
		events []domain.Event
		ids    = map[string]bool{}
	)
	for n, row := range rows[1:] {
		line := n + 2
		if blank(row) {
			continue
		}

		at, err := parseDateTime(cell(row, "date"), loc)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidTable, line, err)
		}
		rate, err := parseRate(cell(row, "rate"))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidTable, line, err)
		}

		id := cell(row, "id")
		if id == "" {
			id = at.In(loc).Format(eventIDLayout)
			if ids[id] {
				id = at.In(loc).Format("2006-01-02T15:04")
			}
		}
		if ids[id] {
			return nil, fmt.Errorf("%w: row %d: duplicate event id %q", ErrInvalidTable, line, id)
		}
		ids[id] = true

		events = append(events, domain.Event{
			ID:       id,
			DateTime: at,
			Decision: cell(row, "decision"),
			NewRate:  rate,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].DateTime.Before(events[j].DateTime)
	})
	return events, nil
}

func parseDateTime(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("event_date_time is empty")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts[1:] {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	// spreadsheets store dates as serial day numbers
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event_date_time %q", raw)
}

func parseRate(raw string) (*float64, error) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if raw == "" || strings.EqualFold(raw, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid new_rate %q", raw)
	}
	return &v, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
