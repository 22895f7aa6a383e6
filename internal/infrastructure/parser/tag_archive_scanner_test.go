package parser

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/scanner"
	"KeyRateScanner/internal/window"
)

// fakePages serves canned bodies by exact URL; anything else is a 404.
type fakePages struct {
	mu        sync.Mutex
	pages     map[string][]byte
	requested []string
}

func (f *fakePages) Fetch(_ context.Context, rawURL string) domain.FetchResult {
	f.mu.Lock()
	f.requested = append(f.requested, rawURL)
	f.mu.Unlock()

	body, ok := f.pages[rawURL]
	if !ok {
		return domain.FetchResult{URL: rawURL, Status: domain.FetchError, StatusCode: 404, Error: "http 404"}
	}
	return domain.FetchResult{URL: rawURL, Status: domain.FetchOK, StatusCode: 200, Body: body}
}

func (f *fakePages) Requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requested...)
}

func moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return loc
}

// keyRateWindow is the window of the 16 Feb 2024 13:30 MSK decision with the default offsets.
func keyRateWindow(t *testing.T) window.Window {
	t.Helper()
	event := domain.Event{DateTime: time.Date(2024, 2, 16, 13, 30, 0, 0, moscow(t))}
	return window.DefaultOffsets.For(event)
}

func urls(links []domain.CandidateLink) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.URL)
	}
	return out
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestBuildPageURL(t *testing.T) {
	t.Parallel()

	base := "https://www.fontanka.ru/text/tags/klyuchevaya_stavka/?sort=date"

	first, err := buildPageURL(base, "page", 1)
	require.NoError(t, err)
	assert.Equal(t, base, first)

	third, err := buildPageURL(base, "page", 3)
	require.NoError(t, err)
	parsed, err := url.Parse(third)
	require.NoError(t, err)
	assert.Equal(t, "www.fontanka.ru", parsed.Host)
	assert.Equal(t, "3", parsed.Query().Get("page"))
	assert.Equal(t, "date", parsed.Query().Get("sort"))
}

func TestDateFromURL(t *testing.T) {
	t.Parallel()

	re, err := urlDateRegex(scanner.Options{})
	require.NoError(t, err)
	loc := moscow(t)

	day, ok := dateFromURL("https://www.fontanka.ru/2024/02/16/73245001/", re, loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 2, 16, 0, 0, 0, 0, loc), day)

	_, ok = dateFromURL("https://www.fontanka.ru/2024/13/16/1/", re, loc)
	assert.False(t, ok)
	_, ok = dateFromURL("https://www.fontanka.ru/text/", re, loc)
	assert.False(t, ok)
}

func TestTagArchiveScannerDiscover(t *testing.T) {
	t.Parallel()

	tagURL := "https://www.fontanka.ru/text/tags/ks/"
	pages := &fakePages{pages: map[string][]byte{
		tagURL: []byte(`<html><body>
			<a href="/2024/02/17/1001/">ЦБ сохранил ставку</a>
			<a href="/2024/02/16/1002/"><img src="x.jpg"></a>
			<a href="/2024/02/16/1002/#comments">Банк России принял решение</a>
			<a href="/text/tags/other/">Другие теги</a>
			<a href="/2024/02/10/999/">Старое</a>
		</body></html>`),
		tagURL + "?page=2": []byte(`<html><body>
			<a href="https://www.fontanka.ru/2024/02/15/1003/">Накануне заседания</a>
			<a href="/2024/02/01/900/">Февраль</a>
		</body></html>`),
		tagURL + "?page=3": []byte(`<html><body>
			<a href="/2024/01/30/800/">Январь</a>
		</body></html>`),
	}}

	rules, err := scanner.NewRules([]string{"fontanka.ru"}, []string{`/\d{4}/\d{2}/\d{2}/\d+/`}, nil)
	require.NoError(t, err)

	sc := NewTagArchiveScanner(pages, nil)
	req := scanner.Request{
		Window:   keyRateWindow(t),
		SiteName: "fontanka",
		Options:  scanner.Options{"tag_url": tagURL, "max_pages": "5"},
		Rules:    rules,
		Location: moscow(t),
	}
	require.NoError(t, sc.Validate(req.Options))

	links := slices.Collect(sc.Discover(context.Background(), req))

	assert.Equal(t, []string{
		"https://www.fontanka.ru/2024/02/17/1001/",
		"https://www.fontanka.ru/2024/02/16/1002/",
		"https://www.fontanka.ru/2024/02/15/1003/",
	}, urls(links))
	assert.Equal(t, "Банк России принял решение", links[1].Title)
	for _, l := range links {
		assert.Equal(t, "fontanka", l.Source)
	}
	assert.Equal(t, []string{tagURL, tagURL + "?page=2", tagURL + "?page=3"}, pages.Requested(),
		"pagination stops once a page holds only older entries")
}

func TestTagArchiveScannerStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	tagURL := "https://www.fontanka.ru/text/tags/ks/"
	pages := &fakePages{pages: map[string][]byte{
		tagURL: []byte(`<a href="/2024/02/17/1/">a</a><a href="/2024/02/17/2/">b</a>`),
	}}
	sc := NewTagArchiveScanner(pages, nil)
	req := scanner.Request{
		Window:   keyRateWindow(t),
		SiteName: "fontanka",
		Options:  scanner.Options{"tag_url": tagURL},
		Location: moscow(t),
	}

	var got []string
	for link := range sc.Discover(context.Background(), req) {
		got = append(got, link.URL)
		break
	}
	assert.Len(t, got, 1)
	assert.Len(t, pages.Requested(), 1)
}

func TestTagArchiveScannerUnreachable(t *testing.T) {
	t.Parallel()

	sc := NewTagArchiveScanner(&fakePages{}, nil)
	req := scanner.Request{
		Window:   keyRateWindow(t),
		SiteName: "fontanka",
		Options:  scanner.Options{"tag_url": "https://www.fontanka.ru/text/tags/ks/", "max_pages": "2"},
	}
	assert.Empty(t, slices.Collect(sc.Discover(context.Background(), req)))
}

func TestTagArchiveScannerValidate(t *testing.T) {
	t.Parallel()

	sc := NewTagArchiveScanner(&fakePages{}, nil)
	assert.Error(t, sc.Validate(scanner.Options{}))
	assert.Error(t, sc.Validate(scanner.Options{"tag_url": "https://x/", "max_pages": "-1"}))
	assert.Error(t, sc.Validate(scanner.Options{"tag_url": "https://x/", "date_regex": `/(\d{4})/`}))
	assert.NoError(t, sc.Validate(scanner.Options{"tag_url": "https://x/"}))
}
