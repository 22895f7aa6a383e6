// Package extractor turns raw article HTML into structured fields.
package extractor

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"KeyRateScanner/internal/domain"
)

// nonContentSelectors are stripped before the plain-text fallback.
const nonContentSelectors = "script, style, noscript, nav, header, footer, aside, form, iframe"

var spaceRun = regexp.MustCompile(`[ \t\p{Zs}]+`)

// layouts accepted for published timestamps, most specific first.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05Z0700",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// zoneless layouts are read in the extractor's location.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02.01.2006 15:04",
	"2006-01-02",
	"02.01.2006",
}

// Extractor is stateless apart from the location used for zone-less timestamps.
type Extractor struct {
	loc *time.Location
}

// New builds an extractor; loc defaults to UTC.
func New(loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{loc: loc}
}

// Extract never fails: structural problems come back as ParseFailed with empty fields.
// The same input always yields the same document.
func (e *Extractor) Extract(body []byte, pageURL string) domain.ExtractedDocument {
	if len(bytes.TrimSpace(body)) == 0 {
		return domain.ExtractedDocument{ParseStatus: domain.ParseFailed}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.ExtractedDocument{ParseStatus: domain.ParseFailed}
	}

	meta := readJSONLD(doc)

	out := domain.ExtractedDocument{
		Title:   firstNonEmpty(meta.Headline, metaContent(doc, "meta[property='og:title']"), doc.Find("title").First().Text(), doc.Find("h1").First().Text()),
		Summary: firstNonEmpty(metaContent(doc, "meta[name='description']"), metaContent(doc, "meta[property='og:description']"), meta.Description),
	}
	out.Title = clean(out.Title)
	out.Summary = clean(out.Summary)
	out.PublishedAt = e.publishedAt(doc, meta)

	text, excerpt := readableText(body, pageURL)
	if text == "" {
		text = fallbackText(doc)
	}
	out.Text = text
	if out.Summary == "" {
		out.Summary = clean(excerpt)
	}

	out.ParseStatus = status(out)
	return out
}

func status(doc domain.ExtractedDocument) domain.ParseStatus {
	switch {
	case doc.Title != "" && doc.PublishedAt != nil:
		return domain.ParseOK
	case doc.Title != "" || doc.PublishedAt != nil || doc.Text != "":
		return domain.ParsePartial
	default:
		return domain.ParseFailed
	}
}

// ParseTime normalizes a timestamp to UTC. Zone-less values are read in the
// extractor's location. Unparseable input yields nil, never a guess.
func (e *Extractor) ParseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, raw, e.loc); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func (e *Extractor) publishedAt(doc *goquery.Document, meta jsonLD) *time.Time {
	candidates := []string{
		metaContent(doc, "meta[property='article:published_time']"),
		meta.DatePublished,
		meta.DateCreated,
		metaContent(doc, "meta[itemprop='datePublished']"),
		metaContent(doc, "meta[name='pubdate']"),
	}
	if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		candidates = append(candidates, dt)
	}
	for _, candidate := range candidates {
		if t := e.ParseTime(candidate); t != nil {
			return t
		}
	}
	return nil
}

type jsonLD struct {
	Headline      string `json:"headline"`
	Description   string `json:"description"`
	DatePublished string `json:"datePublished"`
	DateCreated   string `json:"dateCreated"`
}

// readJSONLD returns the first JSON-LD object carrying article fields.
func readJSONLD(doc *goquery.Document) jsonLD {
	var found jsonLD
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}

		var single jsonLD
		if err := json.Unmarshal([]byte(raw), &single); err == nil {
			if single != (jsonLD{}) {
				found = single
				return false
			}
			return true
		}

		var list []jsonLD
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			for _, item := range list {
				if item != (jsonLD{}) {
					found = item
					return false
				}
			}
		}
		return true
	})
	return found
}

func readableText(body []byte, pageURL string) (string, string) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil || parsedURL.Host == "" {
		parsedURL = &url.URL{Scheme: "https", Host: "localhost"}
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return "", ""
	}
	return cleanText(article.TextContent), strings.TrimSpace(article.Excerpt)
}

// fallbackText prefers <article>, then <body>, with page chrome removed.
func fallbackText(doc *goquery.Document) string {
	for _, selector := range []string{"article", "body"} {
		node := doc.Find(selector).First()
		if node.Length() == 0 {
			continue
		}
		node = node.Clone()
		node.Find(nonContentSelectors).Remove()
		if text := cleanText(node.Text()); text != "" {
			return text
		}
	}
	return ""
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clean(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " "))
}

// cleanText collapses blank runs but keeps paragraph breaks.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
