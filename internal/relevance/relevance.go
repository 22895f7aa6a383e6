// Package relevance decides whether an article is about a key-rate decision.
//
// A document is relevant only when all three predicates hold: it mentions the
// key rate, it names the central bank within the lede, and it contains a
// decision trigger. Each predicate is exported so it can be checked on its own.
package relevance

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
)

// Filter holds the compiled patterns. It is safe for concurrent use.
type Filter struct {
	keyRate   *regexp.Regexp
	cbr       *regexp.Regexp
	decision  *regexp.Regexp
	ledeChars int
}

// New compiles the configured patterns case-insensitively.
func New(cfg config.RelevanceConfig) (*Filter, error) {
	keyRate, err := compile("keyrate_regex", cfg.KeyRateRegex)
	if err != nil {
		return nil, err
	}
	cbr, err := compile("cbr_regex", cfg.CBRRegex)
	if err != nil {
		return nil, err
	}
	decision, err := compile("decision_regex", cfg.DecisionRegex)
	if err != nil {
		return nil, err
	}
	if cfg.LedeChars <= 0 {
		return nil, fmt.Errorf("%w: cbr_lede_chars must be positive", config.ErrInvalid)
	}

	return &Filter{
		keyRate:   keyRate,
		cbr:       cbr,
		decision:  decision,
		ledeChars: cfg.LedeChars,
	}, nil
}

// IsRelevant is the conjunction of the three predicates.
func (f *Filter) IsRelevant(doc domain.ExtractedDocument) bool {
	return f.MentionsKeyRate(doc) && f.CentralBankInLede(doc) && f.HasDecisionTrigger(doc)
}

// MentionsKeyRate matches the key-rate pattern anywhere in title and text.
func (f *Filter) MentionsKeyRate(doc domain.ExtractedDocument) bool {
	return f.keyRate.MatchString(haystack(doc))
}

// CentralBankInLede matches the central-bank pattern within the first
// ledeChars characters of title and text.
func (f *Filter) CentralBankInLede(doc domain.ExtractedDocument) bool {
	return f.cbr.MatchString(lede(haystack(doc), f.ledeChars))
}

// HasDecisionTrigger matches the decision-verb pattern anywhere in title and text.
func (f *Filter) HasDecisionTrigger(doc domain.ExtractedDocument) bool {
	return f.decision.MatchString(haystack(doc))
}

func haystack(doc domain.ExtractedDocument) string {
	title := strings.TrimSpace(doc.Title)
	text := strings.TrimSpace(doc.Text)
	switch {
	case title == "":
		return text
	case text == "":
		return title
	default:
		return title + " " + text
	}
}

// lede cuts s to n characters, counting runes rather than bytes.
func lede(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func compile(name, pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("%w: %s is empty", config.ErrInvalid, name)
	}
	widened, err := widenWordClasses(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalid, name, err)
	}
	re, err := regexp.Compile("(?i)" + widened)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalid, name, err)
	}
	return re, nil
}

const (
	wordClass    = `\p{L}\p{N}_`
	nonWordClass = `[^\p{L}\p{N}_]`
)

// widenWordClasses rewrites \w and \W so they cover Cyrillic letters; RE2's
// versions are ASCII only. \b and \B are ASCII only too and cannot be
// rewritten without lookaround, so they are rejected.
func widenWordClasses(pattern string) (string, error) {
	var (
		b       strings.Builder
		inClass bool
	)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			next := pattern[i+1]
			i++
			switch next {
			case 'w':
				if inClass {
					b.WriteString(wordClass)
				} else {
					b.WriteString("[" + wordClass + "]")
				}
			case 'W':
				if inClass {
					return "", errors.New(`\W inside a character class is not supported, use [^\w] instead`)
				}
				b.WriteString(nonWordClass)
			case 'b', 'B':
				return "", fmt.Errorf(`\%c only sees ASCII word characters, match a separator such as \W or \s instead`, next)
			default:
				b.WriteByte(c)
				b.WriteByte(next)
			}
			continue
		}
		switch c {
		case '[':
			inClass = true
		case ']':
			inClass = false
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}
