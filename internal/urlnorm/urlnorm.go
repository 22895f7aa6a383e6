// Package urlnorm canonicalizes article URLs so that the same page reached
// through different links shares one dedup key.
package urlnorm

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// trackingParams are dropped from the query; they never change page content.
var trackingParams = map[string]struct{}{
	"fbclid":    {},
	"gclid":     {},
	"gclsrc":    {},
	"dclid":     {},
	"msclkid":   {},
	"yclid":     {},
	"ysclid":    {},
	"_openstat": {},
	"from":      {},
	"rcmrclid":  {},
	"ref":       {},
	"share":     {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// docNamespace seeds the name-based UUIDs used as document keys.
var docNamespace = uuid.MustParse("6f1c2a4e-9a0b-5d43-8c7e-2b5f0e3d9a11")

var (
	errEmptyInput          = errors.New("canonicalize url: empty input")
	errMissingSchemeOrHost = errors.New("canonicalize url: missing scheme or host")
)

// Canonicalize lowercases scheme and host, upgrades http to https, drops
// default ports, fragments and tracking parameters, sorts the remaining query
// and strips trailing slashes. It is idempotent.
func Canonicalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errEmptyInput
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("canonicalize url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errMissingSchemeOrHost
	}

	originalScheme := strings.ToLower(parsed.Scheme)
	parsed.Scheme = "https"
	parsed.Host = normalizeHost(parsed, originalScheme)
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.ForceQuery = false
	// a query that does not parse is kept verbatim rather than dropped
	if values, err := url.ParseQuery(parsed.RawQuery); err == nil {
		parsed.RawQuery = cleanQuery(values)
	}
	parsed.Path = normalizePath(parsed.Path)
	parsed.RawPath = ""

	return strings.TrimSuffix(parsed.String(), "/"), nil
}

// MustCanonicalize falls back to the trimmed input when the URL cannot be parsed.
func MustCanonicalize(rawURL string) string {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	return canonical
}

// DocID returns a stable document key derived from the canonical URL.
func DocID(canonicalURL string) string {
	return uuid.NewSHA1(docNamespace, []byte(canonicalURL)).String()
}

// Host returns the lowercased hostname without port.
func Host(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("extract host: %w", err)
	}
	if parsed.Host == "" {
		return "", errMissingSchemeOrHost
	}
	return strings.ToLower(parsed.Hostname()), nil
}

// IsTracking reports whether a query key is a tracking parameter.
func IsTracking(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}

func normalizeHost(u *url.URL, originalScheme string) string {
	hostname := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	port := u.Port()
	for _, scheme := range []string{originalScheme, u.Scheme} {
		if def, ok := defaultPorts[scheme]; ok && port == def {
			port = ""
		}
	}
	if port != "" {
		return net.JoinHostPort(hostname, port)
	}
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]"
	}
	return hostname
}

func cleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if !IsTracking(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

// normalizePath resolves dot-segments and removes trailing slashes.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	return strings.TrimRight(path.Clean(p), "/")
}
