// Package parse canonicalizes ad URLs so the same listing reached through different links dedups to one key.
package parse

import (
	"net"
	"net/url"
	"strings"
)

// trackingParams are query keys that never identify an ad
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"ref":    true,
	"source": true,
}

// NormalizeURL returns the canonical form of an ad URL.
// Scheme and host are lowercased, default ports and trailing slashes dropped, the fragment removed.
// The query is kept because some marketplaces carry the ad id there, minus tracking keys, and re-encoded in sorted order.
// Does not modify the input.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	if host, port, err := net.SplitHostPort(normalized.Host); err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = strings.TrimRight(normalized.Path, "/")
		if normalized.Path == "" {
			normalized.Path = "/"
		}
	}
	normalized.RawPath = ""
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = cleanQuery(u.Query())

	return normalized.String()
}

// ParseAndNormalize parses an absolute URL and returns its canonical form
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}

func cleanQuery(q url.Values) string {
	for key := range q {
		lk := strings.ToLower(key)
		if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	return q.Encode()
}
