package server

import (
	"net/url"
	"strings"
)

// EncodeScopes percent-encodes each scope as a URL component and joins them
// with an encoded space. The result is safe to place in a query string or a
// form body without further escaping.
func EncodeScopes(scopes []string) string {
	parts := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		parts = append(parts, strings.ReplaceAll(url.QueryEscape(s), "+", "%20"))
	}
	return strings.Join(parts, "%20")
}
