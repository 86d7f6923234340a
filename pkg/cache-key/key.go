package cachekey

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// Key returns the cache key for the given method and request URI (path and query).
func Key(method, requestURI string) string {
	return strings.ToUpper(method) + methodSeparator + requestURI
}

// ForRequest returns the cache key identifying the request.
// Only the method and the request URI take part; the host is not included,
// since all stores belong to the single proxied origin.
func ForRequest(r *http.Request) string {
	return Key(r.Method, r.URL.RequestURI())
}

// ForPath returns the GET cache key for a configured path such as "/index.html".
func ForPath(path string) string {
	return Key(http.MethodGet, path)
}

// RequestFromKey generates a request equal, caching-wise, to the request that resulted
// in the provided key.
// Only GET keys can be turned back into requests; other methods carry a body we never stored.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || uri == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// VaryFields returns the canonical header names listed in the Vary header(s).
// The wildcard is returned as "*".
func VaryFields(h http.Header) []string {
	fields := make([]string, 0)
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = textproto.CanonicalMIMEHeaderKey(name)
			}
			fields = append(fields, name)
		}
	}
	return fields
}
