// Package headers removes connection-scoped headers before a request or
// response crosses to the next transport leg.
package headers

import (
	"net/http"
	"slices"
	"strings"
)

// requestDropped are removed from outbound requests. Host must name the
// upstream, and framing is recomputed by the transport once the body is known.
var requestDropped = []string{
	"Host",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// responseDropped are removed from upstream responses before relaying.
var responseDropped = []string{
	"Transfer-Encoding",
}

// Sanitize returns a copy of h without Host, Content-Length,
// Transfer-Encoding and Connection. Keys are matched case-insensitively;
// every other key keeps its original spelling and value order. h is not
// modified.
func Sanitize(h http.Header) http.Header {
	return without(h, requestDropped)
}

// Response returns a copy of an upstream response header map without
// Transfer-Encoding.
func Response(h http.Header) http.Header {
	return without(h, responseDropped)
}

func without(h http.Header, dropped []string) http.Header {
	dst := make(http.Header, len(h))
	for key, vals := range h {
		if isDropped(key, dropped) {
			continue
		}
		dst[key] = slices.Clone(vals)
	}
	return dst
}

func isDropped(key string, dropped []string) bool {
	for _, d := range dropped {
		if strings.EqualFold(key, d) {
			return true
		}
	}
	return false
}
