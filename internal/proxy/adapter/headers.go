package adapter

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	// Recomputed per request.
	"Host":            true,
	"Content-Length":  true,
	"Accept-Encoding": true,
}

// requestAllowList is the set of protocol headers forwarded upstream in
// addition to credentials.
var requestAllowList = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"Openai-Beta":         true,
	"Openai-Organization": true,
	"Anthropic-Version":   true,
	"Anthropic-Beta":      true,
	"Content-Type":        true,
	"Accept":              true,
	"User-Agent":          true,
}

// sanitizeRequestHeaders keeps credentials and allow-listed protocol headers
// and drops everything hop-by-hop or client-internal.
func sanitizeRequestHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] {
			continue
		}
		if !requestAllowList[canonical] && !strings.HasPrefix(canonical, "Anthropic-") {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// filterResponseHeaders copies only the allow-listed names (exact or prefix)
// from an upstream response.
func filterResponseHeaders(in http.Header, allowExact []string, allowPrefixes []string) http.Header {
	out := make(http.Header)
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		keep := false
		for _, a := range allowExact {
			if canonical == http.CanonicalHeaderKey(a) {
				keep = true
				break
			}
		}
		if !keep {
			for _, p := range allowPrefixes {
				if strings.HasPrefix(strings.ToLower(canonical), p) {
					keep = true
					break
				}
			}
		}
		if !keep {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}
