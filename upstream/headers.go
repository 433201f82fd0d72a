package upstream

import (
	"net/http"
	"strings"
)

// hopHeaders are stripped before forwarding, per spec §4.6, generalized
// from the teacher's hopHeaders map (proxy.go); copyHeaderExcluding also
// drops every other Proxy-* header by prefix match.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// securityHeaders are added to the response only when the upstream did
// not already set them (spec §4.6: "never override upstream-supplied
// values"), mirroring the teacher's addBranding idiom of only filling in
// a Server header when absent.
var securityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
}

// copyHeaderExcluding copies from into to, skipping any header present
// in exclude and any header whose name starts with "Proxy-"; callers
// pre-populate exclude with hopHeaders plus any name listed in the
// inbound Connection header.
func copyHeaderExcluding(to, from http.Header, exclude map[string]bool) {
	for k, v := range from {
		if exclude[k] || strings.HasPrefix(http.CanonicalHeaderKey(k), "Proxy-") {
			continue
		}
		to[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
}

// connectionHeaderNames parses the inbound Connection header's value
// list (e.g. "Connection: X-Custom, Keep-Alive") so those are stripped
// too, not just the fixed hopHeaders set.
func connectionHeaderNames(h http.Header) map[string]bool {
	names := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				names[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return names
}

// buildExcludeSet returns hopHeaders unioned with any headers named in
// the request's own Connection header.
func buildExcludeSet(h http.Header) map[string]bool {
	exclude := make(map[string]bool, len(hopHeaders))
	for k := range hopHeaders {
		exclude[k] = true
	}
	for k := range connectionHeaderNames(h) {
		exclude[k] = true
	}
	return exclude
}

// hasCRLF reports whether s contains a bare CR or LF, which would allow
// header/request-line injection if forwarded verbatim.
func hasCRLF(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

// validateHeaders rejects any inbound header name or value containing
// CR/LF before forwarding, per spec §4.6.
func validateHeaders(h http.Header) bool {
	for k, vs := range h {
		if hasCRLF(k) {
			return false
		}
		for _, v := range vs {
			if hasCRLF(v) {
				return false
			}
		}
	}
	return true
}

// applySecurityHeaders adds the gateway-owned response headers only
// where the upstream left them unset.
func applySecurityHeaders(h http.Header, csp string) {
	for name, value := range securityHeaders {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
	if csp != "" && h.Get("Content-Security-Policy") == "" {
		h.Set("Content-Security-Policy", csp)
	}
}
