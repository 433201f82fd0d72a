package logging

import (
	"net/http"
	"time"
)

// AccessEntry is the structured per-request record described in spec §4.7.
// No request or response body ever appears on it.
type AccessEntry struct {
	Timestamp         time.Time
	CorrelationID     string
	Method            string
	NormalizedPath    string
	RouteID           string
	ClientIP          string
	Status            int
	TotalDurationMS   int64
	UpstreamDuration  int64
	UserID            string
	SessionID         string
	RateLimitKey      string
	RateLimitOutcome  string
}

// AccessLog writes one structured entry per request. Implementations must
// not block the request path for long; the default implementation logs
// synchronously through logrus, matching the teacher's access log, which
// also logs synchronously on the request goroutine.
type AccessLog struct {
	logger Logger
}

func NewAccessLog(logger Logger) *AccessLog {
	return &AccessLog{logger: logger}
}

func (a *AccessLog) Log(e *AccessEntry) {
	fields := map[string]interface{}{
		"timestamp":         e.Timestamp.Format(time.RFC3339Nano),
		"correlation_id":    e.CorrelationID,
		"method":            e.Method,
		"path":              e.NormalizedPath,
		"route_id":          e.RouteID,
		"client_ip":         e.ClientIP,
		"status":            e.Status,
		"total_duration_ms": e.TotalDurationMS,
	}
	if e.UpstreamDuration > 0 {
		fields["upstream_duration_ms"] = e.UpstreamDuration
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.SessionID != "" {
		fields["session_id"] = e.SessionID
	}
	if e.RateLimitKey != "" {
		fields["rate_limit_key"] = e.RateLimitKey
		fields["rate_limit_outcome"] = e.RateLimitOutcome
	}
	a.logger.WithFields(fields).Info("request")
}

// DefaultRedactHeaders is the default set of header names that must never
// appear, even for debugging, in logs or error responses.
var DefaultRedactHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
	"Proxy-Authorization",
}

// Redactor removes configured header values before they reach a log sink.
type Redactor struct {
	names map[string]bool
}

func NewRedactor(headerNames []string) *Redactor {
	m := make(map[string]bool, len(headerNames))
	for _, n := range headerNames {
		m[http.CanonicalHeaderKey(n)] = true
	}
	return &Redactor{names: m}
}

func (r *Redactor) Redacted(name string) bool {
	return r.names[http.CanonicalHeaderKey(name)]
}
