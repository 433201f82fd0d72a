// Package metrics implements collection of the counters, histograms and
// gauges described in spec §4.7, backed by Prometheus client_golang.
package metrics

import "time"

// Metrics is the interface every component depends on; process-scoped
// instances are constructed once in main and passed down, never reached
// for through a package-level singleton.
type Metrics interface {
	// IncRequest increments the requests-total counter for one finished
	// request, labeled by status/method/route.
	IncRequest(status int, method, routeID string)

	// IncAuthFailure increments the auth-failures counter, labeled by
	// the ErrorRecord code that caused it (e.g. "invalid_token").
	IncAuthFailure(reason string)

	// IncRateLimitDenied increments the rate-limit-denials counter,
	// labeled by the rule/route that denied the request.
	IncRateLimitDenied(rule string)

	// IncUpstreamError increments the upstream-errors counter, labeled
	// by kind ("connect", "timeout", "reset").
	IncUpstreamError(kind string)

	// MeasureRequestDuration records end-to-end request latency.
	MeasureRequestDuration(routeID string, start time.Time)

	// MeasureUpstreamDuration records latency of the upstream round trip.
	MeasureUpstreamDuration(routeID string, start time.Time)

	// SetInFlight updates the in-flight request gauge.
	SetInFlight(n int)

	// SetUpstreamPoolInUse updates the upstream connection pool in-use gauge.
	SetUpstreamPoolInUse(n int)

	// SetStoreAvailable updates the 0/1 gauge for a named store
	// ("session", "ratelimit").
	SetStoreAvailable(store string, available bool)
}

// Void discards every measurement; used in tests and whenever metrics are
// disabled by configuration.
type Void struct{}

func (Void) IncRequest(int, string, string)          {}
func (Void) IncAuthFailure(string)                    {}
func (Void) IncRateLimitDenied(string)                {}
func (Void) IncUpstreamError(string)                  {}
func (Void) MeasureRequestDuration(string, time.Time)  {}
func (Void) MeasureUpstreamDuration(string, time.Time) {}
func (Void) SetInFlight(int)                           {}
func (Void) SetUpstreamPoolInUse(int)                  {}
func (Void) SetStoreAvailable(string, bool)            {}

var _ Metrics = Void{}
