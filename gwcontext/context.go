// Package gwcontext defines RequestContext, the per-request state bag
// threaded through the stage pipeline, generalized from the teacher's
// proxy.context (responseWriter/request/stateBag triple) to the fixed
// fields spec.md §3 requires plus a free-form bag for stage-local state.
package gwcontext

import (
	"net/http"
	"time"

	"github.com/maltehedderich/api-gateway-go/router"
)

// Principal identifies the caller once a token has been validated.
type Principal struct {
	UserID      string
	SessionID   string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	BoundIP     string
}

// RateLimitDecision is the outcome of the rate-limit stage, attached to
// the context so downstream stages (and the access log) can read it
// without recomputing it.
type RateLimitDecision struct {
	Key       string
	Allowed   bool
	Limit     int
	Remaining int
	ResetSecs int
	Rule      string
}

// RequestContext is created once per request by the pipeline and
// discarded when the response is emitted; nothing outlives the request.
// It is append-only: stages only ever add information, never remove it.
type RequestContext struct {
	CorrelationID string
	ArrivalTime   time.Time

	Request        *http.Request
	ResponseWriter http.ResponseWriter

	Route      *router.Route
	PathParams map[string]string

	Principal *Principal

	RateLimit *RateLimitDecision

	ClientIP string

	// checkpoints records named time.Time markers (e.g. "upstream_start",
	// "upstream_end") so stages can compute durations without passing
	// timestamps through the call stack.
	checkpoints map[string]time.Time

	// stateBag carries stage-local values that don't warrant a named
	// field, mirroring the teacher's context.stateBag.
	stateBag map[string]interface{}
}

// New creates a RequestContext for an inbound request. correlationID must
// already be resolved (generated or propagated) by the correlation stage.
func New(w http.ResponseWriter, r *http.Request, correlationID, clientIP string) *RequestContext {
	return &RequestContext{
		CorrelationID: correlationID,
		ArrivalTime:   time.Now(),
		Request:       r,
		ResponseWriter: w,
		ClientIP:      clientIP,
		checkpoints:   make(map[string]time.Time),
		stateBag:      make(map[string]interface{}),
	}
}

// Checkpoint records now() under name, overwriting any previous value.
func (c *RequestContext) Checkpoint(name string) {
	c.checkpoints[name] = time.Now()
}

// Since returns the elapsed time since a checkpoint was recorded, or zero
// if the checkpoint was never set.
func (c *RequestContext) Since(name string) time.Duration {
	t, ok := c.checkpoints[name]
	if !ok {
		return 0
	}
	return time.Since(t)
}

// Between returns the elapsed time between two checkpoints, or zero if
// either is missing.
func (c *RequestContext) Between(start, end string) time.Duration {
	s, ok1 := c.checkpoints[start]
	e, ok2 := c.checkpoints[end]
	if !ok1 || !ok2 {
		return 0
	}
	return e.Sub(s)
}

// Set stores a stage-local value under key.
func (c *RequestContext) Set(key string, v interface{}) { c.stateBag[key] = v }

// Get retrieves a stage-local value previously stored with Set.
func (c *RequestContext) Get(key string) (interface{}, bool) {
	v, ok := c.stateBag[key]
	return v, ok
}

// UserID returns the authenticated user id, or "" if no Principal is
// attached, for convenient use in logging without a nil check at every
// call site.
func (c *RequestContext) UserID() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.UserID
}

// SessionID returns the authenticated session id, or "" if no Principal
// is attached.
func (c *RequestContext) SessionID() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.SessionID
}
