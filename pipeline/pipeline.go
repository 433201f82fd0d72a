// Package pipeline composes the fixed stage chain of spec.md §4.2:
// correlation-id injection, panic recovery, request-log, route-resolve,
// auth, authorize, rate-limit, proxy. It generalizes the teacher's
// Proxy.applyFiltersToRequest/applyFiltersToResponse (proxy/proxy.go),
// which iterate a per-route filter list in a fixed request/response
// order, into a pipeline-wide fixed stage order applied to every route.
package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/gwerrors"
)

// Response is what a Stage returns: either nothing (the response was
// already written to ctx.ResponseWriter by this stage or a deeper one)
// or an Err that the caller of the pipeline (the server's entry
// handler) renders with WriteError as the single HTTP response for the
// request.
type Response struct {
	Err *gwerrors.Error
}

// Next invokes the remainder of the chain.
type Next func(ctx *gwcontext.RequestContext) Response

// Stage is one link in the fixed pipeline.
type Stage interface {
	Name() string
	Handle(ctx *gwcontext.RequestContext, next Next) Response
}

// Handler runs the whole composed chain for one request.
type Handler func(ctx *gwcontext.RequestContext) Response

// terminal is the Next passed to the innermost stage; reaching it with
// no error means every stage up to and including the proxy stage
// already wrote (or chose not to write) a response.
func terminal(*gwcontext.RequestContext) Response { return Response{} }

// Build composes stages into a single Handler, innermost (last
// argument) first, matching the declared order exactly — callers pass
// stages outside-in, e.g. Build(correlation, recovery, requestLog,
// routeResolve, auth, authorize, rateLimit, proxyStage).
func Build(stages ...Stage) Handler {
	next := Next(terminal)
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		n := next
		next = func(ctx *gwcontext.RequestContext) Response {
			return s.Handle(ctx, n)
		}
	}
	return Handler(next)
}

// StageFunc adapts a plain function to the Stage interface for simple,
// closure-based stages that don't need their own type.
type StageFunc struct {
	name string
	fn   func(ctx *gwcontext.RequestContext, next Next) Response
}

func NewStageFunc(name string, fn func(ctx *gwcontext.RequestContext, next Next) Response) StageFunc {
	return StageFunc{name: name, fn: fn}
}

func (s StageFunc) Name() string { return s.name }
func (s StageFunc) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	return s.fn(ctx, next)
}

// errorBody is the client-facing JSON shape required by spec.md §6;
// err.Cause is never serialized.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

// WriteError renders a *gwerrors.Error as the client-facing HTTP
// response: status, any error-supplied headers (Allow, X-RateLimit-*),
// a Retry-After header when set, and a JSON body carrying the
// client-safe code, message, correlation id, and the RFC3339 time the
// response was written.
func WriteError(w http.ResponseWriter, correlationID string, err *gwerrors.Error) {
	h := w.Header()
	for k, vs := range err.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if err.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", correlationID)
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:         err.Code,
		Message:       err.Message,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}
