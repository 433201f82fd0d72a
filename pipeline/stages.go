package pipeline

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"
	"unicode"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/gwerrors"
	"github.com/maltehedderich/api-gateway-go/logging"
	"github.com/maltehedderich/api-gateway-go/metrics"
	"github.com/maltehedderich/api-gateway-go/router"
	"github.com/maltehedderich/api-gateway-go/token"
	"github.com/maltehedderich/api-gateway-go/authz"
	"github.com/maltehedderich/api-gateway-go/ratelimit"
	"github.com/maltehedderich/api-gateway-go/upstream"
)

// CorrelationStage reads X-Request-ID if present and well-formed
// (printable ASCII, <=128 chars), else generates a fresh random one,
// per spec §4.2. It must be the outermost stage.
type CorrelationStage struct{}

func (CorrelationStage) Name() string { return "correlation" }

func (CorrelationStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	id := ctx.Request.Header.Get("X-Request-ID")
	if !validCorrelationID(id) {
		id = generateCorrelationID()
	}
	ctx.CorrelationID = id
	ctx.ResponseWriter.Header().Set("X-Request-ID", id)
	return next(ctx)
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func generateCorrelationID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// RecoveryStage catches any panic from deeper stages and converts it to
// a 500 internal_error, mirroring the teacher's tryCatch (proxy/proxy.go):
// the cause is logged at ERROR with a stack trace but never reaches the
// client.
type RecoveryStage struct {
	Log logging.Logger
}

func (RecoveryStage) Name() string { return "recovery" }

func (s RecoveryStage) Handle(ctx *gwcontext.RequestContext, next Next) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			if s.Log != nil {
				s.Log.WithFields(map[string]interface{}{
					"correlation_id": ctx.CorrelationID,
				}).Errorf("panic in pipeline: %v\n%s", r, buf[:n])
			}
			resp = Response{Err: gwerrors.NewInternal(fmt.Errorf("panic: %v", r))}
		}
	}()
	return next(ctx)
}

// RequestLogStage records the arrival checkpoint, runs the rest of the
// chain, and emits one structured AccessEntry on the way back — the
// only stage that logs the finished request, per spec §4.2/§4.7.
type RequestLogStage struct {
	AccessLog *logging.AccessLog
}

func (RequestLogStage) Name() string { return "request-log" }

func (s RequestLogStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	ctx.Checkpoint("request_start")
	resp := next(ctx)

	status := statusOf(resp)
	entry := &logging.AccessEntry{
		Timestamp:       ctx.ArrivalTime,
		CorrelationID:   ctx.CorrelationID,
		Method:          ctx.Request.Method,
		NormalizedPath:  router.Normalize(ctx.Request.URL.EscapedPath()),
		ClientIP:        ctx.ClientIP,
		Status:          status,
		TotalDurationMS: ctx.Since("request_start").Milliseconds(),
		UserID:          ctx.UserID(),
		SessionID:       ctx.SessionID(),
	}
	if ctx.Route != nil {
		entry.RouteID = ctx.Route.ID
	}
	if ctx.RateLimit != nil {
		entry.RateLimitKey = ctx.RateLimit.Key
		if ctx.RateLimit.Allowed {
			entry.RateLimitOutcome = "allowed"
		} else {
			entry.RateLimitOutcome = "denied"
		}
	}
	if d := ctx.Between("upstream_start", "upstream_end"); d > 0 {
		entry.UpstreamDuration = d.Milliseconds()
	}
	if s.AccessLog != nil {
		s.AccessLog.Log(entry)
	}
	return resp
}

func statusOf(resp Response) int {
	if resp.Err != nil {
		return resp.Err.Status
	}
	return http.StatusOK
}

// RouteResolveStage matches the normalized request path and method
// against the route table, attaching the Route and path params on
// success or short-circuiting with RouteNotFound/MethodNotAllowed.
type RouteResolveStage struct {
	Router *router.Router
}

func (RouteResolveStage) Name() string { return "route-resolve" }

func (s RouteResolveStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	path := router.Normalize(ctx.Request.URL.EscapedPath())
	route, params, err := s.Router.Match(ctx.Request.Method, path)
	if err != nil {
		if gerr, ok := gwerrors.As(err); ok {
			return Response{Err: gerr}
		}
		return Response{Err: gwerrors.NewInternal(err)}
	}
	ctx.Route = route
	ctx.PathParams = params
	return next(ctx)
}

// AuthStage extracts and validates the session token, attaching a
// Principal when one is found; public routes proceed with no Principal,
// per spec §4.3.
type AuthStage struct {
	Validator *token.Validator
	Metrics   metrics.Metrics
}

func (AuthStage) Name() string { return "auth" }

func (s AuthStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	raw, found := s.Validator.Extract(ctx.Request)
	if !found {
		if ctx.Route.AuthRequired {
			return s.fail(ctx, gwerrors.NewMissingToken())
		}
		return next(ctx)
	}

	principal, refreshed, err := s.Validator.Validate(ctx.Request.Context(), raw, ctx.ClientIP)
	if err != nil {
		if gerr, ok := gwerrors.As(err); ok {
			return s.fail(ctx, gerr)
		}
		return s.fail(ctx, gwerrors.NewInternal(err))
	}
	ctx.Principal = principal
	if refreshed != nil {
		http.SetCookie(ctx.ResponseWriter, refreshed)
	}
	return next(ctx)
}

func (s AuthStage) fail(ctx *gwcontext.RequestContext, gerr *gwerrors.Error) Response {
	if s.Metrics != nil {
		s.Metrics.IncAuthFailure(gerr.Code)
	}
	return Response{Err: gerr}
}

// AuthorizeStage runs the Authorization decision of spec §4.4 once a
// Principal (or its absence) is known.
type AuthorizeStage struct {
	Authorizer *authz.Authorizer
}

func (AuthorizeStage) Name() string { return "authorize" }

func (s AuthorizeStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	if err := s.Authorizer.Authorize(ctx.Principal, ctx.Route.Permissions, ctx.Route.ID); err != nil {
		if gerr, ok := gwerrors.As(err); ok {
			return Response{Err: gerr}
		}
		return Response{Err: gwerrors.NewInternal(err)}
	}
	return next(ctx)
}

// RateLimitStage derives the active rule's key and evaluates it,
// attaching the decision to ctx so the access log can record the
// outcome. A route's RateLimitKey selects its Rule from Rules; an empty
// key or a miss falls back to Default, and a nil Default after that
// miss disables rate limiting for the route entirely.
type RateLimitStage struct {
	Limiter *ratelimit.Limiter
	Rules   map[string]*ratelimit.Rule
	Default *ratelimit.Rule
	Metrics metrics.Metrics
	Log     logging.Logger
}

func (RateLimitStage) Name() string { return "rate-limit" }

func (s RateLimitStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	rule := s.Default
	if ctx.Route.RateLimitKey != "" {
		if r, ok := s.Rules[ctx.Route.RateLimitKey]; ok {
			rule = r
		}
	}
	if rule == nil {
		return next(ctx)
	}
	var userID string
	if ctx.Principal != nil {
		userID = ctx.Principal.UserID
	}
	key := ratelimit.DeriveKey(rule, ratelimit.KeyInputs{IP: ctx.ClientIP, User: userID, Route: ctx.Route.ID})

	d, err := s.Limiter.Evaluate(ctx.Request.Context(), rule, key, time.Now())
	if err != nil && s.Log != nil {
		s.Log.Errorf("rate limit store error for rule %s: %v", rule.Name, err)
	}

	ctx.RateLimit = &gwcontext.RateLimitDecision{
		Key: key, Allowed: d.Allowed, Limit: d.Limit, Remaining: d.Remaining,
		ResetSecs: d.ResetSeconds, Rule: rule.Name,
	}

	if !d.Allowed {
		if s.Metrics != nil {
			s.Metrics.IncRateLimitDenied(rule.Name)
		}
		return Response{Err: gwerrors.NewRateLimitExceeded(d.RetryAfter, d.Limit, d.Remaining, d.ResetSeconds)}
	}

	// spec §4.5: X-RateLimit-* are emitted on every rate-limited response,
	// not just the 429 denial, so set them here before the proxy stage
	// writes the upstream's status and streams its body.
	setRateLimitHeaders(ctx.ResponseWriter.Header(), d.Limit, d.Remaining, d.ResetSeconds)
	return next(ctx)
}

func setRateLimitHeaders(h http.Header, limit, remaining, reset int) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
}

// ProxyStage is the innermost stage: it forwards the request upstream
// and streams the response back, per spec §4.6.
type ProxyStage struct {
	Client         *upstream.Client
	RouteTimeouts  map[string]upstream.Timeouts
}

func (ProxyStage) Name() string { return "proxy" }

func (s ProxyStage) Handle(ctx *gwcontext.RequestContext, next Next) Response {
	ctx.Checkpoint("upstream_start")
	timeouts := s.RouteTimeouts[ctx.Route.ID]
	gerr := s.Client.Forward(ctx.Request.Context(), ctx, ctx.Route, timeouts)
	ctx.Checkpoint("upstream_end")
	if gerr != nil {
		return Response{Err: gerr}
	}
	return next(ctx)
}
