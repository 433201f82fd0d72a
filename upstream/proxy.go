package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/gwerrors"
	"github.com/maltehedderich/api-gateway-go/router"
)

// Timeouts are the per-request deadlines applied to a single forwarded
// request, overridable per route.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Overall time.Duration
}

// idempotentMethods are the only methods eligible for a pre-response
// retry, per spec §4.6.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Options configures a Client for the life of the process.
type Options struct {
	Pool             Pool
	Timeouts         Timeouts
	MaxRetries       int
	RetryBackoffBase time.Duration
	SecurityHeaders  bool
	CSP              string
	MaxRequestBody   int64
	Tracer           opentracing.Tracer // nil falls back to opentracing.NoopTracer
}

// Client is the single pooled HTTP client shared by every forwarded
// request, generalizing the teacher's Proxy type (proxy.go) down to
// just the outbound-request concern; routing, auth, and rate limiting
// live in their own stages upstream of this package.
type Client struct {
	http            *http.Client
	stopIdleSweep   func()
	timeouts        Timeouts
	maxRetries      int
	backoffBase     time.Duration
	securityHeaders bool
	csp             string
	maxRequestBody  int64
	tracer          opentracing.Tracer
}

func New(opts Options) *Client {
	tr, stop := NewTransport(opts.Pool, opts.Timeouts.Connect)
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoffBase := opts.RetryBackoffBase
	if backoffBase <= 0 {
		backoffBase = 50 * time.Millisecond
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Client{
		http:            &http.Client{Transport: tr},
		stopIdleSweep:   stop,
		timeouts:        opts.Timeouts,
		maxRetries:      maxRetries,
		backoffBase:     backoffBase,
		securityHeaders: opts.SecurityHeaders,
		csp:             opts.CSP,
		maxRequestBody:  opts.MaxRequestBody,
		tracer:          tracer,
	}
}

// Close stops the background idle-connection sweep; it does not close
// in-flight connections.
func (c *Client) Close() { c.stopIdleSweep() }

// SetClientTLS swaps the transport's TLS config, used by tests that need
// to talk to an httptest.Server with a self-signed certificate.
func (c *Client) SetClientTLS(cfg *tls.Config) {
	if tr, ok := c.http.Transport.(*http.Transport); ok {
		tr.TLSClientConfig = cfg
	}
}

// Forward builds an upstream request from rc and route, executes it
// (retrying pre-response failures on idempotent methods), and streams
// the upstream response back through rc.ResponseWriter. It returns a
// *gwerrors.Error on any failure; a nil return means the response was
// already written.
func (c *Client) Forward(ctx context.Context, rc *gwcontext.RequestContext, route *router.Route, timeouts Timeouts) *gwerrors.Error {
	if timeouts.Overall <= 0 {
		timeouts = c.timeouts
	}
	if timeouts.Overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.Overall)
		defer cancel()
	}

	body, gerr := c.boundedBody(rc.Request)
	if gerr != nil {
		return gerr
	}
	if body != nil {
		defer body.Close()
	}

	req, gerr := c.buildRequest(ctx, rc, route, body)
	if gerr != nil {
		return gerr
	}

	span := c.startSpan(ctx, req, route.ID)
	defer span.Finish()

	resp, gerr := c.doWithRetry(req, rc.Request.Method, timeouts)
	if gerr != nil {
		ext.Error.Set(span, true)
		return gerr
	}
	defer resp.Body.Close()
	ext.HTTPStatusCode.Set(span, uint16(resp.StatusCode))

	c.writeResponse(rc, resp)
	return nil
}

// boundedBody wraps the inbound body in a counting reader that fails
// once maxRequestBody bytes have passed, per spec §4.6; a nil body
// (GET/HEAD with no payload) passes through untouched.
func (c *Client) boundedBody(r *http.Request) (io.ReadCloser, *gwerrors.Error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if c.maxRequestBody <= 0 {
		return r.Body, nil
	}
	return &limitedBody{inner: r.Body, remaining: c.maxRequestBody}, nil
}

// limitedBody enforces max_request_body_size by counting bytes as they
// stream through, closing the underlying body and erroring once the
// budget is exceeded instead of buffering the whole request.
type limitedBody struct {
	inner     io.ReadCloser
	remaining int64
	exceeded  bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, io.ErrClosedPipe
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		b.exceeded = true
		b.inner.Close()
		return n, fmt.Errorf("upstream: request body exceeds limit")
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.inner.Close() }

// buildRequest constructs the outbound request, applying the URL and
// header policy of spec §4.6.
func (c *Client) buildRequest(ctx context.Context, rc *gwcontext.RequestContext, route *router.Route, body io.ReadCloser) (*http.Request, *gwerrors.Error) {
	in := rc.Request

	if !validateHeaders(in.Header) {
		return nil, gwerrors.NewBadRequest("header name or value contains CR/LF")
	}

	target := buildUpstreamURL(route.UpstreamID, in.URL.Path, in.URL.RawQuery, rc.PathParams)

	req, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, gwerrors.NewBadRequest("could not construct upstream request")
	}
	if cl := in.ContentLength; cl >= 0 {
		req.ContentLength = cl
	}

	exclude := buildExcludeSet(in.Header)
	req.Header = make(http.Header, len(in.Header))
	copyHeaderExcluding(req.Header, in.Header, exclude)

	if !route.PassSession {
		req.Header.Del("Cookie")
	}

	req.Host = in.Host
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
	} else {
		req.Header.Set("X-Forwarded-For", rc.ClientIP)
	}
	if in.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Request-Id", rc.CorrelationID)

	return req, nil
}

// startSpan starts a child span for the upstream call (or a root span if
// the inbound request carried none), tags it with the route and method,
// and injects it into the outgoing request's headers so the upstream can
// continue the trace, generalizing the teacher's net/httpclient.go
// SkipperRoundTripper.Do tracing hook.
func (c *Client) startSpan(ctx context.Context, req *http.Request, routeID string) opentracing.Span {
	var parent opentracing.SpanContext
	if span := opentracing.SpanFromContext(ctx); span != nil {
		parent = span.Context()
	}
	span := c.tracer.StartSpan("upstream_request", opentracing.ChildOf(parent))
	ext.SpanKindRPCClient.Set(span)
	ext.HTTPMethod.Set(span, req.Method)
	ext.HTTPUrl.Set(span, req.URL.String())
	span.SetTag("route.id", routeID)
	_ = c.tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	return span
}

// buildUpstreamURL joins the configured upstream base with the original
// request's path suffix and query string, substituting any {name}
// placeholders the base itself declares from already-validated path
// params (spec §4.6).
func buildUpstreamURL(base, path, rawQuery string, params map[string]string) string {
	resolved := base
	for name, value := range params {
		resolved = strings.ReplaceAll(resolved, "{"+name+"}", value)
	}
	if !strings.Contains(base, "{") {
		resolved = strings.TrimSuffix(base, "/") + path
	}
	if rawQuery != "" {
		resolved += "?" + rawQuery
	}
	return resolved
}

// doWithRetry executes req, retrying pre-response (dial-phase) failures
// on idempotent methods up to maxRetries times with exponential backoff
// plus jitter, per spec §4.6.
func (c *Client) doWithRetry(req *http.Request, method string, timeouts Timeouts) (*http.Response, *gwerrors.Error) {
	attempts := 1
	if idempotentMethods[method] {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffWithJitter(c.backoffBase, attempt))
			req.Body, _ = rewoundBody(req)
		}

		resp, err := c.http.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isDialError(err) || attempt == attempts-1 {
			break
		}
	}

	return nil, classifyError(lastErr)
}

// rewoundBody returns req.Body unchanged; requests with a non-nil
// GetBody are rewound so a retry can re-read the body from the start.
func rewoundBody(req *http.Request) (io.ReadCloser, error) {
	if req.GetBody == nil {
		return req.Body, nil
	}
	return req.GetBody()
}

// backoffWithJitter returns base * 2^(attempt-1) plus up to base/2 of
// random jitter, bounding runaway growth at 2s.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return d + jitter
}

// classifyError maps a transport-level error to the gateway's error
// taxonomy: a dial failure is bad_gateway, anything else (including a
// context deadline) is gateway_timeout, matching spec §4.6.
func classifyError(err error) *gwerrors.Error {
	if err == nil {
		return gwerrors.NewInternal(fmt.Errorf("classifyError called with nil error"))
	}
	if isDialError(err) {
		return gwerrors.NewBadGateway(err)
	}
	return gwerrors.NewGatewayTimeout(err)
}

// writeResponse streams the upstream response's status, headers, and
// body back to the client, adding security headers only where the
// upstream left them unset.
func (c *Client) writeResponse(rc *gwcontext.RequestContext, resp *http.Response) {
	out := rc.ResponseWriter.Header()
	exclude := buildExcludeSet(resp.Header)
	copyHeaderExcluding(out, resp.Header, exclude)

	if c.securityHeaders {
		applySecurityHeaders(out, c.csp)
	}

	rc.ResponseWriter.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rc.ResponseWriter, resp.Body)
}
