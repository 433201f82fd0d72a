package server

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltehedderich/api-gateway-go/authz"
	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/logging"
	"github.com/maltehedderich/api-gateway-go/metrics"
	"github.com/maltehedderich/api-gateway-go/pipeline"
	"github.com/maltehedderich/api-gateway-go/ratelimit"
	"github.com/maltehedderich/api-gateway-go/router"
	"github.com/maltehedderich/api-gateway-go/session"
	"github.com/maltehedderich/api-gateway-go/token"
	"github.com/maltehedderich/api-gateway-go/upstream"
)

// gatewayFixture assembles the same fixed stage chain cmd/gatewayd wires
// — router, auth, authorize, rate-limit, proxy — against in-memory
// session/rate-limit stores, and serves it from an httptest.Server, the
// same shape as spec.md §8's literal end-to-end scenarios.
type gatewayFixture struct {
	server    *httptest.Server
	validator *token.Validator
}

func buildGateway(t *testing.T, routes []router.Route, rlRules map[string]*ratelimit.Rule, rlDefault *ratelimit.Rule) *gatewayFixture {
	t.Helper()

	log := logging.New(logrus.ErrorLevel)
	accessLog := logging.NewAccessLog(log)

	sessionStore := session.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = sessionStore })

	validator := token.New(token.Options{
		CookieName:    "session_token",
		TokenKind:     "signed",
		SigningSecret: testSigningSecret,
		IdleTTL:       time.Hour,
		RefreshBelow:  time.Minute,
		Store:         sessionStore,
		Log:           log,
	})

	authorizer := authz.New(nil, log)
	limiter := ratelimit.New(ratelimit.NewMemoryStore())

	rt, err := router.New(routes)
	require.NoError(t, err)

	client := upstream.New(upstream.Options{
		Pool:           upstream.Pool{PerHost: 8, IdleSeconds: 10 * time.Second},
		Timeouts:       upstream.Timeouts{Connect: time.Second, Read: 2 * time.Second, Overall: 2 * time.Second},
		MaxRetries:     1,
		MaxRequestBody: 1 << 20,
	})
	t.Cleanup(client.Close)

	timeouts := map[string]upstream.Timeouts{}
	for _, r := range routes {
		if r.ID == "timeout-route" {
			timeouts[r.ID] = upstream.Timeouts{Connect: time.Second, Read: 500 * time.Millisecond, Overall: 500 * time.Millisecond}
		}
	}

	handler := pipeline.Build(
		pipeline.CorrelationStage{},
		pipeline.RecoveryStage{Log: log},
		pipeline.RequestLogStage{AccessLog: accessLog},
		pipeline.RouteResolveStage{Router: rt},
		pipeline.AuthStage{Validator: validator, Metrics: metrics.Void{}},
		pipeline.AuthorizeStage{Authorizer: authorizer},
		pipeline.RateLimitStage{Limiter: limiter, Rules: rlRules, Default: rlDefault, Metrics: metrics.Void{}, Log: log},
		pipeline.ProxyStage{Client: client, RouteTimeouts: timeouts},
	)

	entry := entryHandler(handler, clientIPFromRemoteAddr)
	srv := httptest.NewServer(entry)
	t.Cleanup(srv.Close)

	return &gatewayFixture{server: srv, validator: validator}
}

func clientIPFromRemoteAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

const testSigningSecret = "01234567890123456789012345678901"

func TestScenarioPublicRouteSuccess(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer upstreamSrv.Close()

	fx := buildGateway(t, []router.Route{
		{ID: "ping", Pattern: "/v1/ping", Methods: []string{"GET"}, UpstreamID: upstreamSrv.URL},
	}, nil, nil)

	resp, err := http.Get(fx.server.URL + "/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestScenarioProtectedRouteMissingToken(t *testing.T) {
	var upstreamHits int32
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	fx := buildGateway(t, []router.Route{
		{ID: "me", Pattern: "/v1/me", Methods: []string{"GET"}, UpstreamID: upstreamSrv.URL, AuthRequired: true},
	}, nil, nil)

	resp, err := http.Get(fx.server.URL + "/v1/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&upstreamHits))
}

func TestScenarioSignedTokenTampering(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	fx := buildGateway(t, []router.Route{
		{ID: "me", Pattern: "/v1/me", Methods: []string{"GET"}, UpstreamID: upstreamSrv.URL, AuthRequired: true},
	}, nil, nil)

	tok, err := token.Issue(&gwcontext.Principal{UserID: "u1", SessionID: "s1"}, []byte(testSigningSecret), time.Hour)
	require.NoError(t, err)
	tampered := tok[:len(tok)-1] + flipLastChar(tok[len(tok)-1])

	req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/v1/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: tampered})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func flipLastChar(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}

func TestScenarioRateLimitBurstThenDenied(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	rule := &ratelimit.Rule{Name: "burst", Algorithm: ratelimit.TokenBucket, KeyTemplate: "{ip}", Capacity: 3, RefillRate: 0}
	fx := buildGateway(t, []router.Route{
		{ID: "burst", Pattern: "/v1/burst", Methods: []string{"GET"}, UpstreamID: upstreamSrv.URL},
	}, nil, rule)

	client := &http.Client{}
	var statuses []int
	for i := 0; i < 4; i++ {
		req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/v1/burst", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		statuses = append(statuses, resp.StatusCode)
		if i == 3 {
			assert.GreaterOrEqual(t, mustAtoi(t, resp.Header.Get("Retry-After")), 1)
			assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
		}
		resp.Body.Close()
	}

	assert.Equal(t, []int{200, 200, 200, 429}, statuses)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestScenarioUpstreamTimeoutNoRetryOnPost(t *testing.T) {
	var upstreamHits int32
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	fx := buildGateway(t, []router.Route{
		{ID: "timeout-route", Pattern: "/v1/slow", Methods: []string{"POST"}, UpstreamID: upstreamSrv.URL},
	}, nil, nil)

	start := time.Now()
	resp, err := http.Post(fx.server.URL+"/v1/slow", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamHits))
}

func TestScenarioPathTraversalRejected(t *testing.T) {
	var upstreamHits int32
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	fx := buildGateway(t, []router.Route{
		{ID: "users", Pattern: "/v1/users/{id}", Methods: []string{"GET"}, UpstreamID: upstreamSrv.URL},
	}, nil, nil)

	resp, err := http.Get(fx.server.URL + "/v1/users/%2e%2e%2fadmin")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&upstreamHits))
}
