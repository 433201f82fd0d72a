package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/gwerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCtx(method, path string) (*gwcontext.RequestContext, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	return gwcontext.New(rec, req, "", "10.0.0.1"), rec
}

func TestBuildRunsStagesOutsideIn(t *testing.T) {
	var order []string
	mk := func(name string) Stage {
		return NewStageFunc(name, func(ctx *gwcontext.RequestContext, next Next) Response {
			order = append(order, name+":enter")
			resp := next(ctx)
			order = append(order, name+":exit")
			return resp
		})
	}

	h := Build(mk("a"), mk("b"), mk("c"))
	ctx, _ := newCtx(http.MethodGet, "/x")
	h(ctx)

	assert.Equal(t, []string{"a:enter", "b:enter", "c:enter", "c:exit", "b:exit", "a:exit"}, order)
}

func TestBuildShortCircuitSkipsRemainingStages(t *testing.T) {
	var ran []string
	short := NewStageFunc("short", func(ctx *gwcontext.RequestContext, next Next) Response {
		ran = append(ran, "short")
		return Response{Err: gwerrors.NewRouteNotFound()}
	})
	never := NewStageFunc("never", func(ctx *gwcontext.RequestContext, next Next) Response {
		ran = append(ran, "never")
		return next(ctx)
	})

	h := Build(short, never)
	ctx, _ := newCtx(http.MethodGet, "/x")
	resp := h(ctx)

	assert.Equal(t, []string{"short"}, ran)
	require.NotNil(t, resp.Err)
	assert.Equal(t, gwerrors.RouteNotFound, resp.Err.Kind)
}

func TestRecoveryStageConvertsPanicToInternalError(t *testing.T) {
	panics := NewStageFunc("boom", func(ctx *gwcontext.RequestContext, next Next) Response {
		panic("kaboom")
	})
	h := Build(RecoveryStage{}, panics)
	ctx, _ := newCtx(http.MethodGet, "/x")

	resp := h(ctx)

	require.NotNil(t, resp.Err)
	assert.Equal(t, gwerrors.Internal, resp.Err.Kind)
	assert.Equal(t, http.StatusInternalServerError, resp.Err.Status)
}

func TestCorrelationStageGeneratesIDWhenMissing(t *testing.T) {
	ctx, rec := newCtx(http.MethodGet, "/x")
	h := Build(CorrelationStage{})
	h(ctx)

	assert.NotEmpty(t, ctx.CorrelationID)
	assert.Equal(t, ctx.CorrelationID, rec.Header().Get("X-Request-ID"))
}

func TestCorrelationStagePreservesValidInboundID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	ctx := gwcontext.New(rec, req, "", "10.0.0.1")

	h := Build(CorrelationStage{})
	h(ctx)

	assert.Equal(t, "abc-123", ctx.CorrelationID)
}

func TestCorrelationStageRejectsOversizedID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	oversized := make([]byte, 200)
	for i := range oversized {
		oversized[i] = 'a'
	}
	req.Header.Set("X-Request-ID", string(oversized))
	rec := httptest.NewRecorder()
	ctx := gwcontext.New(rec, req, "", "10.0.0.1")

	h := Build(CorrelationStage{})
	h(ctx)

	assert.NotEqual(t, string(oversized), ctx.CorrelationID)
}

func TestWriteErrorIncludesRetryAfterAndHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	err := gwerrors.NewRateLimitExceeded(5, 10, 0, 5)

	WriteError(rec, "cid-1", err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))

	var body struct {
		Error         string `json:"error"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id"`
		Timestamp     string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, "cid-1", body.CorrelationID)
	_, err2 := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err2, "timestamp must be RFC3339")
}
