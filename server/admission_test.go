package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AlexanderYastrebov/noleak"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionAllowsUpToMaxInFlight(t *testing.T) {
	noleak.Check(t)

	a := NewAdmission(2, 0, 0)
	defer a.Close()

	done1, gerr := a.Wait()
	require.Nil(t, gerr)
	done2, gerr := a.Wait()
	require.Nil(t, gerr)

	active, _ := a.Status()
	assert.Equal(t, 2, active)

	done1()
	done2()
}

func TestAdmissionRejectsWhenStackFull(t *testing.T) {
	noleak.Check(t)

	a := NewAdmission(1, 0, 0)
	defer a.Close()

	done, gerr := a.Wait()
	require.Nil(t, gerr)
	defer done()

	_, gerr = a.Wait()
	require.NotNil(t, gerr)
	assert.Equal(t, http.StatusServiceUnavailable, gerr.Status)
}

func TestAdmissionMiddlewareRejectsExcessWithRetryAfter(t *testing.T) {
	noleak.Check(t)

	a := NewAdmission(1, 0, 0)
	defer a.Close()

	blockCh := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blockCh
		w.WriteHeader(http.StatusOK)
	})
	h := admissionMiddleware(a, "X-Request-ID", slow)

	rec1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	doneCh := make(chan struct{})
	go func() {
		h.ServeHTTP(rec1, req1)
		close(doneCh)
	}()

	// give the first request time to acquire the only slot
	time.Sleep(20 * time.Millisecond)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.Header.Set("X-Request-ID", "cid-2")
	h.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusServiceUnavailable, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
	assert.Contains(t, rec2.Body.String(), "cid-2")

	close(blockCh)
	<-doneCh
}
