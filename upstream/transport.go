// Package upstream implements the pooled HTTP client and forwarding
// path of spec.md §4.6, generalized from the teacher's proxy.go
// (WithParams' *http.Transport construction, skipperDialer's dial-error
// tagging, the single pooled client shared across requests).
package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	DefaultIdleConnsPerHost      = 64
	DefaultCloseIdleConnsPeriod  = 20 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultExpectContinueTimeout = 30 * time.Second
)

// Pool configures the shared *http.Transport.
type Pool struct {
	PerHost     int
	IdleSeconds time.Duration
	ClientTLS   *tls.Config
}

// dialer wraps net.Dialer.DialContext and tags the resulting error as a
// dial error so callers can tell "never reached the upstream" apart from
// a later timeout or reset, mirroring the teacher's skipperDialer.
type dialer struct {
	inner net.Dialer
}

// dialError marks an error observed before any HTTP bytes were
// exchanged, making it safe to retry per spec §4.6.
type dialError struct{ err error }

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.inner.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &dialError{err: err}
	}
	return conn, nil
}

// isDialError reports whether err (possibly wrapped) originated before
// any HTTP bytes were sent to the upstream.
func isDialError(err error) bool {
	var de *dialError
	for err != nil {
		if e, ok := err.(*dialError); ok {
			de = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return de != nil
}

// NewTransport builds the single shared *http.Transport used for every
// forwarded request, always starting a background goroutine that
// periodically closes idle connections, every pool.IdleSeconds or
// DefaultCloseIdleConnsPeriod when that is not positive (teacher precedent:
// golang.org/issue/23427 — IdleConnTimeout alone doesn't fade on DNS
// change). The returned stop func must be called on shutdown.
func NewTransport(pool Pool, connectTimeout time.Duration) (*http.Transport, func()) {
	perHost := pool.PerHost
	if perHost <= 0 {
		perHost = DefaultIdleConnsPerHost
	}
	idlePeriod := pool.IdleSeconds
	if idlePeriod <= 0 {
		idlePeriod = DefaultCloseIdleConnsPeriod
	}

	d := &dialer{inner: net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}}

	tr := &http.Transport{
		DialContext:           d.DialContext,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: DefaultExpectContinueTimeout,
		MaxIdleConns:          perHost * 4,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       idlePeriod,
		TLSClientConfig:       pool.ClientTLS,
	}

	quit := make(chan struct{})
	go func() {
		t := time.NewTicker(idlePeriod)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tr.CloseIdleConnections()
			case <-quit:
				return
			}
		}
	}()

	return tr, func() { close(quit) }
}
