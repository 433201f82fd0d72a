// Package server wires the pipeline into two HTTP listeners: the main
// traffic listener running the full stage chain, and an admin listener
// serving /health/live, /health/ready, and /metrics outside the
// pipeline, each behind its own admission cap — generalized from the
// teacher's split between the main skipper.Run listener and its
// SupportListener/MetricsListener (skipper.go, metrics/metrics.go).
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/logging"
	"github.com/maltehedderich/api-gateway-go/pipeline"
)

// Options configures both listeners.
type Options struct {
	BindAddress      string
	Port             int
	TLSConfig        *tls.Config
	AdminBindAddress string
	MetricsEnabled   bool
	MetricsHandler   http.Handler
	ShutdownTimeout  time.Duration

	MaxInFlight int
	MaxQueued   int
	AdmitWait   time.Duration

	AdminMaxInFlight int

	Log logging.Logger
}

// Server owns the main traffic listener and the admin listener.
type Server struct {
	opts      Options
	main      *http.Server
	admin     *http.Server
	admission *Admission
	adminCap  *Admission
}

// New builds both http.Server instances but does not start them.
func New(opts Options, handler pipeline.Handler, health *HealthHandlers, clientIPFrom func(*http.Request) string) *Server {
	admission := NewAdmission(opts.MaxInFlight, opts.MaxQueued, opts.AdmitWait)

	mainMux := http.NewServeMux()
	mainMux.Handle("/", entryHandler(handler, clientIPFrom))

	s := &Server{
		opts: opts,
		main: &http.Server{
			Addr:      fmt.Sprintf("%s:%d", opts.BindAddress, opts.Port),
			Handler:   admissionMiddleware(admission, "X-Request-ID", mainMux),
			TLSConfig: opts.TLSConfig,
		},
		admission: admission,
	}

	if opts.AdminBindAddress != "" {
		adminCap := NewAdmission(adminMaxInFlight(opts.AdminMaxInFlight), 0, 0)
		adminMux := http.NewServeMux()
		if health != nil {
			adminMux.HandleFunc("/health/live", health.Live)
			adminMux.HandleFunc("/health/ready", health.Ready)
		}
		if opts.MetricsEnabled && opts.MetricsHandler != nil {
			adminMux.Handle("/metrics", opts.MetricsHandler)
		}
		s.admin = &http.Server{
			Addr:    opts.AdminBindAddress,
			Handler: admissionMiddleware(adminCap, "X-Request-ID", adminMux),
		}
		s.adminCap = adminCap
	}

	return s
}

func adminMaxInFlight(n int) int {
	if n <= 0 {
		return 10
	}
	return n
}

// entryHandler adapts a pipeline.Handler to http.Handler: it builds a
// fresh RequestContext per request (deriving ClientIP from the
// caller-supplied extractor, typically X-Forwarded-For-aware) and
// renders any returned *gwerrors.Error as the client response.
func entryHandler(h pipeline.Handler, clientIPFrom func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := r.RemoteAddr
		if clientIPFrom != nil {
			if ip := clientIPFrom(r); ip != "" {
				clientIP = ip
			}
		}
		ctx := gwcontext.New(w, r, "", clientIP)
		resp := h(ctx)
		if resp.Err != nil {
			pipeline.WriteError(w, ctx.CorrelationID, resp.Err)
		}
	})
}

// Run starts both listeners and blocks until ctx is cancelled, then
// drains each with ShutdownTimeout before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- runListener(s.main, s.opts.TLSConfig) }()
	if s.admin != nil {
		go func() { errCh <- runListener(s.admin, nil) }()
	}

	if s.opts.Log != nil {
		s.opts.Log.Infof("gatewayd listening on %s", s.main.Addr)
	}

	select {
	case <-ctx.Done():
		if s.opts.Log != nil {
			s.opts.Log.Info("shutdown signal received, draining connections")
		}
		return s.shutdown()
	case err := <-errCh:
		if s.opts.Log != nil && err != nil {
			s.opts.Log.Errorf("listener exited: %v", err)
		}
		return err
	}
}

func runListener(srv *http.Server, tlsConfig *tls.Config) error {
	var err error
	if tlsConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) shutdown() error {
	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := s.main.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.admission.Close()
	if s.adminCap != nil {
		s.adminCap.Close()
	}
	return firstErr
}
