// Command gatewayd wires every package into a running process: it loads
// configuration, constructs the session/rate-limit stores, builds the
// fixed stage pipeline of spec.md §4, and serves it behind the
// admission-capped main and admin listeners, generalized from the
// teacher's cmd/skipper wiring in skipper.go.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/maltehedderich/api-gateway-go/authz"
	"github.com/maltehedderich/api-gateway-go/config"
	"github.com/maltehedderich/api-gateway-go/logging"
	"github.com/maltehedderich/api-gateway-go/metrics"
	"github.com/maltehedderich/api-gateway-go/pipeline"
	"github.com/maltehedderich/api-gateway-go/ratelimit"
	"github.com/maltehedderich/api-gateway-go/router"
	"github.com/maltehedderich/api-gateway-go/server"
	"github.com/maltehedderich/api-gateway-go/session"
	"github.com/maltehedderich/api-gateway-go/token"
	"github.com/maltehedderich/api-gateway-go/upstream"
)

// Exit codes documented for operators: 1 a configuration error, 2 a
// listener failed to bind, 3 a required store was unreachable at
// startup (only checked when require_store_on_start is set).
const (
	exitConfig   = 1
	exitListener = 2
	exitStore    = 3
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd: invalid configuration:", err)
		os.Exit(exitConfig)
	}

	log := logging.New(parseLevel(cfg.Log.Level))
	accessLog := logging.NewAccessLog(log)

	var mtr metrics.Metrics = metrics.Void{}
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		mtr = prom
	}

	sessionStore, sessionProbe := buildSessionStore(cfg)
	rateLimitStore, rateLimitProbe := buildRateLimitStore(cfg)

	if cfg.RequireStoreOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sessionStore.Ping(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "gatewayd: session store unreachable:", err)
			os.Exit(exitStore)
		}
		if err := rateLimitStore.Ping(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "gatewayd: rate limit store unreachable:", err)
			os.Exit(exitStore)
		}
	}

	validator := token.New(token.Options{
		CookieName:    cfg.Session.CookieName,
		TokenKind:     cfg.Session.TokenKind,
		SigningSecret: cfg.Session.SigningSecret,
		BindIP:        cfg.Session.BindIP,
		IdleTTL:       cfg.Session.IdleTTL,
		RefreshBelow:  cfg.Session.RefreshBelow,
		Store:         sessionStore,
		Log:           log,
	})

	authorizer := authz.New(cfg.Authz.SufficientRoles, log)
	limiter := ratelimit.New(rateLimitStore)

	routes, rlRules, rlDefault, timeouts := buildRoutes(cfg)
	rt, err := router.New(routes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd: invalid route table:", err)
		os.Exit(exitConfig)
	}

	client := upstream.New(upstream.Options{
		Pool: upstream.Pool{
			PerHost:     cfg.Upstream.Pool.PerHost,
			IdleSeconds: cfg.Upstream.Pool.IdleSeconds,
		},
		Timeouts: upstream.Timeouts{
			Connect: cfg.Upstream.Timeouts.Connect,
			Read:    cfg.Upstream.Timeouts.Read,
			Overall: cfg.Upstream.Timeouts.Overall,
		},
		MaxRetries:       cfg.Upstream.MaxRetries,
		RetryBackoffBase: cfg.Upstream.RetryBackoffBase,
		SecurityHeaders:  cfg.Upstream.SecurityHeaders,
		CSP:              cfg.Upstream.CSP,
		MaxRequestBody:   cfg.Server.RequestBodyMax,
	})
	defer client.Close()

	handler := pipeline.Build(
		pipeline.CorrelationStage{},
		pipeline.RecoveryStage{Log: log},
		pipeline.RequestLogStage{AccessLog: accessLog},
		pipeline.RouteResolveStage{Router: rt},
		pipeline.AuthStage{Validator: validator, Metrics: mtr},
		pipeline.AuthorizeStage{Authorizer: authorizer},
		pipeline.RateLimitStage{Limiter: limiter, Rules: rlRules, Default: rlDefault, Metrics: mtr, Log: log},
		pipeline.ProxyStage{Client: client, RouteTimeouts: timeouts},
	)

	health := server.NewHealthHandlers(sessionProbe, rateLimitProbe)
	go pollStores(sessionStore, sessionProbe, rateLimitStore, rateLimitProbe, cfg.Health.FreshnessWindow, mtr)

	var metricsHandler http.Handler
	if prom != nil {
		metricsHandler = prom.Handler()
	}

	tlsConfig, err := buildTLSConfig(cfg.Server.TLS)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd: invalid TLS configuration:", err)
		os.Exit(exitConfig)
	}

	srv := server.New(server.Options{
		BindAddress:      cfg.Server.BindAddress,
		Port:             cfg.Server.Port,
		TLSConfig:        tlsConfig,
		AdminBindAddress: cfg.Metrics.BindAddress,
		MetricsEnabled:   cfg.Metrics.Enabled,
		MetricsHandler:   metricsHandler,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		MaxInFlight:      cfg.Server.MaxInFlight,
		Log:              log,
	}, handler, health, clientIPFrom)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		if isBindError(err) {
			fmt.Fprintln(os.Stderr, "gatewayd: listener failed to bind:", err)
			os.Exit(exitListener)
		}
		log.Errorf("server stopped with error: %v", err)
		os.Exit(exitListener)
	}
}

// buildTLSConfig translates the configuration file's cert/key paths into
// a tls.Config, or returns nil when TLS termination is disabled.
func buildTLSConfig(cfg config.TLS) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	tc := &tls.Config{Certificates: []tls.Certificate{cert}}
	switch cfg.MinVersion {
	case "1.3":
		tc.MinVersion = tls.VersionTLS13
	default:
		tc.MinVersion = tls.VersionTLS12
	}
	return tc, nil
}

func parseLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

func buildSessionStore(cfg *config.Config) (session.Store, *server.StoreProbe) {
	probe := server.NewStoreProbe("session", cfg.Health.FreshnessWindow)
	if cfg.Session.StoreKind == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
		return session.NewRedisStore(client), probe
	}
	return session.NewMemoryStore(time.Minute), probe
}

func buildRateLimitStore(cfg *config.Config) (ratelimit.Store, *server.StoreProbe) {
	probe := server.NewStoreProbe("ratelimit", cfg.Health.FreshnessWindow)
	if cfg.RateLimit.StoreKind == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		return ratelimit.NewRedisStore(client), probe
	}
	return ratelimit.NewMemoryStore(), probe
}

// pollStores periodically pings both stores so the health probes stay
// fresh and the store-availability gauges reflect current reality,
// generalized from the teacher's swarm/nodeinfo heartbeat idiom.
func pollStores(sessionStore session.Store, sessionProbe *server.StoreProbe, rateLimitStore ratelimit.Store, rateLimitProbe *server.StoreProbe, interval time.Duration, mtr metrics.Metrics) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval/2)
		sErr := sessionStore.Ping(ctx)
		rErr := rateLimitStore.Ping(ctx)
		cancel()
		sessionProbe.Record(sErr)
		rateLimitProbe.Record(rErr)
		mtr.SetStoreAvailable("session", sErr == nil)
		mtr.SetStoreAvailable("ratelimit", rErr == nil)
	}
}

// buildRoutes translates the configuration-file route table into the
// router's compiled Route slice plus the two side tables (rate-limit
// rules and per-route upstream timeouts) the pipeline stages key by
// route id.
func buildRoutes(cfg *config.Config) ([]router.Route, map[string]*ratelimit.Rule, *ratelimit.Rule, map[string]upstream.Timeouts) {
	routes := make([]router.Route, 0, len(cfg.Routes))
	rules := make(map[string]*ratelimit.Rule, len(cfg.Routes))
	timeouts := make(map[string]upstream.Timeouts, len(cfg.Routes))

	defaultRule := ruleFromConfig("default", cfg.RateLimit.Default)

	for _, rc := range cfg.Routes {
		route := router.Route{
			ID:           rc.ID,
			Priority:     rc.Priority,
			Methods:      rc.Methods,
			Pattern:      rc.Path,
			UpstreamID:   rc.Upstream,
			AuthRequired: rc.AuthRequired,
			Permissions:  rc.Permissions,
			PassSession:  rc.PassSession,
		}
		if rc.RateLimit != nil {
			route.RateLimitKey = rc.ID
			rules[rc.ID] = ruleFromConfig(rc.ID, *rc.RateLimit)
		}
		if rc.Timeouts != nil {
			timeouts[rc.ID] = upstream.Timeouts{
				Connect: rc.Timeouts.Connect,
				Read:    rc.Timeouts.Read,
				Overall: rc.Timeouts.Overall,
			}
		}
		routes = append(routes, route)
	}

	return routes, rules, defaultRule, timeouts
}

func ruleFromConfig(name string, rc config.RateLimitRule) *ratelimit.Rule {
	return &ratelimit.Rule{
		Name:        name,
		Algorithm:   ratelimit.Algorithm(rc.Algorithm),
		KeyTemplate: rc.KeyTemplate,
		Capacity:    rc.Capacity,
		RefillRate:  rc.RefillRate,
		Window:      rc.Window,
		Limit:       rc.Limit,
		FailOpen:    rc.FailOpen,
	}
}

// clientIPFrom extracts the caller's address, preferring the first
// X-Forwarded-For entry over the raw socket address, generalized from
// the teacher's net.RemoteHost (net/net.go).
func clientIPFrom(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isBindError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
