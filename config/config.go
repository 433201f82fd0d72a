// Package config loads the gateway's configuration from flags, an
// optional YAML file, and environment variable overrides, producing a
// single immutable Config consumed by every other package.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// TLS describes optional TLS termination on the entry listener.
type TLS struct {
	Enabled    bool     `yaml:"enabled"`
	CertFile   string   `yaml:"cert"`
	KeyFile    string   `yaml:"key"`
	MinVersion string   `yaml:"min_version"` // "1.2" or "1.3"
	Ciphers    []string `yaml:"ciphers"`
}

// Server holds the entry listener and admission-control surface.
type Server struct {
	BindAddress     string        `yaml:"bind_address"`
	Port            int           `yaml:"port"`
	TLS             TLS           `yaml:"tls"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	RequestBodyMax  int64         `yaml:"request_body_max"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Timeouts are the per-route or global upstream deadlines.
type Timeouts struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Overall time.Duration `yaml:"overall"`
}

// RateLimitRule configures one rate-limiting rule, reused as both the
// global default and a per-route override.
type RateLimitRule struct {
	Algorithm   string        `yaml:"algorithm"` // "token_bucket" | "fixed_window" | "sliding_window"
	KeyTemplate string        `yaml:"key_template"`
	Capacity    int           `yaml:"capacity"`
	RefillRate  float64       `yaml:"refill_rate"` // tokens/sec, token bucket only
	Window      time.Duration `yaml:"window"`      // fixed/sliding window only
	Limit       int           `yaml:"limit"`        // fixed/sliding window only
	FailOpen    bool          `yaml:"fail_open"`
}

// RouteConfig is the configuration-file representation of one route.
type RouteConfig struct {
	ID           string         `yaml:"id"`
	Path         string         `yaml:"path"`
	Methods      []string       `yaml:"methods"`
	Upstream     string         `yaml:"upstream"`
	AuthRequired bool           `yaml:"auth_required"`
	Permissions  [][]string     `yaml:"permissions"` // any-of sets, each an all-of set
	RateLimit    *RateLimitRule `yaml:"rate_limit"`
	Timeouts     *Timeouts      `yaml:"timeouts"`
	Priority     int            `yaml:"priority"`
	PassSession  bool           `yaml:"pass_session"`
}

// Session configures token extraction and validation.
type Session struct {
	CookieName     string        `yaml:"cookie_name"`
	TokenKind      string        `yaml:"token_kind"` // "opaque" | "signed" | "auto"
	IdleTTL        time.Duration `yaml:"idle_ttl"`
	BindIP         bool          `yaml:"bind_ip"`
	SigningSecret  string        `yaml:"signing_secret"`
	RefreshBelow   time.Duration `yaml:"refresh_below"`
	StoreKind      string        `yaml:"store_kind"` // "memory" | "redis"
	RedisAddr      string        `yaml:"redis_addr"`
}

// RateLimit is the rate-limiter's global configuration surface.
type RateLimit struct {
	Default   RateLimitRule `yaml:"default"`
	FailOpen  bool          `yaml:"fail_open"`
	StoreKind string        `yaml:"store_kind"` // "memory" | "redis"
	RedisAddr string        `yaml:"redis_addr"`
}

// UpstreamPool configures the shared connection pool.
type UpstreamPool struct {
	PerHost     int           `yaml:"per_host"`
	IdleSeconds time.Duration `yaml:"idle_seconds"`
}

// Upstream is the proxy-wide upstream client configuration.
type Upstream struct {
	Pool             UpstreamPool  `yaml:"pool"`
	Timeouts         Timeouts      `yaml:"timeouts"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	SecurityHeaders  bool          `yaml:"security_headers"`
	CSP              string        `yaml:"content_security_policy"`
}

// Log configures the structured logger and access log redaction.
type Log struct {
	Level         string   `yaml:"level"`
	Format        string   `yaml:"format"` // "json" | "text"
	RedactHeaders []string `yaml:"redact_headers"`
}

// Metrics configures the admin metrics endpoint.
type Metrics struct {
	BindAddress string `yaml:"bind_address"`
	Enabled     bool   `yaml:"enabled"`
}

// Health configures the admin health endpoints.
type Health struct {
	BindAddress     string        `yaml:"bind_address"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

// Authz configures the authorization decision of spec §4.4.
type Authz struct {
	// SufficientRoles lists roles that bypass a route's permission
	// check entirely (e.g. "admin").
	SufficientRoles []string `yaml:"sufficient_roles"`
}

// Config is the typed, immutable snapshot handed to every component at
// startup. Nothing mutates it after Load returns.
type Config struct {
	ConfigFile string `yaml:"-"`

	Server              Server        `yaml:"server"`
	Routes              []RouteConfig `yaml:"routes"`
	Session             Session       `yaml:"session"`
	RateLimit           RateLimit     `yaml:"rate_limit"`
	Upstream            Upstream      `yaml:"upstream"`
	Authz               Authz         `yaml:"authz"`
	Log                 Log           `yaml:"log"`
	Metrics             Metrics       `yaml:"metrics"`
	Health              Health        `yaml:"health"`
	RequireStoreOnStart bool          `yaml:"require_store_on_start"`

	flags *flag.FlagSet
}

// New returns a Config pre-populated with flag defaults and the
// command-line flag set used to parse argv, mirroring the teacher's
// NewConfig/Flags split: defaults live on the struct, the FlagSet only
// knows how to overwrite them.
func New() *Config {
	c := &Config{
		Server: Server{
			BindAddress:     "0.0.0.0",
			Port:            8080,
			MaxInFlight:     1000,
			RequestBodyMax:  10 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Session: Session{
			CookieName:   "session_token",
			TokenKind:    "auto",
			IdleTTL:      30 * time.Minute,
			RefreshBelow: 5 * time.Minute,
			StoreKind:    "memory",
		},
		RateLimit: RateLimit{
			Default: RateLimitRule{
				Algorithm:   "token_bucket",
				KeyTemplate: "{ip}",
				Capacity:    100,
				RefillRate:  10,
			},
			StoreKind: "memory",
		},
		Upstream: Upstream{
			Pool:             UpstreamPool{PerHost: 64, IdleSeconds: 90 * time.Second},
			Timeouts:         Timeouts{Connect: 5 * time.Second, Read: 30 * time.Second, Overall: 30 * time.Second},
			MaxRetries:       1,
			RetryBackoffBase: 50 * time.Millisecond,
			SecurityHeaders:  true,
		},
		Log: Log{
			Level:         "info",
			Format:        "json",
			RedactHeaders: []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "Proxy-Authorization"},
		},
		Metrics: Metrics{BindAddress: ":9090", Enabled: true},
		Health:  Health{BindAddress: ":9090", FreshnessWindow: 30 * time.Second},
	}

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.StringVar(&c.ConfigFile, "config-file", "", "path to a YAML configuration file")
	fs.StringVar(&c.Server.BindAddress, "bind-address", c.Server.BindAddress, "entry listener bind address")
	fs.IntVar(&c.Server.Port, "port", c.Server.Port, "entry listener port")
	fs.IntVar(&c.Server.MaxInFlight, "max-in-flight", c.Server.MaxInFlight, "admission control cap")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug|info|warn|error)")
	fs.StringVar(&c.Metrics.BindAddress, "metrics-bind-address", c.Metrics.BindAddress, "admin listener bind address")
	fs.BoolVar(&c.RequireStoreOnStart, "require-store-on-start", false, "exit 3 if session/rate-limit stores are unreachable at startup")
	c.flags = fs

	return c
}

// ParseArgs parses argv, merges an optional YAML file, and applies
// environment variable overrides. Precedence is env > file > flag
// default, matching the teacher's config.ParseArgs: flags are parsed
// once for --config-file, the file is unmarshalled over the defaults,
// then flags are parsed again so explicit CLI flags win over the file,
// and finally environment variables are applied as the final override.
func (c *Config) ParseArgs(progname string, args []string) error {
	c.flags.Init(progname, flag.ContinueOnError)
	if err := c.flags.Parse(args); err != nil {
		return err
	}
	if len(c.flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %v", c.flags.Args())
	}

	if c.ConfigFile != "" {
		raw, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("unmarshalling config file: %w", err)
		}
		if err := c.flags.Parse(args); err != nil {
			return err
		}
	}

	c.applyEnv()
	return c.Validate()
}

// Load is the convenience entry point used by cmd/gatewayd/main.go.
func Load(args []string) (*Config, error) {
	c := New()
	if err := c.ParseArgs("gatewayd", args); err != nil {
		return nil, err
	}
	return c, nil
}

// envPrefix is the documented GATEWAY_ namespace for every override.
const envPrefix = "GATEWAY_"

// applyEnv overrides a fixed, documented set of fields from environment
// variables, following the teacher's parseEnv precedent. Every variable
// that is set is applied unconditionally and last, so env wins over both
// the file and the flags.
func (c *Config) applyEnv() {
	if v, ok := lookupEnv("SERVER_BIND_ADDRESS"); ok {
		c.Server.BindAddress = v
	}
	if v, ok := lookupEnv("SERVER_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v, ok := lookupEnv("SESSION_SIGNING_SECRET"); ok {
		c.Session.SigningSecret = v
	}
	if v, ok := lookupEnv("SESSION_REDIS_ADDR"); ok {
		c.Session.RedisAddr = v
	}
	if v, ok := lookupEnv("RATE_LIMIT_REDIS_ADDR"); ok {
		c.RateLimit.RedisAddr = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}

// Validate fails fast on a configuration that would otherwise surface as
// a confusing runtime error, matching spec exit-code expectations: the
// caller (cmd/gatewayd) maps a non-nil error here to os.Exit(1).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("route with pattern %q has no id", r.Path)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Upstream == "" {
			return fmt.Errorf("route %q has no upstream", r.ID)
		}
	}
	needsSigned := c.Session.TokenKind == "signed" || c.Session.TokenKind == "auto"
	if needsSigned && c.Session.SigningSecret != "" && len(c.Session.SigningSecret) < 32 {
		return fmt.Errorf("session.signing_secret must be at least 32 bytes")
	}
	if c.Session.TokenKind == "signed" && c.Session.SigningSecret == "" {
		return fmt.Errorf("session.signing_secret is required when session.token_kind is \"signed\"")
	}
	if c.Session.StoreKind != "memory" && c.Session.StoreKind != "redis" {
		return fmt.Errorf("session.store_kind must be \"memory\" or \"redis\", got %q", c.Session.StoreKind)
	}
	if c.Session.StoreKind == "redis" && c.Session.RedisAddr == "" {
		return fmt.Errorf("session.redis_addr is required when session.store_kind is \"redis\"")
	}
	if c.RateLimit.StoreKind != "memory" && c.RateLimit.StoreKind != "redis" {
		return fmt.Errorf("rate_limit.store_kind must be \"memory\" or \"redis\", got %q", c.RateLimit.StoreKind)
	}
	if c.RateLimit.StoreKind == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("rate_limit.redis_addr is required when rate_limit.store_kind is \"redis\"")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert and server.tls.key are required when TLS is enabled")
		}
		if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\"")
		}
	}
	return nil
}
