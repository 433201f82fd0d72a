package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseArgsRejectsEmptyRouteTable(t *testing.T) {
	c := New()
	err := c.ParseArgs("gatewayd", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no routes configured")
}

func TestParseArgsLoadsYAMLFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9000
routes:
  - id: users
    path: /users/{id}
    upstream: http://backend.internal
`)
	c := New()
	require.NoError(t, c.ParseArgs("gatewayd", []string{"-config-file", path}))
	assert.Equal(t, 9000, c.Server.Port)
	require.Len(t, c.Routes, 1)
	assert.Equal(t, "users", c.Routes[0].ID)
}

func TestParseArgsFlagOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9000
routes:
  - id: users
    path: /users/{id}
    upstream: http://backend.internal
`)
	c := New()
	require.NoError(t, c.ParseArgs("gatewayd", []string{"-config-file", path, "-port", "9500"}))
	assert.Equal(t, 9500, c.Server.Port)
}

func TestParseArgsEnvOverridesFileAndFlag(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9000
routes:
  - id: users
    path: /users/{id}
    upstream: http://backend.internal
`)
	t.Setenv("GATEWAY_SERVER_PORT", "9999")
	c := New()
	require.NoError(t, c.ParseArgs("gatewayd", []string{"-config-file", path, "-port", "9500"}))
	assert.Equal(t, 9999, c.Server.Port)
}

func TestParseArgsRouteTableMatchesFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9000
routes:
  - id: users
    path: /users/{id}
    methods: [GET]
    upstream: http://backend.internal
    auth_required: true
    permissions:
      - [users:read]
    priority: 10
    rate_limit:
      algorithm: token_bucket
      key_template: "{user}"
      capacity: 100
      refill_rate: 10
    timeouts:
      connect: 1s
      read: 2s
      overall: 3s
`)
	c := New()
	require.NoError(t, c.ParseArgs("gatewayd", []string{"-config-file", path}))

	want := []RouteConfig{
		{
			ID:           "users",
			Path:         "/users/{id}",
			Methods:      []string{"GET"},
			Upstream:     "http://backend.internal",
			AuthRequired: true,
			Permissions:  [][]string{{"users:read"}},
			Priority:     10,
			RateLimit: &RateLimitRule{
				Algorithm:   "token_bucket",
				KeyTemplate: "{user}",
				Capacity:    100,
				RefillRate:  10,
			},
			Timeouts: &Timeouts{
				Connect: time.Second,
				Read:    2 * time.Second,
				Overall: 3 * time.Second,
			},
		},
	}

	if d := cmp.Diff(want, c.Routes); d != "" {
		t.Errorf("parsed route table mismatch (-want +got):\n%s", d)
	}
}

func TestValidateRejectsDuplicateRouteIDs(t *testing.T) {
	c := New()
	c.Routes = []RouteConfig{
		{ID: "a", Path: "/a", Upstream: "http://u"},
		{ID: "a", Path: "/b", Upstream: "http://u"},
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate route id")
}

func TestValidateRequiresSigningSecretForSignedTokens(t *testing.T) {
	c := New()
	c.Routes = []RouteConfig{{ID: "a", Path: "/a", Upstream: "http://u"}}
	c.Session.TokenKind = "signed"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_secret is required")
}

func TestValidateRejectsShortSigningSecret(t *testing.T) {
	c := New()
	c.Routes = []RouteConfig{{ID: "a", Path: "/a", Upstream: "http://u"}}
	c.Session.SigningSecret = "too-short"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestValidateRequiresRedisAddrForRedisStores(t *testing.T) {
	c := New()
	c.Routes = []RouteConfig{{ID: "a", Path: "/a", Upstream: "http://u"}}
	c.RateLimit.StoreKind = "redis"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.redis_addr is required")
}
