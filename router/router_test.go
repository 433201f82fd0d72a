package router

import (
	"testing"

	"github.com/maltehedderich/api-gateway-go/gwerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsCollidingRoutes(t *testing.T) {
	_, err := New([]Route{
		{ID: "a", Pattern: "/users/{id}", Methods: []string{"GET"}},
		{ID: "b", Pattern: "/users/{name}", Methods: []string{"GET"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestNewAllowsSameShapeDifferentMethods(t *testing.T) {
	_, err := New([]Route{
		{ID: "get-user", Pattern: "/users/{id}", Methods: []string{"GET"}},
		{ID: "put-user", Pattern: "/users/{id}", Methods: []string{"PUT"}},
	})
	require.NoError(t, err)
}

func TestNewAllowsSamePathDifferentPriority(t *testing.T) {
	_, err := New([]Route{
		{ID: "specific", Priority: 10, Pattern: "/users/{id}", Methods: []string{"GET"}},
		{ID: "generic", Priority: 0, Pattern: "/users/{id}", Methods: []string{"GET"}},
	})
	require.NoError(t, err)
}

func TestMatchPrefersLiteralOverCapture(t *testing.T) {
	rt, err := New([]Route{
		{ID: "me", Pattern: "/users/me"},
		{ID: "by-id", Pattern: "/users/{id}"},
	})
	require.NoError(t, err)

	route, params, err := rt.Match("GET", "/users/me")
	require.NoError(t, err)
	assert.Equal(t, "me", route.ID)
	assert.Empty(t, params)

	route, params, err = rt.Match("GET", "/users/42")
	require.NoError(t, err)
	assert.Equal(t, "by-id", route.ID)
	assert.Equal(t, "42", params["id"])
}

func TestMatchPriorityOverridesSpecificity(t *testing.T) {
	rt, err := New([]Route{
		{ID: "catch-all", Priority: 100, Pattern: "/{rest*}"},
		{ID: "by-id", Priority: 0, Pattern: "/users/{id}"},
	})
	require.NoError(t, err)

	route, _, err := rt.Match("GET", "/users/42")
	require.NoError(t, err)
	assert.Equal(t, "catch-all", route.ID, "higher priority must win over higher specificity")
}

func TestMatchWildcardTail(t *testing.T) {
	rt, err := New([]Route{
		{ID: "assets", Pattern: "/assets/{rest*}"},
	})
	require.NoError(t, err)

	route, params, err := rt.Match("GET", "/assets/img/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "assets", route.ID)
	assert.Equal(t, "img/logo.png", params["rest"])
}

func TestMatchBareWildcardBindsToRest(t *testing.T) {
	rt, err := New([]Route{
		{ID: "catch-all", Pattern: "/*"},
	})
	require.NoError(t, err)

	_, params, err := rt.Match("GET", "/anything/here")
	require.NoError(t, err)
	assert.Equal(t, "anything/here", params["rest"])
}

func TestMatchMethodNotAllowedListsUnion(t *testing.T) {
	rt, err := New([]Route{
		{ID: "get-user", Pattern: "/users/{id}", Methods: []string{"GET"}},
	})
	require.NoError(t, err)

	_, _, err = rt.Match("DELETE", "/users/1")
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.MethodNotAllowed, gerr.Kind)
	assert.Equal(t, []string{"GET"}, gerr.Header["Allow"])
}

func TestMatchRouteNotFound(t *testing.T) {
	rt, err := New([]Route{{ID: "a", Pattern: "/a"}})
	require.NoError(t, err)

	_, _, err = rt.Match("GET", "/b")
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.RouteNotFound, gerr.Kind)
}

func TestMatchRejectsDotDotSegment(t *testing.T) {
	rt, err := New([]Route{{ID: "a", Pattern: "/files/{name}"}})
	require.NoError(t, err)

	_, _, err = rt.Match("GET", "/files/..")
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.BadRequest, gerr.Kind)
}

func TestMatchRejectsControlCharacters(t *testing.T) {
	rt, err := New([]Route{{ID: "a", Pattern: "/files/{name}"}})
	require.NoError(t, err)

	_, _, err = rt.Match("GET", "/files/a\nb")
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.BadRequest, gerr.Kind)
}

func TestNewRejectsMalformedPattern(t *testing.T) {
	_, err := New([]Route{{ID: "a", Pattern: "/foo/{bad"}})
	require.Error(t, err)
}

func TestNewRejectsNonTrailingWildcard(t *testing.T) {
	_, err := New([]Route{{ID: "a", Pattern: "/*/more"}})
	require.Error(t, err)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	cases := []string{
		"/a//b",
		"/a/b/",
		"/a%2fb",
		"/a%41b",
		"/",
		"//",
	}
	for _, c := range cases {
		once := Normalize(c)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", c)
	}
}

func TestNormalizeCollapsesSlashesAndTrimsTrailing(t *testing.T) {
	assert.Equal(t, "/a/b", Normalize("/a//b/"))
	assert.Equal(t, "/", Normalize("/"))
	assert.Equal(t, "/", Normalize("//"))
}

func TestNormalizeDecodesOnlyUnreservedOctets(t *testing.T) {
	assert.Equal(t, "/aAb", Normalize("/a%41b"))
	assert.Equal(t, "/a%2Fb", Normalize("/a%2Fb"), "an encoded slash must never become a literal separator")
}
