package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/gwerrors"
)

func TestAuthorizeNoPermissionsRequired(t *testing.T) {
	a := New(nil, nil)
	require.NoError(t, a.Authorize(nil, nil, "route"))
}

func TestAuthorizeDeniesNilPrincipalWhenRequired(t *testing.T) {
	a := New(nil, nil)
	err := a.Authorize(nil, [][]string{{"read"}}, "route")
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.PermissionDenied, gerr.Kind)
}

func TestAuthorizeAllowsWhenPermissionSetSatisfied(t *testing.T) {
	a := New(nil, nil)
	p := &gwcontext.Principal{Permissions: []string{"read", "write"}}
	require.NoError(t, a.Authorize(p, [][]string{{"read"}}, "route"))
}

func TestAuthorizeAnyOfSemantics(t *testing.T) {
	a := New(nil, nil)
	p := &gwcontext.Principal{Permissions: []string{"write"}}
	require.NoError(t, a.Authorize(p, [][]string{{"read"}, {"write"}}, "route"))
}

func TestAuthorizeRequiresAllOfASet(t *testing.T) {
	a := New(nil, nil)
	p := &gwcontext.Principal{Permissions: []string{"read"}}
	err := a.Authorize(p, [][]string{{"read", "write"}}, "route")
	require.Error(t, err)
}

func TestAuthorizeSufficientRoleBypassesPermissions(t *testing.T) {
	a := New([]string{"admin"}, nil)
	p := &gwcontext.Principal{Roles: []string{"admin"}}
	require.NoError(t, a.Authorize(p, [][]string{{"anything"}}, "route"))
}

func TestAuthorizeDeniesMissingPermissions(t *testing.T) {
	a := New(nil, nil)
	p := &gwcontext.Principal{Permissions: []string{"read"}}
	err := a.Authorize(p, [][]string{{"write"}}, "route")
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.PermissionDenied, gerr.Kind)
}
