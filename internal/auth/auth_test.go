package auth

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	cat, err := catalog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return NewManager(cat, "super-secret-admin", slog.New(slog.DiscardHandler))
}

func TestGenerateAndParseRoundTrip(t *testing.T) {
	cases := []KeyInfo{
		{ProjectID: "p1", Scope: types.ScopeProjectAdmin},
		{ProjectID: "proj_with_underscores", Scope: types.ScopeProjectAdmin},
		{ProjectID: "p1", Scope: types.ScopeBranchAdmin, BranchID: "dev1"},
		{ProjectID: "p1", Scope: types.ScopeBranchRead, BranchID: "dev_2"},
	}
	for _, info := range cases {
		key, err := GenerateKey(info)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, info.SafePrefix()))
		assert.Len(t, key, len(info.SafePrefix())+secretHexLen)

		parsed, err := ParseKeyInfo(key)
		require.NoError(t, err)
		assert.Equal(t, info, *parsed)
	}
}

func TestParseKeyInfoRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"proj_",
		"nope_p1_admin_0123456789abcdef0123456789abcdef",
		"proj_p1_admin_tooshort",
		"proj_p1_admin_ZZ23456789abcdef0123456789abcdef",
		"proj_p1_0123456789abcdef0123456789abcdef",
		"proj_p1_read_0123456789abcdef0123456789abcdef", // read requires a branch
	} {
		_, err := ParseKeyInfo(bad)
		assert.Equal(t, errkind.Unauthenticated, errkind.Of(err), bad)
	}
}

func TestHashKeyDeterministic(t *testing.T) {
	a := HashKey("proj_p1_admin_0123456789abcdef0123456789abcdef")
	b := HashKey("proj_p1_admin_0123456789abcdef0123456789abcdef")
	c := HashKey("proj_p1_admin_ffffffffffffffffffffffffffffffff")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestCreateAuthenticate(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	k, secret, err := m.Create(ctx, "p1", types.ScopeProjectAdmin, "", "ci key", 0)
	require.NoError(t, err)
	assert.Equal(t, "proj_p1_admin_", k.SafePrefix)
	assert.Empty(t, k.ExpiresAt)

	got, err := m.Authenticate(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)

	// A wrong secret with a valid shape is unauthenticated.
	other, err := GenerateKey(KeyInfo{ProjectID: "p1", Scope: types.ScopeProjectAdmin})
	require.NoError(t, err)
	_, err = m.Authenticate(ctx, other)
	assert.Equal(t, errkind.Unauthenticated, errkind.Of(err))
}

func TestCreateValidation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, _, err := m.Create(ctx, "p1", types.KeyScope("root"), "", "", 0)
	assert.Equal(t, errkind.Invalid, errkind.Of(err))
	_, _, err = m.Create(ctx, "p1", types.ScopeBranchRead, "", "", 0)
	assert.Equal(t, errkind.Invalid, errkind.Of(err))
	_, _, err = m.Create(ctx, "p1", types.ScopeProjectAdmin, "dev1", "", 0)
	assert.Equal(t, errkind.Invalid, errkind.Of(err))
}

func TestAuthenticateRevokedAndExpired(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	// Two admin keys so one can be revoked.
	_, _, err := m.Create(ctx, "p1", types.ScopeProjectAdmin, "", "", 0)
	require.NoError(t, err)
	k, secret, err := m.Create(ctx, "p1", types.ScopeProjectAdmin, "", "", 0)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, k.ID))
	_, err = m.Authenticate(ctx, secret)
	assert.Equal(t, errkind.Unauthenticated, errkind.Of(err))

	_, secret, err = m.Create(ctx, "p1", types.ScopeBranchRead, "dev1", "", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = m.Authenticate(ctx, secret)
	assert.Equal(t, errkind.Unauthenticated, errkind.Of(err))
}

func TestAuthorize(t *testing.T) {
	admin := &types.APIKey{ProjectID: "p1", Scope: types.ScopeProjectAdmin}
	assert.NoError(t, Authorize(admin, "p1", "default", true))
	assert.NoError(t, Authorize(admin, "p1", "dev1", true))
	assert.Equal(t, errkind.Forbidden, errkind.Of(Authorize(admin, "p2", "default", false)))

	bAdmin := &types.APIKey{ProjectID: "p1", Scope: types.ScopeBranchAdmin, BranchID: "dev1"}
	assert.NoError(t, Authorize(bAdmin, "p1", "dev1", true))
	assert.Equal(t, errkind.Forbidden, errkind.Of(Authorize(bAdmin, "p1", "default", false)))
	assert.Equal(t, errkind.Forbidden, errkind.Of(Authorize(bAdmin, "p1", "dev2", false)))

	bRead := &types.APIKey{ProjectID: "p1", Scope: types.ScopeBranchRead, BranchID: "dev1"}
	assert.NoError(t, Authorize(bRead, "p1", "dev1", false))
	assert.Equal(t, errkind.Forbidden, errkind.Of(Authorize(bRead, "p1", "dev1", true)))
}

func TestRotate(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	old, _, err := m.Create(ctx, "p1", types.ScopeBranchAdmin, "dev1", "deploy", time.Hour)
	require.NoError(t, err)

	fresh, secret, err := m.Rotate(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy (rotated)", fresh.Description)
	assert.Equal(t, old.Scope, fresh.Scope)
	assert.Equal(t, old.BranchID, fresh.BranchID)
	require.NotNil(t, fresh.ExpiresAt)
	assert.WithinDuration(t, *old.ExpiresAt, *fresh.ExpiresAt, time.Minute)

	_, err = m.Authenticate(ctx, secret)
	require.NoError(t, err)

	got, err := m.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	_, _, err = m.Rotate(ctx, old.ID)
	assert.Equal(t, errkind.Conflict, errkind.Of(err))
}

func TestIsAdminKey(t *testing.T) {
	m := newManager(t)
	assert.True(t, m.IsAdminKey("super-secret-admin"))
	assert.False(t, m.IsAdminKey("nope"))
	assert.False(t, NewManager(nil, "", slog.New(slog.DiscardHandler)).IsAdminKey(""))
}
