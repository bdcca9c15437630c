package devauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/testutil"
)

func newBackend(t *testing.T, clock *testutil.Clock) *Backend {
	t.Helper()
	b, err := New(Config{
		Secret: "dev-secret",
		Users: []User{
			{Email: "ada@example.com", Password: "pw", Role: domainauth.RoleAdmin},
			{ID: "user-2", Email: "bob@example.com", Password: "pw"},
		},
		AccessTTL: 15 * time.Minute,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return b
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Secret: "s", Users: []User{{Email: "a@example.com"}}})
	require.Error(t, err)
}

func TestParseUsers(t *testing.T) {
	users, err := ParseUsers("ada@example.com:pw:admin, bob@example.com:secret")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, domainauth.RoleAdmin, users[0].Role)
	assert.Equal(t, domainauth.RoleBasic, users[1].Role)

	_, err = ParseUsers("broken")
	require.Error(t, err)
	_, err = ParseUsers("a@example.com:pw:superuser")
	require.Error(t, err)
}

func TestSignInAndGetSession(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	b := newBackend(t, clock)
	ctx := context.Background()

	_, err := b.SignInWithPassword(ctx, "ada@example.com", "wrong")
	require.ErrorIs(t, err, domainauth.ErrInvalidCredentials)

	sess, err := b.SignInWithPassword(ctx, "ADA@example.com", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SubjectID)
	assert.NotEmpty(t, sess.RefreshToken)

	got, err := b.GetSession(ctx, sess.Tokens())
	require.NoError(t, err)
	assert.Equal(t, sess.SubjectID, got.SubjectID)
	assert.Equal(t, "ada@example.com", got.Email)

	// The role claim is where the access service looks for it.
	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(sess.AccessToken, claims)
	require.NoError(t, err)
	meta, ok := claims["app_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "admin", meta["role"])
}

func TestGetSession_ExpiredAndForged(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	b := newBackend(t, clock)
	ctx := context.Background()

	sess, err := b.SignInWithPassword(ctx, "bob@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "user-2", sess.SubjectID)

	_, err = b.GetSession(ctx, domainauth.TokenPair{AccessToken: "not-a-jwt"})
	require.ErrorIs(t, err, domainauth.ErrNoSession)

	other, err := New(Config{Secret: "other", Users: []User{{ID: "user-2", Email: "bob@example.com", Password: "pw"}}})
	require.NoError(t, err)
	_, err = other.GetSession(ctx, sess.Tokens())
	require.ErrorIs(t, err, domainauth.ErrNoSession)

	clock.Advance(16 * time.Minute)
	_, err = b.GetSession(ctx, sess.Tokens())
	require.ErrorIs(t, err, domainauth.ErrTokenExpired)
}

func TestRefreshSession_RotatesToken(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	b := newBackend(t, clock)
	ctx := context.Background()

	sess, err := b.SignInWithPassword(ctx, "bob@example.com", "pw")
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	refreshed, err := b.RefreshSession(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, refreshed.RefreshToken)

	_, err = b.GetSession(ctx, refreshed.Tokens())
	require.NoError(t, err)

	_, err = b.RefreshSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, domainauth.ErrInvalidRefreshToken, "refresh tokens are single use")
}

func TestSignOut_RevokesSession(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	b := newBackend(t, clock)
	ctx := context.Background()

	sess, err := b.SignInWithPassword(ctx, "bob@example.com", "pw")
	require.NoError(t, err)
	require.NoError(t, b.SignOut(ctx, sess.AccessToken))

	_, err = b.GetSession(ctx, sess.Tokens())
	require.ErrorIs(t, err, domainauth.ErrNoSession)
	_, err = b.RefreshSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, domainauth.ErrInvalidRefreshToken)

	require.ErrorIs(t, b.SignOut(ctx, "garbage"), domainauth.ErrNoSession)
}
