package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	apperrors "github.com/assetlens/portal/internal/errors"
	mocks "github.com/assetlens/portal/internal/mocks/auth"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/resolver"
)

type authFixture struct {
	svc     *AuthService
	backend *mocks.FakeAuthBackend
	flags   *flagstore.Store
	events  []domainauth.Event
}

func newAuthFixture(t *testing.T, decisions map[string]domainauth.AccessDecision) *authFixture {
	t.Helper()
	backend := mocks.NewFakeAuthBackend()
	backend.AddUser("ada@example.com", "correct horse")

	res, err := resolver.New(resolver.Options{Backend: backend})
	require.NoError(t, err)
	access, err := NewAccessService(AccessServiceOptions{
		Lookup: mocks.StaticAccessLookup{Decisions: decisions},
		Cache:  mocks.NewMemoryRoleCache(),
	})
	require.NoError(t, err)

	f := &authFixture{backend: backend}
	bus := NewEventBus(nil)
	bus.Subscribe("device-1", func(e domainauth.Event) { f.events = append(f.events, e) })

	f.svc, err = NewAuthService(AuthServiceOptions{
		Backend:  backend,
		Resolver: res,
		Access:   access,
		Events:   bus,
		Now:      func() time.Time { return time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	f.flags, err = flagstore.New(flagstore.Options{Backend: mocks.NewMemoryStateBackend()})
	require.NoError(t, err)
	return f
}

func TestNewAuthService_RequiresDeps(t *testing.T) {
	_, err := NewAuthService(AuthServiceOptions{})
	require.Error(t, err)
	_, err = NewAuthService(AuthServiceOptions{Backend: mocks.NewFakeAuthBackend()})
	require.Error(t, err)
}

func TestAuthService_SignIn_Success(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.flags.SetManualLogin(ctx, true))
	require.NoError(t, f.flags.SaveLedger(ctx, domainauth.RedirectLedger{Count: 4, WindowStartedAt: time.Now()}))

	res, err := f.svc.SignIn(ctx, f.flags, SignInInput{
		DeviceID: "device-1", Email: "ada@example.com", Password: "correct horse", ReturnTo: "/dashboard",
	})
	require.NoError(t, err)
	assert.Equal(t, "/dashboard?from_auth=true", res.Location)
	assert.Equal(t, domainauth.RoleBasic, res.Access.Role)

	m, err := f.flags.ManualLogin(ctx)
	require.NoError(t, err)
	assert.True(t, m.Set)
	assert.False(t, m.Required)

	l, err := f.flags.Ledger(ctx)
	require.NoError(t, err)
	assert.Zero(t, l.Count)

	tokens, err := f.flags.Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-ada@example.com", tokens.AccessToken)

	require.Len(t, f.events, 1)
	_, ok := f.events[0].(domainauth.SignedIn)
	assert.True(t, ok)
}

func TestAuthService_SignIn_AdminWithoutReturnTo(t *testing.T) {
	f := newAuthFixture(t, map[string]domainauth.AccessDecision{
		"user-ada@example.com": {Role: domainauth.RoleAdmin, IsActive: true},
	})

	res, err := f.svc.SignIn(context.Background(), f.flags, SignInInput{
		Email: "ada@example.com", Password: "correct horse", ReturnTo: "https://evil.example/phish",
	})
	require.NoError(t, err)
	assert.Equal(t, "/admin?from_auth=true", res.Location)
}

func TestAuthService_SignIn_Errors(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SignIn(ctx, f.flags, SignInInput{Password: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.SignIn(ctx, f.flags, SignInInput{Email: "ada@example.com", Password: "wrong"})
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))

	f.backend.SignInFunc = func(context.Context, string, string) (domainauth.Session, error) {
		return domainauth.Session{}, domainauth.ErrNetwork
	}
	_, err = f.svc.SignIn(ctx, f.flags, SignInInput{Email: "ada@example.com", Password: "correct horse"})
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Empty(t, f.events)
}

func TestAuthService_SignOut(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.SignIn(ctx, f.flags, SignInInput{DeviceID: "device-1", Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)

	loc, err := f.svc.SignOut(ctx, f.flags, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "/sign-in?signout=success", loc)
	assert.Equal(t, 1, f.backend.Calls("SignOut"))

	tokens, err := f.flags.Tokens(ctx)
	require.NoError(t, err)
	assert.True(t, tokens.Empty())
	assert.True(t, f.svc.ManualLoginRequired(ctx, f.flags))

	at, ok, err := f.flags.LastSignOut(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC), at.UTC())

	require.Len(t, f.events, 2)
	_, ok = f.events[1].(domainauth.SignedOut)
	assert.True(t, ok)
}

func TestAuthService_SignOut_BackendFailureStillPurges(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.flags.SaveTokens(ctx, domainauth.TokenPair{AccessToken: "a", RefreshToken: "r"}))
	f.backend.SignOutFunc = func(context.Context, string) error { return domainauth.ErrNetwork }

	_, err := f.svc.SignOut(ctx, f.flags, "device-1")
	require.NoError(t, err)
	tokens, _ := f.flags.Tokens(ctx)
	assert.True(t, tokens.Empty())
}

func TestAuthService_ManualLogin(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()

	assert.True(t, f.svc.ManualLoginRequired(ctx, f.flags), "unset defaults to required")
	require.NoError(t, f.svc.SetManualLogin(ctx, f.flags, false))
	assert.False(t, f.svc.ManualLoginRequired(ctx, f.flags))
}

func TestAuthService_Refresh(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, f.flags, "device-1")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))

	_, err = f.svc.SignIn(ctx, f.flags, SignInInput{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)

	sess, err := f.svc.Refresh(ctx, f.flags, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "access-ada@example.com-r", sess.AccessToken)
	require.NotEmpty(t, f.events)
	_, ok := f.events[len(f.events)-1].(domainauth.TokenRefreshed)
	assert.True(t, ok)
}

func TestAuthService_Refresh_InvalidTokenPurges(t *testing.T) {
	f := newAuthFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.flags.SaveTokens(ctx, domainauth.TokenPair{AccessToken: "a", RefreshToken: "revoked"}))

	_, err := f.svc.Refresh(ctx, f.flags, "device-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domainauth.ErrInvalidRefreshToken))

	tokens, _ := f.flags.Tokens(ctx)
	assert.True(t, tokens.Empty())
	require.Len(t, f.events, 1)
	out, ok := f.events[0].(domainauth.SignedOut)
	require.True(t, ok)
	assert.Equal(t, domainauth.FailureInvalidRefreshToken, out.Reason)
}

func TestAuthService_State(t *testing.T) {
	f := newAuthFixture(t, map[string]domainauth.AccessDecision{
		"user-ada@example.com": {Role: domainauth.RolePremium, IsActive: true},
	})
	ctx := context.Background()

	st := f.svc.State(ctx, f.flags, "device-1")
	assert.Nil(t, st.User)
	assert.Nil(t, st.UserAccess)
	assert.True(t, st.ManualLoginRequired)

	_, err := f.svc.SignIn(ctx, f.flags, SignInInput{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)

	st = f.svc.State(ctx, f.flags, "device-1")
	require.NotNil(t, st.User)
	assert.Equal(t, "ada@example.com", st.User.Email)
	require.NotNil(t, st.UserAccess)
	assert.Equal(t, domainauth.RolePremium, st.UserAccess.Role)
	assert.Equal(t, resolver.SourceAuthoritative, st.Session.Source)
	assert.False(t, st.ManualLoginRequired)

	var initial int
	for _, e := range f.events {
		if _, ok := e.(domainauth.InitialSession); ok {
			initial++
		}
	}
	assert.Equal(t, 2, initial)
}
