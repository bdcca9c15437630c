package routeguard

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	authmocks "github.com/assetlens/portal/internal/mocks/auth"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/loopdetector"
	"github.com/assetlens/portal/internal/service/resolver"
	"github.com/assetlens/portal/internal/testutil"
)

type staticAccess map[string]domainauth.AccessDecision

func (s staticAccess) Decide(_ context.Context, sess *domainauth.Session) domainauth.AccessDecision {
	if sess == nil {
		return domainauth.DefaultAccess()
	}
	if d, ok := s[sess.SubjectID]; ok {
		return d
	}
	return domainauth.DefaultAccess()
}

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, *flagstore.Store) resolver.Resolution {
	panic("boom")
}

type fixture struct {
	guard   *Guard
	backend *authmocks.FakeAuthBackend
	clock   *testutil.Clock
	metrics *testutil.MetricsRecorder
	limiter *authmocks.CountingRateLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: authmocks.NewFakeAuthBackend(),
		clock:   testutil.NewClock(time.Now()),
		metrics: &testutil.MetricsRecorder{},
		limiter: &authmocks.CountingRateLimiter{Limit: 2},
	}
	res, err := resolver.New(resolver.Options{Backend: f.backend, Now: f.clock.Now})
	require.NoError(t, err)
	g, err := New(Options{
		Routes:      guard.DefaultRoutes(),
		Resolver:    res,
		Access:      staticAccess{"admin-1": {Role: domainauth.RoleAdmin, IsActive: true}},
		Loops:       loopdetector.New(loopdetector.Options{Now: f.clock.Now}),
		Limiter:     f.limiter,
		LimiterName: "memory",
		Now:         f.clock.Now,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	f.guard = g
	return f
}

func newFlags(t *testing.T) *flagstore.Store {
	t.Helper()
	s, err := flagstore.New(flagstore.Options{Backend: authmocks.NewMemoryStateBackend()})
	require.NoError(t, err)
	return s
}

func (f *fixture) eval(t *testing.T, flags *flagstore.Store, rawURL string) Result {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return f.guard.Evaluate(context.Background(), Request{URL: u, ClientKey: "203.0.113.9", Flags: flags})
}

func (f *fixture) signIn(t *testing.T, flags *flagstore.Store, subject string) {
	t.Helper()
	sess := domainauth.Session{
		SubjectID:    subject,
		Email:        subject + "@example.com",
		IssuedAt:     f.clock.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
		AccessToken:  "access-" + subject,
		RefreshToken: "refresh-" + subject,
	}
	f.backend.AddSession(sess)
	require.NoError(t, flags.SaveTokens(context.Background(), sess.Tokens()))
}

func manualLogin(t *testing.T, flags *flagstore.Store) domainauth.ManualLogin {
	t.Helper()
	m, err := flags.ManualLogin(context.Background())
	require.NoError(t, err)
	return m
}

func TestNew_RequiresResolver(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestEvaluate_StaticAndForcePassWithoutLookup(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)

	res := f.eval(t, flags, "/_next/static/app.js")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonStatic, res.Reason)

	res = f.eval(t, flags, "/dashboard?force=true")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonForced, res.Reason)

	assert.Zero(t, f.backend.Calls("GetSession"))
	assert.Nil(t, res.Resolution)
}

func TestEvaluate_APIRateLimited(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)

	for i := 0; i < 2; i++ {
		res := f.eval(t, flags, "/api/assets")
		assert.Equal(t, guard.PassThrough, res.Outcome)
		assert.Equal(t, guard.ReasonAPI, res.Reason)
	}
	res := f.eval(t, flags, "/api/assets")
	assert.Equal(t, guard.RateLimitReject, res.Outcome)
	assert.Equal(t, time.Minute, res.RetryAfter)
	assert.Len(t, f.metrics.Named("ratelimit.rejected"), 1)
}

func TestEvaluate_ColdBrowserRedirectsOnce(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)
	ctx := context.Background()

	res := f.eval(t, flags, "/dashboard")
	require.Equal(t, guard.RedirectToSignIn, res.Outcome)
	assert.Equal(t, "/sign-in?return_to=%2Fdashboard", res.Location)

	ledger, err := flags.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.Count)
	intent, err := flags.Intent(ctx)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "/dashboard", intent.From)

	// The sign-in page right after the redirect is served without further redirects.
	f.clock.Advance(time.Second)
	res = f.eval(t, flags, "/sign-in?return_to=%2Fdashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
}

func TestEvaluate_RedirectLoopIsSuppressed(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)

	// Each redirect lands outside the recent-redirect threshold but inside the window.
	for i := 0; i < 3; i++ {
		res := f.eval(t, flags, "/dashboard")
		require.Equal(t, guard.RedirectToSignIn, res.Outcome, "redirect %d", i+1)
		f.clock.Advance(6 * time.Second)
	}

	res := f.eval(t, flags, "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonRedirectLoop, res.Reason)
	assert.True(t, manualLogin(t, flags).Or(false))
	require.NotEmpty(t, f.metrics.Named("guard.loop_detected"))

	// Manual login now keeps the user on the page instead of redirecting again.
	f.clock.Advance(6 * time.Second)
	res = f.eval(t, flags, "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
}

func TestEvaluate_RecentRedirectShortCircuits(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)

	require.Equal(t, guard.RedirectToSignIn, f.eval(t, flags, "/dashboard").Outcome)
	res := f.eval(t, flags, "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonRedirectLoop, res.Reason)
	assert.True(t, manualLogin(t, flags).Set)
}

func TestEvaluate_InvalidRefreshTokenRedirectsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.backend.GetSessionFunc = func(context.Context, domainauth.TokenPair) (domainauth.Session, error) {
		return domainauth.Session{}, domainauth.ErrTokenExpired
	}
	flags := newFlags(t)
	ctx := context.Background()
	require.NoError(t, flags.SaveTokens(ctx, domainauth.TokenPair{AccessToken: "stale", RefreshToken: "revoked"}))

	res := f.eval(t, flags, "/billing")
	require.Equal(t, guard.RedirectToSignIn, res.Outcome)
	assert.Equal(t, guard.ReasonTokenError, res.Reason)
	loc, err := url.Parse(res.Location)
	require.NoError(t, err)
	assert.Equal(t, "true", loc.Query().Get(guard.ParamTokenError))

	tokens, err := flags.Tokens(ctx)
	require.NoError(t, err)
	assert.True(t, tokens.Empty(), "credentials are purged")
	assert.True(t, manualLogin(t, flags).Or(false))

	f.clock.Advance(time.Second)
	res = f.eval(t, flags, res.Location)
	assert.Equal(t, guard.PassThrough, res.Outcome)

	f.clock.Advance(10 * time.Second)
	res = f.eval(t, flags, "/billing")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonManualLogin, res.Reason)

	assert.Equal(t, 1, f.backend.Calls("RefreshSession"))
}

func TestEvaluate_FailOpenWithUnknownTokens(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)
	require.NoError(t, flags.SaveTokens(context.Background(), domainauth.TokenPair{AccessToken: "unknown"}))

	res := f.eval(t, flags, "/reports")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonFailOpen, res.Reason)
}

func TestEvaluate_DegradedNeverRedirects(t *testing.T) {
	f := newFixture(t)
	f.backend.GetSessionFunc = func(context.Context, domainauth.TokenPair) (domainauth.Session, error) {
		return domainauth.Session{}, domainauth.ErrNetwork
	}
	flags := newFlags(t)
	require.NoError(t, flags.SaveTokens(context.Background(), domainauth.TokenPair{AccessToken: "a", RefreshToken: "r"}))

	res := f.eval(t, flags, "/admin")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonDegraded, res.Reason)
	require.NotNil(t, res.Resolution)
	assert.True(t, res.Resolution.Degraded)
}

func TestEvaluate_SignedInUserLeavesSignInPage(t *testing.T) {
	f := newFixture(t)

	basic := newFlags(t)
	f.signIn(t, basic, "user-1")
	res := f.eval(t, basic, "/sign-in")
	assert.Equal(t, guard.RedirectToDashboard, res.Outcome)
	assert.Contains(t, res.Location, "from_auth=true")

	admin := newFlags(t)
	f.signIn(t, admin, "admin-1")
	res = f.eval(t, admin, "/sign-in")
	assert.Equal(t, guard.RedirectToAdmin, res.Outcome)
}

func TestEvaluate_ManualLoginWinsOnSignInPage(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)
	f.signIn(t, flags, "user-1")
	require.NoError(t, flags.SetManualLogin(context.Background(), true))

	res := f.eval(t, flags, "/sign-in")
	assert.Equal(t, guard.PassThrough, res.Outcome)
}

func TestEvaluate_RecentSignOutKeepsSignInPage(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)
	f.signIn(t, flags, "user-1")
	require.NoError(t, flags.MarkSignedOut(context.Background(), f.clock.Now().Add(-2*time.Second)))

	res := f.eval(t, flags, "/sign-in?signout=success")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonRecentSignOut, res.Reason)
}

func TestEvaluate_AdminAreaRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	basic := newFlags(t)
	f.signIn(t, basic, "user-1")
	res := f.eval(t, basic, "/admin/users")
	assert.Equal(t, guard.RedirectToDashboard, res.Outcome)
	assert.Equal(t, "/dashboard", res.Location)

	admin := newFlags(t)
	f.signIn(t, admin, "admin-1")
	res = f.eval(t, admin, "/admin/users")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	require.NotNil(t, res.Access)
	assert.True(t, res.Access.IsAdmin())
}

func TestEvaluate_SignedInConverges(t *testing.T) {
	f := newFixture(t)
	flags := newFlags(t)
	f.signIn(t, flags, "user-1")

	for _, path := range []string{"/dashboard", "/billing", "/settings/profile", "/"} {
		res := f.eval(t, flags, path)
		assert.Equal(t, guard.PassThrough, res.Outcome, path)
	}
	ledger, err := flags.Ledger(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ledger.Count)
}

func TestEvaluate_PanicPassesThrough(t *testing.T) {
	g, err := New(Options{Resolver: panicResolver{}})
	require.NoError(t, err)
	u, _ := url.Parse("/dashboard")

	res := g.Evaluate(context.Background(), Request{URL: u, Flags: newFlags(t)})
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonGuardPanic, res.Reason)
}

func TestEvaluate_EmitsDecisionMetric(t *testing.T) {
	f := newFixture(t)
	f.eval(t, newFlags(t), "/dashboard")

	calls := f.metrics.Named("guard.decision")
	require.Len(t, calls, 1)
	assert.Equal(t, "edge", calls[0].Tags["guard"])
	assert.Equal(t, string(guard.RedirectToSignIn), calls[0].Tags["outcome"])
	assert.Equal(t, string(guard.ClassProtected), calls[0].Tags["route"])
}
