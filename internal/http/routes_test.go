package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetlens/portal/internal/adapters/msidentity"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	mocks "github.com/assetlens/portal/internal/mocks/auth"
	"github.com/assetlens/portal/internal/ports"
	"github.com/assetlens/portal/internal/service"
	"github.com/assetlens/portal/internal/service/clientguard"
	"github.com/assetlens/portal/internal/service/loopdetector"
	"github.com/assetlens/portal/internal/service/resolver"
	"github.com/assetlens/portal/internal/service/routeguard"
)

const testCSRF = "test-csrf-token"

type fakeConnector struct {
	linked map[string]domainauth.FederatedAccount
}

func (f *fakeConnector) LoginRedirect(_ context.Context, subjectID, returnTo string) (string, error) {
	return "https://login.example/authorize?state=" + subjectID + "&rt=" + url.QueryEscape(returnTo), nil
}

func (f *fakeConnector) LoginPopup(_ context.Context, subjectID, _ string) (string, error) {
	return "https://login.example/authorize?display=popup&state=" + subjectID, nil
}

func (f *fakeConnector) HandleRedirect(_ context.Context, subjectID, state, code string) (msidentity.Completion, error) {
	if state != subjectID {
		return msidentity.Completion{}, msidentity.ErrUnknownState
	}
	acct := domainauth.FederatedAccount{SubjectID: subjectID, Username: "ada@contoso.com"}
	f.linked[subjectID] = acct
	return msidentity.Completion{Account: acct, ReturnTo: "/settings/integrations"}, nil
}

func (f *fakeConnector) Accounts(_ context.Context, subjectID string) ([]domainauth.FederatedAccount, error) {
	if acct, ok := f.linked[subjectID]; ok {
		return []domainauth.FederatedAccount{acct}, nil
	}
	return nil, nil
}

func (f *fakeConnector) Disconnect(_ context.Context, subjectID string) error {
	delete(f.linked, subjectID)
	return nil
}

type portalFixture struct {
	handler   http.Handler
	backend   *mocks.FakeAuthBackend
	connector *fakeConnector
}

func newPortalFixture(t *testing.T, limiter ports.RateLimiter) *portalFixture {
	t.Helper()
	backend := mocks.NewFakeAuthBackend()
	backend.AddUser("ada@example.com", "correct horse")
	backend.AddUser("root@example.com", "hunter2")

	res, err := resolver.New(resolver.Options{Backend: backend})
	require.NoError(t, err)
	access, err := service.NewAccessService(service.AccessServiceOptions{
		Lookup: mocks.StaticAccessLookup{Decisions: map[string]domainauth.AccessDecision{
			"user-root@example.com": {Role: domainauth.RoleAdmin, IsActive: true},
		}},
		Cache: mocks.NewMemoryRoleCache(),
	})
	require.NoError(t, err)
	bus := service.NewEventBus(nil)
	authSvc, err := service.NewAuthService(service.AuthServiceOptions{
		Backend:  backend,
		Resolver: res,
		Access:   access,
		Events:   bus,
	})
	require.NoError(t, err)

	loops := loopdetector.New(loopdetector.Options{})
	edge, err := routeguard.New(routeguard.Options{Resolver: res, Access: access, Loops: loops, Limiter: limiter})
	require.NoError(t, err)
	registry, err := clientguard.NewRegistry(clientguard.Options{Resolver: res, Access: access, Loops: loops, Events: bus})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	connector := &fakeConnector{linked: map[string]domainauth.FederatedAccount{}}
	handler := NewRouter(RouterServices{
		Auth:        authSvc,
		ClientGuard: registry,
		Guard:       edge,
		Resolver:    res,
		Access:      access,
		AccessAdmin: newStubAccessAdmin(),
		Federation:  connector,
		Flags:       &FlagStores{},
		Routes:      guard.DefaultRoutes(),
		ReadyChecks: map[string]Pinger{"redis": PingFunc(func(context.Context) error { return nil })},
	})
	return &portalFixture{handler: handler, backend: backend, connector: connector}
}

// browser replays cookies across requests like a user agent would.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (f *portalFixture) browser(t *testing.T) *browser {
	return &browser{t: t, handler: f.handler, cookies: map[string]*http.Cookie{
		DefaultCSRFCookieName: {Name: DefaultCSRFCookieName, Value: testCSRF},
	}}
}

func (b *browser) do(method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	b.t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.Header.Set(DefaultCSRFHeaderName, testCSRF)
	}
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	return b.do(http.MethodGet, target, nil, nil)
}

func (b *browser) signIn(email, password string) *httptest.ResponseRecorder {
	body := `{"email":"` + email + `","password":"` + password + `"}`
	return b.do(http.MethodPost, "/auth/sign-in", strings.NewReader(body), http.Header{"Content-Type": {"application/json"}})
}

func TestRouter_ProbesBypassGuard(t *testing.T) {
	f := newPortalFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Guard-Decision"))
	assert.Empty(t, rec.Result().Cookies())

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestRouter_SignedOutProtectedPageRedirects(t *testing.T) {
	f := newPortalFixture(t, nil)
	b := f.browser(t)

	rec := b.get("/dashboard")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/sign-in?return_to=%2Fdashboard", rec.Header().Get("Location"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Guard-Decision"), string(guard.RedirectToSignIn)))
	assert.Contains(t, b.cookies, DeviceCookieName)

	rec = b.get("/pricing")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"class":"public"`)
}

func TestRouter_SignInThenNavigate(t *testing.T) {
	f := newPortalFixture(t, nil)
	b := f.browser(t)

	rec := b.signIn("ada@example.com", "correct horse")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"location":"/dashboard?from_auth=true`)

	rec = b.get("/dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"ada@example.com"`)

	// Signed in with manual login cleared: the sign-in page forwards to the dashboard.
	rec = b.get("/sign-in")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/dashboard", loc.Path)
	assert.Equal(t, "true", loc.Query().Get(guard.ParamFromAuth))

	rec = b.get("/auth/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, testCSRF, st["csrfToken"])
	assert.Equal(t, "ada@example.com", st["user"].(map[string]any)["email"])

	rec = b.get("/auth/guard?path=%2Fdashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	var cg clientguard.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cg))
	assert.Equal(t, guard.PassThrough, cg.Outcome)
}

func (b *browser) clientGuard(target string) clientguard.Result {
	b.t.Helper()
	rec := b.get("/auth/guard?path=" + url.QueryEscape(target))
	require.Equal(b.t, http.StatusOK, rec.Code, rec.Body.String())
	var res clientguard.Result
	require.NoError(b.t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

// navigate follows edge redirects and, once a page renders, the client guard's
// verdict, until both guards let the page stay. It returns the settled target
// and how many redirects it took.
func (b *browser) navigate(target string, maxSteps int) (string, int) {
	b.t.Helper()
	redirects := 0
	for range maxSteps {
		rec := b.get(target)
		if rec.Code == http.StatusTemporaryRedirect {
			redirects++
			target = rec.Header().Get("Location")
			continue
		}
		require.Equal(b.t, http.StatusOK, rec.Code, target)

		res := b.clientGuard(target)
		if res.Outcome.IsRedirect() {
			redirects++
			target = res.Location
			continue
		}
		if res.CleanURL != "" && res.CleanURL != target {
			target = res.CleanURL
			continue
		}
		return target, redirects
	}
	b.t.Fatalf("navigation did not settle after %d steps, last target %q", maxSteps, target)
	return target, redirects
}

func TestRouter_GuardsConvergeWhenManualLoginUnset(t *testing.T) {
	maxRedirects := loopdetector.DefaultConfig().MaxRedirects

	tests := []struct {
		name     string
		signedIn bool
		start    string
		want     string
	}{
		// The edge reads the unset flag as false and forwards to the dashboard;
		// the client reads it as true and would stay on the sign-in page.
		{name: "signed in on sign-in page", signedIn: true, start: "/sign-in", want: "/dashboard"},
		// The edge sends a fresh browser to sign in; the client would let the page render.
		{name: "signed out on protected page", start: "/dashboard", want: "/sign-in?return_to=%2Fdashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPortalFixture(t, nil)
			b := f.browser(t)
			if tt.signedIn {
				require.Equal(t, http.StatusOK, b.signIn("ada@example.com", "correct horse").Code)
			}
			delete(b.cookies, string(domainauth.KeyManualLogin))

			settled, redirects := b.navigate(tt.start, 2*maxRedirects+2)
			assert.Equal(t, tt.want, settled)
			assert.LessOrEqual(t, redirects, maxRedirects)

			for range maxRedirects + 1 {
				rec := b.get(settled)
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Contains(t, rec.Header().Get("X-Guard-Decision"), string(guard.PassThrough))
				assert.False(t, b.clientGuard(settled).Outcome.IsRedirect())
			}
		})
	}
}

func TestRouter_SignOutThenSignInPageIsReachable(t *testing.T) {
	f := newPortalFixture(t, nil)
	b := f.browser(t)
	require.Equal(t, http.StatusOK, b.signIn("ada@example.com", "correct horse").Code)

	rec := b.do(http.MethodPost, "/auth/sign-out", nil, http.Header{"Accept": {"application/json"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.backend.Calls("SignOut"))

	rec = b.get("/sign-in")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("X-Guard-Decision"), string(guard.PassThrough))
}

func TestRouter_CSRFRequiredForAuthPosts(t *testing.T) {
	f := newPortalFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/sign-in", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_AdminAPI(t *testing.T) {
	f := newPortalFixture(t, nil)

	anon := f.browser(t)
	assert.Equal(t, http.StatusUnauthorized, anon.get("/api/admin/access").Code)

	user := f.browser(t)
	require.Equal(t, http.StatusOK, user.signIn("ada@example.com", "correct horse").Code)
	assert.Equal(t, http.StatusForbidden, user.get("/api/admin/access").Code)

	rec := user.get("/api/me")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"basic_user"`)

	admin := f.browser(t)
	require.Equal(t, http.StatusOK, admin.signIn("root@example.com", "hunter2").Code)
	rec = admin.get("/api/admin/access")
	assert.Equal(t, http.StatusOK, rec.Code)

	// The admin area passes for admins and sends other roles to the dashboard.
	rec = admin.get("/admin")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = user.get("/admin")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
}

func TestRouter_APIRateLimited(t *testing.T) {
	f := newPortalFixture(t, &mocks.CountingRateLimiter{Limit: 2})
	b := f.browser(t)

	for i := 0; i < 2; i++ {
		assert.NotEqual(t, http.StatusTooManyRequests, b.get("/api/me").Code)
	}
	rec := b.get("/api/me")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")

	// Pages are not rate limited.
	assert.Equal(t, http.StatusOK, b.get("/pricing").Code)
}

func TestRouter_ConnectMicrosoft(t *testing.T) {
	f := newPortalFixture(t, nil)

	anon := f.browser(t)
	assert.Equal(t, http.StatusUnauthorized, anon.get("/connect/microsoft").Code)

	b := f.browser(t)
	require.Equal(t, http.StatusOK, b.signIn("ada@example.com", "correct horse").Code)

	rec := b.get("/connect/microsoft?return_to=%2Fsettings")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://login.example/authorize?state=user-ada@example.com"))

	rec = b.get("/connect/microsoft?mode=popup")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "display=popup")

	rec = b.get("/connect/microsoft/callback?state=someone-else&code=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.get("/connect/microsoft/callback?state=" + url.QueryEscape("user-ada@example.com") + "&code=abc")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/settings/integrations?connected=microsoft", rec.Header().Get("Location"))

	rec = b.get("/api/connect/microsoft")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)

	rec = b.get("/connect/microsoft/callback?error=access_denied")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/settings?connect_error=access_denied", rec.Header().Get("Location"))

	rec = b.do(http.MethodDelete, "/api/connect/microsoft", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.connector.linked)
}

func TestUpstream_InvalidURL(t *testing.T) {
	_, err := Upstream("not a url", guard.DefaultRoutes(), nil)
	require.Error(t, err)

	h, err := Upstream("", guard.DefaultRoutes(), nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))
	assert.Contains(t, rec.Body.String(), `"class":"protected"`)
}

func TestUpstream_ProxiesWithSubjectHeaders(t *testing.T) {
	var gotSubject, gotRole string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = r.Header.Get("X-Portal-Subject")
		gotRole = r.Header.Get("X-Portal-Role")
		_, _ = io.WriteString(w, "page "+r.URL.Path)
	}))
	defer backend.Close()

	h, err := Upstream(backend.URL, guard.DefaultRoutes(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("X-Portal-Subject", "forged")
	ctx := SetSessionInContext(req.Context(), &domainauth.Session{SubjectID: "u1"})
	ctx = SetAccessInContext(ctx, domainauth.AccessDecision{Role: domainauth.RolePremium, IsActive: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page /reports", rec.Body.String())
	assert.Equal(t, "u1", gotSubject)
	assert.Equal(t, "premium_user", gotRole)

	anon := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	anon.Header.Set("X-Portal-Subject", "forged")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, anon)
	assert.Empty(t, gotSubject)
}

func TestUpstream_BadGateway(t *testing.T) {
	h, err := Upstream("http://127.0.0.1:1", guard.DefaultRoutes(), nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
