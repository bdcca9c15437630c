package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetlens/portal/config"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	mocks "github.com/assetlens/portal/internal/mocks/auth"
)

func devConfig() *config.AppConfig {
	cfg := &config.AppConfig{
		IsDev: true,
		Auth: config.AuthConfig{
			Mode:    config.AuthModeMock,
			DevAuth: config.DevAuthConfig{Users: "ada@example.com:pw:admin", Secret: "s3cret"},
		},
		RateLimit: config.RateLimitConfig{Enabled: true},
	}
	cfg.Sanitize()
	return cfg
}

func TestNewServices_InProcessFallbacks(t *testing.T) {
	svc, err := NewServices(context.Background(), ServiceDeps{Config: devConfig(), Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	assert.NotNil(t, svc.Backend)
	assert.NotNil(t, svc.Auth)
	assert.NotNil(t, svc.RouteGuard)
	assert.NotNil(t, svc.ClientGuard)
	assert.Nil(t, svc.AccessAdmin, "access admin needs a database")
	assert.Nil(t, svc.Federation, "federation is off by default")
	assert.False(t, svc.Stores.Shared)
}

func TestNewServices_RequiresConfig(t *testing.T) {
	_, err := NewServices(context.Background(), ServiceDeps{})
	require.Error(t, err)
}

func TestNewServices_BackendOverride(t *testing.T) {
	backend := mocks.NewFakeAuthBackend()
	cfg := devConfig()
	cfg.Auth.Mode = config.AuthModeSupabase // would fail without the override

	svc, err := NewServices(context.Background(), ServiceDeps{Config: cfg, Backend: backend, Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	assert.Same(t, backend, svc.Backend)
}

func TestNewServices_InvalidRoleClaimPath(t *testing.T) {
	cfg := devConfig()
	cfg.Auth.RoleClaimPath = "app_metadata.[" // not a JMESPath expression

	_, err := NewServices(context.Background(), ServiceDeps{Config: cfg, Logger: discardLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access service")
}

func TestNewStores_MemoryReset(t *testing.T) {
	stores := NewStores(StoresConfig{
		Auth:      config.AuthConfig{RoleCacheTTL: time.Minute},
		RateLimit: config.RateLimitConfig{Requests: 1, Window: time.Minute},
		Logger:    discardLogger(),
	})
	t.Cleanup(stores.Close)
	ctx := context.Background()

	dev := stores.Devices.ForDevice("device-1")
	require.NoError(t, dev.Set(ctx, domainauth.KeyManualLogin, "true", time.Minute))
	require.NoError(t, dev.Set(ctx, domainauth.KeyRedirectLedger, "{}", time.Minute))
	require.NoError(t, stores.Devices.ForDevice("device-2").Set(ctx, domainauth.KeyManualLogin, "false", time.Minute))

	n, err := stores.Devices.Reset(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := stores.Devices.ForDevice("device-2").Get(ctx, domainauth.KeyManualLogin)
	require.NoError(t, err)
	assert.True(t, ok)

	first, err := stores.Limiter.Allow(ctx, "api:203.0.113.7")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	second, err := stores.Limiter.Allow(ctx, "api:203.0.113.7")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
}

func TestBuildHandler_ProbesAndGuard(t *testing.T) {
	svc, err := NewServices(context.Background(), ServiceDeps{Config: devConfig(), Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	h, err := BuildHandler(&HTTPServerConfig{Config: devConfig(), Services: svc, Logger: discardLogger()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/sign-in")
}

func TestBuildHandler_RejectsBadUpstream(t *testing.T) {
	svc, err := NewServices(context.Background(), ServiceDeps{Config: devConfig(), Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	cfg := devConfig()
	cfg.HTTP.UpstreamURL = "not a url"
	_, err = BuildHandler(&HTTPServerConfig{Config: cfg, Services: svc, Logger: discardLogger()})
	require.Error(t, err)

	_, err = BuildHandler(nil)
	require.Error(t, err)
}

func TestShutdownHTTPServer_NilServer(t *testing.T) {
	require.NoError(t, ShutdownHTTPServer(ShutdownConfig{}))
}

func TestReadyChecks_OnlyConfiguredDependencies(t *testing.T) {
	assert.Empty(t, readyChecks(nil, nil))
}
