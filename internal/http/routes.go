package httpx

import (
	"log/slog"
	"net/http"

	"github.com/assetlens/portal/internal/domain/guard"
)

// RouterServices holds everything the HTTP router needs.
type RouterServices struct {
	Auth        AuthServiceInterface
	ClientGuard ClientGuardEvaluator
	Guard       NavigationGuard
	Resolver    SessionResolver
	Access      AccessDecider
	// Optional: the admin access API is not mounted without it.
	AccessAdmin AccessAdmin
	// Optional: Microsoft account connect routes are not mounted without it.
	Federation FederationConnector
	Flags      *FlagStores
	Routes     guard.Routes
	// Upstream serves pages the guard lets through. Nil serves a JSON page descriptor.
	Upstream          http.Handler
	ReadyChecks       map[string]Pinger
	TrustForwardedFor bool
	Logger            *slog.Logger
}

// NewRouter creates the portal handler. Probes bypass the guard; every other
// request runs device, CSRF and edge guard middleware before its handler.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	routes := services.Routes
	if routes.SignInPath == "" {
		routes = guard.DefaultRoutes()
	}

	mux := http.NewServeMux()
	authn := Authenticate(AuthenticateConfig{
		Resolver: services.Resolver,
		Access:   services.Access,
		Flags:    services.Flags,
		Logger:   logger,
	})

	registerAuthRoutes(mux, &AuthHandlers{
		Svc:    services.Auth,
		Guard:  services.ClientGuard,
		Flags:  services.Flags,
		Routes: routes,
		Logger: logger,
	})
	mux.Handle("GET /api/me", authn(RequireSession()(http.HandlerFunc(Me))))
	if services.AccessAdmin != nil {
		registerAccessRoutes(mux, &AccessHandlers{Svc: services.AccessAdmin, Logger: logger}, func(h http.Handler) http.Handler {
			return authn(RequireAdmin()(h))
		})
	}
	if services.Federation != nil {
		registerConnectRoutes(mux, &ConnectHandlers{Connector: services.Federation, Logger: logger}, authn)
	}

	upstream := services.Upstream
	if upstream == nil {
		upstream = pageStub(routes)
	}
	mux.Handle("/", upstream)

	guarded := DeviceID(services.Flags.CookieDomain)(
		CSRFProtection(CSRFConfig{
			CookieDomain:      services.Flags.CookieDomain,
			ProtectedPrefixes: []string{"/auth/", "/api/admin/", "/api/connect/", "/connect/"},
		})(
			EdgeGuard(EdgeGuardConfig{
				Guard:             services.Guard,
				Flags:             services.Flags,
				TrustForwardedFor: services.TrustForwardedFor,
				Logger:            logger,
			})(mux),
		),
	)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", healthHandler)
	root.HandleFunc("HEAD /healthz", healthHandler)
	root.Handle("GET /readyz", readyHandler(services.ReadyChecks))
	root.Handle("/", guarded)

	return Recover(logger)(Logging(logger)(root))
}

func registerAuthRoutes(mux *http.ServeMux, h *AuthHandlers) {
	mux.HandleFunc("GET /auth/state", h.State)
	mux.HandleFunc("POST /auth/sign-in", h.SignIn)
	mux.HandleFunc("POST /auth/sign-out", h.SignOut)
	mux.HandleFunc("POST /auth/manual-login", h.ManualLogin)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("GET /auth/guard", h.GuardCheck)
}

func registerAccessRoutes(mux *http.ServeMux, h *AccessHandlers, mw func(http.Handler) http.Handler) {
	mux.Handle("GET /api/admin/access", mw(http.HandlerFunc(h.List)))
	mux.Handle("GET /api/admin/access/{userID}", mw(http.HandlerFunc(h.Get)))
	mux.Handle("PUT /api/admin/access/{userID}", mw(http.HandlerFunc(h.Put)))
	mux.Handle("DELETE /api/admin/access/{userID}", mw(http.HandlerFunc(h.Delete)))
	mux.Handle("GET /api/admin/access/{userID}/audit", mw(http.HandlerFunc(h.Audit)))
}

func registerConnectRoutes(mux *http.ServeMux, h *ConnectHandlers, authn func(http.Handler) http.Handler) {
	mux.Handle("GET /connect/microsoft", authn(RequireSession()(http.HandlerFunc(h.Start))))
	mux.Handle("GET /connect/microsoft/callback", authn(http.HandlerFunc(h.Callback)))
	mux.Handle("GET /api/connect/microsoft", authn(RequireSession()(http.HandlerFunc(h.Accounts))))
	mux.Handle("DELETE /api/connect/microsoft", authn(RequireSession()(http.HandlerFunc(h.Disconnect))))
}
