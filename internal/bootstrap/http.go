package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assetlens/portal/config"
	httpx "github.com/assetlens/portal/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config      *config.AppConfig
	Services    *ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// BuildHandler assembles the portal router from the service container.
func BuildHandler(cfg *HTTPServerConfig) (http.Handler, error) {
	if cfg == nil || cfg.Services == nil {
		return nil, errors.New("http server: services are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}
	svc := cfg.Services

	var upstream http.Handler
	if appCfg.HTTP.UpstreamURL != "" {
		proxy, err := httpx.Upstream(appCfg.HTTP.UpstreamURL, svc.Routes, logger)
		if err != nil {
			return nil, fmt.Errorf("configure upstream: %w", err)
		}
		upstream = proxy
		logger.Info("proxying guarded pages", "upstream", appCfg.HTTP.UpstreamURL)
	}

	services := httpx.RouterServices{
		Auth:        svc.Auth,
		ClientGuard: svc.ClientGuard,
		Guard:       svc.RouteGuard,
		Resolver:    svc.Resolver,
		Access:      svc.Access,
		Flags: &httpx.FlagStores{
			CookieDomain: appCfg.HTTP.CookieDomain,
			Devices:      svc.Stores.Devices,
			Logger:       logger,
		},
		Routes:            svc.Routes,
		Upstream:          upstream,
		ReadyChecks:       readyChecks(cfg.DB, cfg.RedisClient),
		TrustForwardedFor: appCfg.HTTP.TrustForwardedFor,
		Logger:            logger,
	}
	// Typed nils must not reach the router's optional interfaces.
	if svc.AccessAdmin != nil {
		services.AccessAdmin = svc.AccessAdmin
	}
	if svc.Federation != nil {
		services.Federation = svc.Federation
	}

	return httpx.NewRouter(services), nil
}

func readyChecks(db *sql.DB, client redis.UniversalClient) map[string]httpx.Pinger {
	checks := make(map[string]httpx.Pinger, 2)
	if db != nil {
		checks["postgres"] = httpx.PingFunc(db.PingContext)
	}
	if client != nil {
		checks["redis"] = httpx.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return checks
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig, errCh chan<- error) (*http.Server, error) {
	handler, err := BuildHandler(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := ""
	if cfg.Config != nil {
		addr = cfg.Config.HTTP.Addr
	}
	return startServer(logger, handler, addr, errCh), nil
}

func startServer(logger *slog.Logger, handler http.Handler, addr string, errCh chan<- error) *http.Server {
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			if errCh != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Timeout time.Duration
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	parent := cfg.Context
	if parent == nil {
		parent = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}
	return nil
}
