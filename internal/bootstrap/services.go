package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/assetlens/portal/config"
	"github.com/assetlens/portal/internal/adapters/msidentity"
	"github.com/assetlens/portal/internal/cryptoutil"
	"github.com/assetlens/portal/internal/data"
	"github.com/assetlens/portal/internal/domain/guard"
	"github.com/assetlens/portal/internal/observability/statsd"
	"github.com/assetlens/portal/internal/ports"
	"github.com/assetlens/portal/internal/service"
	"github.com/assetlens/portal/internal/service/clientguard"
	"github.com/assetlens/portal/internal/service/loopdetector"
	"github.com/assetlens/portal/internal/service/resolver"
	"github.com/assetlens/portal/internal/service/routeguard"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Backend     ports.AuthBackend
	Stores      *Stores
	Resolver    *resolver.Resolver
	Access      *service.AccessService
	AccessAdmin *service.AccessAdminService // nil without a database
	Loops       *loopdetector.Detector
	RouteGuard  *routeguard.Guard
	ClientGuard *clientguard.Registry
	Events      *service.EventBus
	Auth        *service.AuthService
	Federation  *msidentity.Client // nil unless MSID_ENABLED
	Metrics     *statsd.Client
	Routes      guard.Routes
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	// Backend overrides the backend selected by AUTH_MODE.
	Backend ports.AuthBackend
	Logger  *slog.Logger
}

// NewServices wires the guard services. Call Close on the result when done.
func NewServices(ctx context.Context, deps ServiceDeps) (*ServiceContainer, error) {
	if deps.Config == nil {
		return nil, errors.New("service config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &ServiceContainer{Routes: guard.DefaultRoutes()}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	metrics, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.Metrics.IsEnabled(),
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  cfg.Observability.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create statsd client: %w", err)
	}
	c.Metrics = metrics

	c.Backend = deps.Backend
	if c.Backend == nil {
		c.Backend, err = BuildAuthBackend(AuthConfig{Auth: cfg.Auth, IsDev: cfg.IsDev, Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	sealer, err := cryptoutil.NewSealer(cfg.Federation.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create token sealer: %w", err)
	}
	if cfg.Federation.Enabled && deps.RedisClient != nil && cfg.Federation.TokenEncryptionKey == "" {
		logger.Warn("MSID_TOKEN_ENCRYPTION_KEY is empty; linked account tokens are stored unsealed")
	}

	c.Stores = NewStores(StoresConfig{
		Redis:     deps.RedisClient,
		Auth:      cfg.Auth,
		RateLimit: cfg.RateLimit,
		Sealer:    sealer,
		Logger:    logger,
	})

	c.Resolver, err = resolver.New(resolver.Options{
		Backend:    c.Backend,
		Federation: c.Stores.Accounts,
		Timeout:    cfg.Auth.ResolveTimeout,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	if err = c.buildAccess(cfg, deps.DB, logger); err != nil {
		return nil, err
	}

	c.Loops = loopdetector.New(loopdetector.Options{
		Config: loopdetector.Config{
			MaxRedirects:   cfg.Guard.MaxRedirects,
			ResetWindow:    cfg.Guard.ResetWindow,
			RecentRedirect: cfg.Guard.RecentRedirect,
		},
		Logger: logger,
	})

	if err = c.buildGuards(cfg, logger); err != nil {
		return nil, err
	}

	c.Auth, err = service.NewAuthService(service.AuthServiceOptions{
		Backend:  c.Backend,
		Resolver: c.Resolver,
		Access:   c.Access,
		Events:   c.Events,
		Routes:   c.Routes,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}

	if cfg.Federation.Enabled {
		c.Federation, err = msidentity.New(ctx, msidentity.Config{
			TenantID:     cfg.Federation.TenantID,
			ClientID:     cfg.Federation.ClientID,
			ClientSecret: cfg.Federation.ClientSecret,
			RedirectURL:  cfg.Federation.RedirectURL,
			Scopes:       cfg.Federation.Scopes,
			StateTTL:     cfg.Federation.StateTTL,
			Logger:       logger,
		}, c.Stores.Accounts)
		if err != nil {
			return nil, fmt.Errorf("create microsoft identity client: %w", err)
		}
	}

	ok = true
	return c, nil
}

func (c *ServiceContainer) buildAccess(cfg *config.AppConfig, db *sql.DB, logger *slog.Logger) error {
	opts := service.AccessServiceOptions{
		Cache:         c.Stores.Roles,
		CacheTTL:      cfg.Auth.RoleCacheTTL,
		LookupTimeout: cfg.Auth.AccessLookupTimeout,
		RoleClaimPath: cfg.Auth.RoleClaimPath,
		Metrics:       c.Metrics,
		Logger:        logger,
	}
	var repo *data.UserAccessRepo
	if db != nil {
		repo = data.NewUserAccessRepo(db)
		opts.Lookup = repo
	} else {
		logger.Warn("database disabled; roles come from token claims only")
	}

	var err error
	c.Access, err = service.NewAccessService(opts)
	if err != nil {
		return fmt.Errorf("create access service: %w", err)
	}

	if repo != nil {
		c.AccessAdmin, err = service.NewAccessAdminService(service.AccessAdminServiceOptions{
			Repo:   repo,
			Cache:  c.Access,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("create access admin service: %w", err)
		}
	}
	return nil
}

func (c *ServiceContainer) buildGuards(cfg *config.AppConfig, logger *slog.Logger) error {
	var limiter ports.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = c.Stores.Limiter
	}

	var err error
	c.RouteGuard, err = routeguard.New(routeguard.Options{
		Routes:       c.Routes,
		Resolver:     c.Resolver,
		Access:       c.Access,
		Loops:        c.Loops,
		Limiter:      limiter,
		LimiterName:  "api",
		SignOutGrace: cfg.Guard.SignOutGrace,
		Metrics:      c.Metrics,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create route guard: %w", err)
	}

	c.Events = service.NewEventBus(logger)
	c.ClientGuard, err = clientguard.NewRegistry(clientguard.Options{
		Routes:        c.Routes,
		Resolver:      c.Resolver,
		Access:        c.Access,
		Loops:         c.Loops,
		Events:        c.Events,
		SettleTimeout: cfg.Guard.SettleTimeout,
		SignOutGrace:  cfg.Guard.SignOutGrace,
		IdleTTL:       cfg.Guard.ClientIdleTTL,
		Metrics:       c.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create client guard registry: %w", err)
	}
	return nil
}

// Close releases background loops and the metrics socket.
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.Federation != nil {
		c.Federation.Close()
	}
	if c.ClientGuard != nil {
		c.ClientGuard.Close()
	}
	if c.Stores != nil {
		c.Stores.Close()
	}
	if c.Metrics != nil {
		_ = c.Metrics.Close()
	}
}
