package bootstrap

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/assetlens/portal/config"
	"github.com/assetlens/portal/internal/adapters/memstore"
	redisadapter "github.com/assetlens/portal/internal/adapters/redis"
	"github.com/assetlens/portal/internal/cryptoutil"
	"github.com/assetlens/portal/internal/ports"
)

// DeviceStore is device storage that can also drop everything held for one device.
type DeviceStore interface {
	ports.DeviceStorage
	Reset(ctx context.Context, deviceID string) (int, error)
}

// Stores groups the shared state adapters behind the guard.
type Stores struct {
	Devices  DeviceStore
	Limiter  ports.RateLimiter
	Roles    ports.RoleCache
	Accounts ports.FederationAccountStore
	// Shared is true when the stores live in Redis and are visible to every instance.
	Shared bool

	closers []func()
}

// StoresConfig contains dependencies for NewStores.
type StoresConfig struct {
	Redis     redis.UniversalClient
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// Sealer protects linked-account tokens written to Redis.
	Sealer cryptoutil.Sealer
	Logger *slog.Logger
}

// NewStores builds Redis-backed stores when a client is available and in-process
// stores otherwise.
func NewStores(cfg StoresConfig) *Stores {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Redis != nil {
		logger.Info("guard state backed by redis")
		return &Stores{
			Devices: redisadapter.NewDeviceStore(cfg.Redis),
			Limiter: redisadapter.NewRateLimiter(cfg.Redis, redisadapter.RateLimiterOptions{
				Limit:  cfg.RateLimit.Requests,
				Window: cfg.RateLimit.Window,
			}),
			Roles:    redisadapter.NewRoleCache(cfg.Redis),
			Accounts: redisadapter.NewAccountCache(cfg.Redis, cfg.Sealer),
			Shared:   true,
		}
	}

	logger.Warn("redis disabled; guard state is local to this instance")
	devices := memstore.NewDevices()
	limiter := memstore.NewRateLimiter(memstore.RateLimiterOptions{
		Limit:  cfg.RateLimit.Requests,
		Window: cfg.RateLimit.Window,
	})
	roles := memstore.NewRoleCache(cfg.Auth.RoleCacheTTL)
	accounts := memstore.NewAccounts()
	return &Stores{
		Devices:  memDevices{devices},
		Limiter:  limiter,
		Roles:    roles,
		Accounts: accounts,
		closers:  []func(){devices.Close, limiter.Close, roles.Close, accounts.Close},
	}
}

// Close stops the expiry loops of in-process stores. Redis stores need no cleanup.
func (s *Stores) Close() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}

type memDevices struct {
	*memstore.Devices
}

func (d memDevices) Reset(_ context.Context, deviceID string) (int, error) {
	return d.Devices.Reset(deviceID), nil
}
