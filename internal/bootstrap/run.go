package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/assetlens/portal/config"
)

// Infrastructure holds the external connections shared by the portal.
type Infrastructure struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// ConnectInfrastructure opens the database and Redis connections that are enabled.
func ConnectInfrastructure(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Infrastructure, error) {
	dbCfg := DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: logger}

	db, err := ConnectDB(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	client, err := ConnectRedis(ctx, dbCfg)
	if err != nil {
		if db != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("connect redis: %w", errors.Join(err, fmt.Errorf("close database: %w", cerr)))
			}
		}
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &Infrastructure{DB: db, Redis: client}, nil
}

// Close closes every open connection.
func (i *Infrastructure) Close() error {
	var errs []error
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the portal and blocks until a shutdown signal or a server failure.
func Run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	infra, err := ConnectInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := infra.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close infrastructure failed", "error", cerr)
		}
	}()

	if infra.DB != nil && cfg.Postgres.RunMigrationsOnStart {
		if err = RunMigrations(ctx, infra.DB, logger); err != nil {
			return err
		}
	}

	services, err := NewServices(ctx, ServiceDeps{
		Config:      cfg,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer services.Close()

	errCh := make(chan error, 1)
	server, err := StartHTTPServer(&HTTPServerConfig{
		Config:      cfg,
		Services:    services,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      logger,
	}, errCh)
	if err != nil {
		return err
	}

	return waitForShutdown(shutdownConfig{
		ctx:    ctx,
		errCh:  errCh,
		server: server,
		cfg:    cfg,
		logger: logger,
	})
}

type shutdownConfig struct {
	ctx    context.Context
	errCh  <-chan error
	server *http.Server
	cfg    *config.AppConfig
	logger *slog.Logger
}

// waitForShutdown waits for shutdown signal or server error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down portal...")
		return gracefulStop(cfg)
	case <-cfg.ctx.Done():
		cfg.logger.Info("context cancelled; shutting down portal")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("server error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

func gracefulStop(cfg shutdownConfig) error {
	// The parent context may already be cancelled; shutdown gets its own deadline.
	return ShutdownHTTPServer(ShutdownConfig{
		Context: context.WithoutCancel(cfg.ctx),
		Server:  cfg.server,
		Timeout: cfg.cfg.HTTP.ShutdownTimeout,
		Logger:  cfg.logger,
	})
}
