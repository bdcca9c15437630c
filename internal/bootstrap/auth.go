package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/assetlens/portal/config"
	"github.com/assetlens/portal/internal/adapters/devauth"
	"github.com/assetlens/portal/internal/adapters/supabase"
	"github.com/assetlens/portal/internal/ports"
)

// AuthConfig contains dependencies for BuildAuthBackend.
type AuthConfig struct {
	Auth   config.AuthConfig
	IsDev  bool
	Logger *slog.Logger
}

// BuildAuthBackend creates the session provider selected by AUTH_MODE.
//
//nolint:ireturn // the backend is chosen at runtime.
func BuildAuthBackend(cfg AuthConfig) (ports.AuthBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Auth.Mode {
	case config.AuthModeMock:
		if !cfg.IsDev {
			return nil, fmt.Errorf("auth mode %q requires DEV=true", cfg.Auth.Mode)
		}
		users, err := devauth.ParseUsers(cfg.Auth.DevAuth.Users)
		if err != nil {
			return nil, err
		}
		backend, err := devauth.New(devauth.Config{
			Users:      users,
			Secret:     cfg.Auth.DevAuth.Secret,
			AccessTTL:  cfg.Auth.DevAuth.AccessTTL,
			RefreshTTL: cfg.Auth.DevAuth.RefreshTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create dev auth backend: %w", err)
		}
		logger.Warn("using dev auth backend", "users", len(users))
		return backend, nil

	case config.AuthModeSupabase, "":
		client, err := supabase.New(supabase.Config{
			URL:        cfg.Auth.Supabase.URL,
			AnonKey:    cfg.Auth.Supabase.AnonKey,
			HTTPClient: &http.Client{Timeout: cfg.Auth.Supabase.Timeout},
		})
		if err != nil {
			return nil, fmt.Errorf("create supabase client: %w", err)
		}
		logger.Info("using supabase auth backend", "url", cfg.Auth.Supabase.URL)
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Auth.Mode)
	}
}
