package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthMode represents the authentication backend the portal talks to.
type AuthMode string

const (
	// AuthModeSupabase uses the hosted auth service.
	AuthModeSupabase AuthMode = "supabase"
	// AuthModeMock uses the in-process dev auth backend (for development only).
	AuthModeMock AuthMode = "mock"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "supabase", "mock":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: supabase, mock)", v)
	}
}

// SupabaseConfig points at the hosted auth project.
type SupabaseConfig struct {
	URL     string        `env:"URL"`
	AnonKey string        `env:"ANON_KEY"`
	Timeout time.Duration `env:"TIMEOUT"  envDefault:"10s"`
}

// DevAuthConfig controls the dev auth backend used when AUTH_MODE=mock.
type DevAuthConfig struct {
	// Users is a comma separated list of email:password[:role] entries.
	Users      string        `env:"USERS"       envDefault:"admin@example.com:admin:admin,user@example.com:user"`
	Secret     string        `env:"SECRET"      envDefault:"portal-dev-secret"`
	AccessTTL  time.Duration `env:"ACCESS_TTL"  envDefault:"1h"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
}

// AuthConfig groups all authentication-related configuration.
type AuthConfig struct {
	Mode AuthMode `env:"AUTH_MODE" envDefault:"supabase"`

	Supabase SupabaseConfig `envPrefix:"SUPABASE_"`
	DevAuth  DevAuthConfig  `envPrefix:"DEV_AUTH_"`

	// RoleClaimPath is a JMESPath expression locating the role in access-token claims.
	RoleClaimPath string `env:"AUTH_ROLE_CLAIM_PATH" envDefault:"app_metadata.role"`
	// RoleCacheTTL bounds how long a last-known role is trusted.
	RoleCacheTTL time.Duration `env:"AUTH_ROLE_CACHE_TTL" envDefault:"5m"`
	// AccessLookupTimeout bounds the user_access lookup.
	AccessLookupTimeout time.Duration `env:"AUTH_ACCESS_LOOKUP_TIMEOUT" envDefault:"1s"`
	// ResolveTimeout bounds one authoritative session lookup, refresh included.
	ResolveTimeout time.Duration `env:"AUTH_RESOLVE_TIMEOUT" envDefault:"300ms"`
}

// Sanitize trims values and restores defaults for non-positive durations.
func (a *AuthConfig) Sanitize() {
	if a.Mode == "" {
		a.Mode = AuthModeSupabase
	}
	a.Supabase.URL = strings.TrimRight(strings.TrimSpace(a.Supabase.URL), "/")
	a.Supabase.AnonKey = strings.TrimSpace(a.Supabase.AnonKey)
	if a.Supabase.Timeout <= 0 {
		a.Supabase.Timeout = 10 * time.Second
	}
	if a.DevAuth.AccessTTL <= 0 {
		a.DevAuth.AccessTTL = time.Hour
	}
	if a.DevAuth.RefreshTTL <= 0 {
		a.DevAuth.RefreshTTL = 30 * 24 * time.Hour
	}
	if a.RoleClaimPath = strings.TrimSpace(a.RoleClaimPath); a.RoleClaimPath == "" {
		a.RoleClaimPath = "app_metadata.role"
	}
	if a.RoleCacheTTL <= 0 {
		a.RoleCacheTTL = 5 * time.Minute
	}
	if a.AccessLookupTimeout <= 0 {
		a.AccessLookupTimeout = time.Second
	}
	if a.ResolveTimeout <= 0 {
		a.ResolveTimeout = 300 * time.Millisecond
	}
}

// Validate checks that the selected backend is usable.
func (a *AuthConfig) Validate(isDev bool) error {
	switch a.Mode {
	case AuthModeSupabase:
		if a.Supabase.URL == "" || a.Supabase.AnonKey == "" {
			return errors.New("auth: SUPABASE_URL and SUPABASE_ANON_KEY are required when AUTH_MODE=supabase")
		}
	case AuthModeMock:
		if !isDev {
			return errors.New("auth: AUTH_MODE=mock requires DEV=true")
		}
		if strings.TrimSpace(a.DevAuth.Users) == "" {
			return errors.New("auth: DEV_AUTH_USERS must list at least one user")
		}
	}
	return nil
}
