package config

import (
	"errors"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: Authentication backend and access decisions
//   - guard.go: Redirect loop thresholds and client guard timing
//   - ratelimit.go: API rate limiting
//   - federation.go: Microsoft identity federation
//   - database.go: PostgreSQL and Redis
//   - http.go: HTTP server and cookies
type AppConfig struct {
	// IsDev controls development mode behavior (insecure cookies, dev auth users).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	Auth       AuthConfig
	Guard      GuardConfig
	RateLimit  RateLimitConfig
	Federation FederationConfig `envPrefix:"MSID_"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.detectDevMode()

	c.Auth.Sanitize()
	c.Guard.Sanitize()
	c.RateLimit.Sanitize()
	c.Federation.Sanitize()
	c.Redis.Sanitize()
	c.HTTP.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports settings that cannot work together. Call after Sanitize.
func (c *AppConfig) Validate() error {
	return errors.Join(c.Auth.Validate(c.IsDev), c.Federation.Validate(), c.HTTP.Validate())
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}
