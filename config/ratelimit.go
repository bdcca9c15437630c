package config

import "time"

// RateLimitConfig bounds API requests per client.
type RateLimitConfig struct {
	Enabled  bool          `env:"RATE_LIMIT_ENABLED"  envDefault:"true"`
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW"   envDefault:"1m"`
}

// Sanitize restores defaults for non-positive values.
func (r *RateLimitConfig) Sanitize() {
	if r.Requests <= 0 {
		r.Requests = 120
	}
	if r.Window <= 0 {
		r.Window = time.Minute
	}
}
