package config

import "time"

// GuardConfig holds the loop thresholds and client guard timing.
type GuardConfig struct {
	MaxRedirects   int           `env:"GUARD_MAX_REDIRECTS"   envDefault:"3"`
	ResetWindow    time.Duration `env:"GUARD_RESET_WINDOW"    envDefault:"30s"`
	RecentRedirect time.Duration `env:"GUARD_RECENT_REDIRECT" envDefault:"5s"`
	SignOutGrace   time.Duration `env:"GUARD_SIGNOUT_GRACE"   envDefault:"10s"`
	SettleTimeout  time.Duration `env:"GUARD_SETTLE_TIMEOUT"  envDefault:"2s"`
	// ClientIdleTTL drops client guards for devices that stopped asking.
	ClientIdleTTL time.Duration `env:"GUARD_CLIENT_IDLE_TTL" envDefault:"30m"`
}

// Sanitize restores defaults for out-of-range values.
func (g *GuardConfig) Sanitize() {
	if g.MaxRedirects <= 0 {
		g.MaxRedirects = 3
	}
	if g.ResetWindow <= 0 {
		g.ResetWindow = 30 * time.Second
	}
	if g.RecentRedirect <= 0 {
		g.RecentRedirect = 5 * time.Second
	}
	if g.SignOutGrace <= 0 {
		g.SignOutGrace = 10 * time.Second
	}
	if g.SettleTimeout <= 0 {
		g.SettleTimeout = 2 * time.Second
	}
	if g.SettleTimeout > 30*time.Second {
		g.SettleTimeout = 30 * time.Second
	}
	if g.ClientIdleTTL < time.Minute {
		g.ClientIdleTTL = 30 * time.Minute
	}
}
