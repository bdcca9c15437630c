package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the public base URL of the portal (e.g., "https://portal.example.com").
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// CookieDomain is the domain for guard and session cookies.
	// Leave empty to use the request domain.
	CookieDomain string `env:"APP_COOKIE_DOMAIN" envDefault:""`

	// UpstreamURL is the page server that receives navigations the guard lets through.
	// Leave empty to answer passed navigations with a JSON stub.
	UpstreamURL string `env:"APP_UPSTREAM_URL" envDefault:""`

	// TrustForwardedFor uses the first X-Forwarded-For hop as the rate limit key.
	TrustForwardedFor bool `env:"HTTP_TRUST_FORWARDED_FOR" envDefault:"false"`

	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	h.CookieDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h.CookieDomain), "."))
	h.UpstreamURL = strings.TrimRight(strings.TrimSpace(h.UpstreamURL), "/")
	h.BaseURL = strings.TrimRight(strings.TrimSpace(h.BaseURL), "/")
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 15 * time.Second
	}
}

// Validate rejects cookie domains a browser would refuse. A rejected Domain
// attribute drops every guard cookie, so the portal would see each navigation
// as a fresh browser. Call after Sanitize.
func (h *HTTPConfig) Validate() error {
	base, err := url.Parse(h.BaseURL)
	if err != nil || base.Hostname() == "" {
		return fmt.Errorf("http: APP_BASE_URL %q must be an absolute URL", h.BaseURL)
	}
	if h.CookieDomain == "" {
		return nil
	}

	host := strings.ToLower(base.Hostname())
	domain := h.CookieDomain
	if net.ParseIP(domain) != nil {
		if domain != host {
			return fmt.Errorf("http: APP_COOKIE_DOMAIN %q must equal the APP_BASE_URL host %q", domain, host)
		}
		return nil
	}
	if suffix, _ := publicsuffix.PublicSuffix(domain); suffix == domain {
		return fmt.Errorf("http: APP_COOKIE_DOMAIN %q is a public suffix", domain)
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(domain); err != nil {
		return fmt.Errorf("http: APP_COOKIE_DOMAIN %q: %w", domain, err)
	}
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return errors.New("http: APP_BASE_URL host " + host + " is not covered by APP_COOKIE_DOMAIN " + domain)
	}
	return nil
}
