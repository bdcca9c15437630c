package config

import (
	"errors"
	"strings"
	"time"
)

// FederationConfig configures the Microsoft identity connection.
type FederationConfig struct {
	Enabled      bool          `env:"ENABLED"       envDefault:"false"`
	TenantID     string        `env:"TENANT_ID"`
	ClientID     string        `env:"CLIENT_ID"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	RedirectURL  string        `env:"REDIRECT_URL"  envDefault:"http://localhost:8080/connect/microsoft/callback"`
	Scopes       []string      `env:"SCOPES"        envDefault:"openid,profile,email,offline_access,User.Read" envSeparator:","`
	StateTTL     time.Duration `env:"STATE_TTL"     envDefault:"10m"`
	// TokenEncryptionKey seals linked-account tokens stored in Redis. Hex-encoded
	// 32 bytes or any passphrase; empty stores them unsealed.
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`
}

// Sanitize trims values.
func (f *FederationConfig) Sanitize() {
	f.TenantID = strings.TrimSpace(f.TenantID)
	f.ClientID = strings.TrimSpace(f.ClientID)
	f.RedirectURL = strings.TrimSpace(f.RedirectURL)
	scopes := f.Scopes[:0]
	for _, s := range f.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	f.Scopes = scopes
	if f.StateTTL <= 0 {
		f.StateTTL = 10 * time.Minute
	}
}

// Validate requires the app registration when federation is enabled.
func (f *FederationConfig) Validate() error {
	if !f.Enabled {
		return nil
	}
	if f.TenantID == "" || f.ClientID == "" || f.RedirectURL == "" {
		return errors.New("federation: MSID_TENANT_ID, MSID_CLIENT_ID and MSID_REDIRECT_URL are required when MSID_ENABLED=true")
	}
	return nil
}
