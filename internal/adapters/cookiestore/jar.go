// Package cookiestore exposes the guard's cookies as a flag store backend.
// A Jar is scoped to one request: reads come from the request cookies, writes
// become Set-Cookie headers and are visible to later reads in the same request.
package cookiestore

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.StateBackend = (*Jar)(nil)

// Spec describes how one flag store key is carried as a cookie.
type Spec struct {
	MaxAge   time.Duration
	HTTPOnly bool
}

// DefaultSpecs returns the cookie layout shared with the browser. Keys without a
// spec (the session snapshot) are not carried by cookies.
func DefaultSpecs() map[domainauth.StateKey]Spec {
	return map[domainauth.StateKey]Spec{
		domainauth.KeyManualLogin:      {MaxAge: 7 * 24 * time.Hour},
		domainauth.KeyLastRedirectTime: {MaxAge: time.Minute},
		domainauth.KeyRedirectLedger:   {MaxAge: time.Minute},
		domainauth.KeyLastSignOutTime:  {MaxAge: time.Minute},
		domainauth.KeyAccessToken:      {MaxAge: time.Hour, HTTPOnly: true},
		domainauth.KeyRefreshToken:     {MaxAge: 30 * 24 * time.Hour, HTTPOnly: true},
		domainauth.KeyNavigationIntent: {MaxAge: time.Minute},
	}
}

// Options configures a Jar.
type Options struct {
	// Domain is the cookie domain attribute; empty means host-only.
	Domain string
	// Specs overrides DefaultSpecs when non-nil.
	Specs map[domainauth.StateKey]Spec
}

// Jar is a request-scoped StateBackend over HTTP cookies.
type Jar struct {
	w      http.ResponseWriter
	r      *http.Request
	domain string
	specs  map[domainauth.StateKey]Spec
	secure bool

	mu      sync.Mutex
	pending map[domainauth.StateKey]*string
}

// New creates a Jar for one request/response pair.
func New(w http.ResponseWriter, r *http.Request, opts Options) *Jar {
	specs := opts.Specs
	if specs == nil {
		specs = DefaultSpecs()
	}
	return &Jar{
		w:       w,
		r:       r,
		domain:  opts.Domain,
		specs:   specs,
		secure:  isSecureRequest(r),
		pending: make(map[domainauth.StateKey]*string),
	}
}

// Carries reports whether key is stored in a cookie.
func (j *Jar) Carries(key domainauth.StateKey) bool {
	_, ok := j.specs[key]
	return ok
}

// Get returns the cookie value for key, honoring writes made earlier in this request.
func (j *Jar) Get(_ context.Context, key domainauth.StateKey) (string, bool, error) {
	if !j.Carries(key) {
		return "", false, nil
	}
	j.mu.Lock()
	if v, ok := j.pending[key]; ok {
		j.mu.Unlock()
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	j.mu.Unlock()

	if j.r == nil {
		return "", false, nil
	}
	c, err := j.r.Cookie(string(key))
	if err != nil || c.Value == "" {
		return "", false, nil
	}
	v, err := url.QueryUnescape(c.Value)
	if err != nil {
		// Unreadable cookies are treated as absent; the next write replaces them.
		return "", false, nil
	}
	return v, true, nil
}

// Set writes key as a cookie. ttl overrides the spec MaxAge when positive.
func (j *Jar) Set(_ context.Context, key domainauth.StateKey, value string, ttl time.Duration) error {
	spec, ok := j.specs[key]
	if !ok {
		return nil
	}
	maxAge := spec.MaxAge
	if ttl > 0 {
		maxAge = ttl
	}
	j.mu.Lock()
	v := value
	j.pending[key] = &v
	j.mu.Unlock()

	if j.w != nil {
		http.SetCookie(j.w, &http.Cookie{
			Name:     string(key),
			Value:    url.QueryEscape(value),
			Path:     "/",
			Domain:   j.domain,
			HttpOnly: spec.HTTPOnly,
			Secure:   j.secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(maxAge.Seconds()),
		})
	}
	return nil
}

// Delete expires the cookie for key.
func (j *Jar) Delete(_ context.Context, key domainauth.StateKey) error {
	spec, ok := j.specs[key]
	if !ok {
		return nil
	}
	j.mu.Lock()
	j.pending[key] = nil
	j.mu.Unlock()

	if j.w != nil {
		http.SetCookie(j.w, &http.Cookie{
			Name:     string(key),
			Value:    "",
			Path:     "/",
			Domain:   j.domain,
			HttpOnly: spec.HTTPOnly,
			Secure:   j.secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0).UTC(),
		})
	}
	return nil
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
