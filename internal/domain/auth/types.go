package auth

// Package auth contains domain-level types for sessions, access decisions, and
// the guard's persistent bookkeeping. It is pure and free of framework/adapter concerns.

import (
	"encoding/json"
	"time"
)

// Role represents a portal access tier.
// Keep string form for easy persistence and cookies.
type Role string

const (
	RoleBasic   Role = "basic_user"
	RolePremium Role = "premium_user"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBasic, RolePremium, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole maps a raw string to a Role, falling back to RoleBasic.
func ParseRole(s string) Role {
	r := Role(s)
	if r.Valid() {
		return r
	}
	return RoleBasic
}

// Session is a read-through copy of the session owned by the external auth service.
type Session struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
}

// Expired reports whether the session carries an expiry that has passed.
// A zero ExpiresAt is never considered expired.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Tokens returns the raw token pair carried by the session.
func (s Session) Tokens() TokenPair {
	return TokenPair{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
}

// TokenPair holds raw access/refresh token fragments as stored in cookies.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether neither token is present.
func (t TokenPair) Empty() bool { return t.AccessToken == "" && t.RefreshToken == "" }

// AccessDecision is the role/activation state derived from a session subject.
type AccessDecision struct {
	Role     Role `json:"role"`
	IsActive bool `json:"is_active"`
}

// DefaultAccess is used whenever the access lookup fails or finds nothing,
// so a data-store outage never locks users out.
func DefaultAccess() AccessDecision {
	return AccessDecision{Role: RoleBasic, IsActive: true}
}

// IsAdmin reports whether the decision grants the admin area.
func (d AccessDecision) IsAdmin() bool { return d.Role == RoleAdmin && d.IsActive }

// RedirectLedger counts guard-initiated redirects within a rolling window.
// It is keyed by browser storage, not by user.
type RedirectLedger struct {
	Count           int
	WindowStartedAt time.Time
}

type ledgerWire struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

// MarshalJSON encodes the ledger as {"count":n,"timestamp":<unix ms>}.
func (l RedirectLedger) MarshalJSON() ([]byte, error) {
	var ts int64
	if !l.WindowStartedAt.IsZero() {
		ts = l.WindowStartedAt.UnixMilli()
	}
	return json.Marshal(ledgerWire{Count: l.Count, Timestamp: ts})
}

// UnmarshalJSON decodes the {"count":n,"timestamp":<unix ms>} form.
func (l *RedirectLedger) UnmarshalJSON(b []byte) error {
	var w ledgerWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	l.Count = w.Count
	l.WindowStartedAt = time.Time{}
	if w.Timestamp > 0 {
		l.WindowStartedAt = time.UnixMilli(w.Timestamp).UTC()
	}
	return nil
}

// NavigationIntent is an advisory breadcrumb written before a redirect is issued.
type NavigationIntent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// ManualLogin is the stored ManualLoginFlag. Set is false when nothing has been
// persisted yet; callers choose their own default for that case.
type ManualLogin struct {
	Set      bool
	Required bool
}

// Or returns the stored value, or def when the flag was never written.
func (m ManualLogin) Or(def bool) bool {
	if !m.Set {
		return def
	}
	return m.Required
}
