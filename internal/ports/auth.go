package ports

// Package ports defines interfaces (hexagonal ports) for session-guard behavior.
// Implementations live in internal/adapters; orchestration in internal/service.

import (
	"context"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
)

// AuthBackend is the external auth service that owns the canonical session.
// Implementations return the sentinel errors from domain/auth so callers can classify failures.
type AuthBackend interface {
	// GetSession validates the presented tokens and returns the authoritative session.
	GetSession(ctx context.Context, tokens domainauth.TokenPair) (domainauth.Session, error)

	// SignInWithPassword performs an explicit credential sign-in.
	SignInWithPassword(ctx context.Context, email, password string) (domainauth.Session, error)

	// RefreshSession exchanges a refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (domainauth.Session, error)

	// SignOut revokes the session identified by the access token.
	SignOut(ctx context.Context, accessToken string) error
}

// StateBackend is one physical store behind the persistent flag store
// (request cookies, device storage). Get reports ok=false for a missing key.
type StateBackend interface {
	Get(ctx context.Context, key domainauth.StateKey) (value string, ok bool, err error)
	Set(ctx context.Context, key domainauth.StateKey, value string, ttl time.Duration) error
	Delete(ctx context.Context, key domainauth.StateKey) error
}

// AccessLookup reads the stored access decision for a subject.
// It returns found=false when the subject has no row.
type AccessLookup interface {
	LookupAccess(ctx context.Context, subjectID string) (decision domainauth.AccessDecision, found bool, err error)
}

// RoleCache keeps the last known access decision per subject for the edge guard.
type RoleCache interface {
	GetRole(ctx context.Context, subjectID string) (domainauth.AccessDecision, bool, error)
	PutRole(ctx context.Context, subjectID string, decision domainauth.AccessDecision, ttl time.Duration) error
	DeleteRole(ctx context.Context, subjectID string) error
}

// RateDecision is the result of a rate limiter check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter enforces a request budget per client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// FederationAccounts reports whether a subject has a linked identity-federation account.
type FederationAccounts interface {
	HasAccount(ctx context.Context, subjectID string) (bool, error)
}

// DeviceStorage hands out the per-device StateBackend that stands in for browser storage.
type DeviceStorage interface {
	ForDevice(deviceID string) StateBackend
}

// FederationAccountStore persists linked identity-federation accounts.
type FederationAccountStore interface {
	FederationAccounts
	SaveAccount(ctx context.Context, acct domainauth.FederatedAccount) error
	Account(ctx context.Context, subjectID string) (domainauth.FederatedAccount, bool, error)
	DeleteAccount(ctx context.Context, subjectID string) error
}
