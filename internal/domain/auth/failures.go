package auth

import (
	"context"
	"errors"
)

// FailureKind classifies the outcomes of session resolution and guard evaluation.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureNetwork             FailureKind = "NETWORK_ERROR"
	FailureInvalidRefreshToken FailureKind = "INVALID_REFRESH_TOKEN"
	FailureNotFound            FailureKind = "NOT_FOUND"
	FailureAccessLookup        FailureKind = "ACCESS_LOOKUP_FAILURE"
	FailureRedirectLoop        FailureKind = "REDIRECT_LOOP"
	FailureNoSession           FailureKind = "NO_SESSION"
)

// Sentinel errors returned by auth backend adapters.
var (
	// ErrNetwork means the auth service could not be reached in time.
	ErrNetwork = errors.New("auth service unreachable")
	// ErrInvalidRefreshToken means the refresh token was rejected and must be discarded.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrTokenExpired means the access token is no longer accepted but a refresh may succeed.
	ErrTokenExpired = errors.New("access token expired")
	// ErrNoSession means the auth service has no session for the presented credentials.
	ErrNoSession = errors.New("no session")
	// ErrInvalidCredentials is returned by password sign-in for a bad email/password.
	ErrInvalidCredentials = errors.New("invalid login credentials")
)

// Classify maps an error from an auth backend onto the failure taxonomy.
// Deadline and cancellation errors count as network failures.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrInvalidRefreshToken):
		return FailureInvalidRefreshToken
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureNetwork
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrTokenExpired):
		return FailureNotFound
	default:
		return FailureNetwork
	}
}
