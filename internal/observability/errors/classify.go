package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	apperrors "github.com/assetlens/portal/internal/errors"
)

// Classify returns a low-cardinality error_class tag value for err.
// Timeouts and cancellations collapse to "timeout" and "canceled", auth backend
// sentinels and AppErrors report their own name, and anything else falls back
// to the innermost error type.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if name, ok := authSentinel(err); ok {
		return name
	}
	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) && appErr.Code != "" {
		return string(appErr.Code)
	}
	return typeName(err)
}

func authSentinel(err error) (string, bool) {
	for _, s := range []struct {
		err  error
		name string
	}{
		{domainauth.ErrInvalidRefreshToken, "invalid_refresh_token"},
		{domainauth.ErrTokenExpired, "token_expired"},
		{domainauth.ErrNoSession, "no_session"},
		{domainauth.ErrInvalidCredentials, "invalid_credentials"},
		{domainauth.ErrNetwork, "network"},
	} {
		if goerrors.Is(err, s.err) {
			return s.name, true
		}
	}
	return "", false
}

func typeName(err error) string {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.String() == "" {
		return "unknown"
	}
	return strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
}
