package httpx

import (
	"context"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/service/resolver"
)

// Context keys are unexported struct types to avoid collisions across packages.
// Centralized in this file so all handlers/middleware use the same keys.
type (
	sessionKey    struct{}
	accessKey     struct{}
	deviceKey     struct{}
	resolutionKey struct{}
)

// SetSessionInContext returns a child context that carries the given session.
// If session is nil, the original ctx is returned unchanged.
func SetSessionInContext(ctx context.Context, session *domainauth.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// GetUserSessionFromContext returns the user session from context and a boolean indicating presence.
func GetUserSessionFromContext(ctx context.Context) (*domainauth.Session, bool) {
	if session, ok := ctx.Value(sessionKey{}).(*domainauth.Session); ok && session != nil {
		return session, true
	}
	return nil, false
}

// GetSessionFromContext retrieves the session from the request context.
// Maintained for convenience; prefer GetUserSessionFromContext when you need presence info.
func GetSessionFromContext(ctx context.Context) *domainauth.Session {
	if s, ok := GetUserSessionFromContext(ctx); ok {
		return s
	}
	return nil
}

// SetAccessInContext attaches the access decision for the request's session.
func SetAccessInContext(ctx context.Context, d domainauth.AccessDecision) context.Context {
	return context.WithValue(ctx, accessKey{}, d)
}

// GetAccessFromContext returns the attached access decision.
func GetAccessFromContext(ctx context.Context) (domainauth.AccessDecision, bool) {
	d, ok := ctx.Value(accessKey{}).(domainauth.AccessDecision)
	return d, ok
}

// SetDeviceIDInContext attaches the browser's device id.
func SetDeviceIDInContext(ctx context.Context, deviceID string) context.Context {
	if deviceID == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// GetDeviceID returns the device id set by the DeviceID middleware, or "".
func GetDeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

// SetResolutionInContext attaches the resolution the edge guard computed, so
// handlers behind it do not resolve twice.
func SetResolutionInContext(ctx context.Context, res *resolver.Resolution) context.Context {
	if res == nil {
		return ctx
	}
	return context.WithValue(ctx, resolutionKey{}, res)
}

// GetResolutionFromContext returns the attached resolution.
func GetResolutionFromContext(ctx context.Context) (*resolver.Resolution, bool) {
	res, ok := ctx.Value(resolutionKey{}).(*resolver.Resolution)
	return res, ok && res != nil
}
