package httpx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/service/resolver"
)

func TestGetUserSessionFromContext(t *testing.T) {
	// No session
	if s, ok := GetUserSessionFromContext(context.Background()); assert.False(t, ok) {
		assert.Nil(t, s)
	}

	// With session
	sess := &domainauth.Session{SubjectID: "abc", Email: "abc@example.com"}
	ctx := SetSessionInContext(context.Background(), sess)
	s, ok := GetUserSessionFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, sess, s)

	// Nil sessions are not attached
	assert.Equal(t, context.Background(), SetSessionInContext(context.Background(), nil))
}

func TestAccessAndDeviceContext(t *testing.T) {
	_, ok := GetAccessFromContext(context.Background())
	assert.False(t, ok)
	assert.Empty(t, GetDeviceID(context.Background()))

	ctx := SetAccessInContext(context.Background(), domainauth.AccessDecision{Role: domainauth.RoleAdmin, IsActive: true})
	ctx = SetDeviceIDInContext(ctx, "device-1")
	ctx = SetResolutionInContext(ctx, &resolver.Resolution{Source: resolver.SourceCache})

	d, ok := GetAccessFromContext(ctx)
	assert.True(t, ok)
	assert.True(t, d.IsAdmin())
	assert.Equal(t, "device-1", GetDeviceID(ctx))

	res, ok := GetResolutionFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, resolver.SourceCache, res.Source)
}
