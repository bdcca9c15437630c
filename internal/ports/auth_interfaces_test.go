package ports_test

import (
	"testing"

	mocks "github.com/assetlens/portal/internal/mocks/auth"
	"github.com/assetlens/portal/internal/ports"
)

// This test only verifies that our mocks conform to the ports at compile time.
func TestMocksImplementPorts(t *testing.T) {
	t.Helper()

	var _ ports.AuthBackend = (*mocks.FakeAuthBackend)(nil)
	var _ ports.StateBackend = (*mocks.MemoryStateBackend)(nil)
	var _ ports.AccessLookup = (*mocks.StaticAccessLookup)(nil)
	var _ ports.RoleCache = (*mocks.MemoryRoleCache)(nil)
	var _ ports.RateLimiter = (*mocks.CountingRateLimiter)(nil)
	var _ ports.FederationAccounts = (*mocks.StaticFederation)(nil)
}
