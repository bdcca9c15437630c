package memstore

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.RoleCache = (*RoleCache)(nil)

// RoleCache keeps last-known access decisions in memory.
type RoleCache struct {
	cache *ttlcache.Cache[string, domainauth.AccessDecision]
}

// NewRoleCache creates a RoleCache whose entries default to ttl.
func NewRoleCache(ttl time.Duration) *RoleCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, domainauth.AccessDecision](ttl),
		ttlcache.WithDisableTouchOnHit[string, domainauth.AccessDecision](),
	)
	go cache.Start()
	return &RoleCache{cache: cache}
}

// Close stops the expiry loop.
func (c *RoleCache) Close() { c.cache.Stop() }

func (c *RoleCache) GetRole(_ context.Context, subjectID string) (domainauth.AccessDecision, bool, error) {
	item := c.cache.Get(subjectID)
	if item == nil {
		return domainauth.AccessDecision{}, false, nil
	}
	return item.Value(), true, nil
}

func (c *RoleCache) PutRole(_ context.Context, subjectID string, d domainauth.AccessDecision, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.cache.Set(subjectID, d, ttl)
	return nil
}

func (c *RoleCache) DeleteRole(_ context.Context, subjectID string) error {
	c.cache.Delete(subjectID)
	return nil
}
