// Package memstore provides in-process adapters backed by ttlcache. They are used
// by tests, local development and single-node deployments without Redis.
package memstore

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var (
	_ ports.DeviceStorage = (*Devices)(nil)
	_ ports.StateBackend  = deviceBackend{}
)

// DefaultDeviceTTL bounds entries written without an explicit ttl.
const DefaultDeviceTTL = 30 * 24 * time.Hour

// Devices keeps device storage for every device id in one ttlcache.
type Devices struct {
	cache *ttlcache.Cache[string, string]
}

// NewDevices creates the store and starts its expiry loop. Call Close to stop it.
func NewDevices() *Devices {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](DefaultDeviceTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &Devices{cache: cache}
}

// Close stops the expiry loop.
func (d *Devices) Close() {
	d.cache.Stop()
}

// ForDevice returns the storage view for one device id.
func (d *Devices) ForDevice(deviceID string) ports.StateBackend {
	return deviceBackend{cache: d.cache, deviceID: deviceID}
}

// Reset drops every key held for deviceID.
func (d *Devices) Reset(deviceID string) int {
	prefix := deviceID + ":"
	removed := 0
	for _, k := range d.cache.Keys() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			d.cache.Delete(k)
			removed++
		}
	}
	return removed
}

type deviceBackend struct {
	cache    *ttlcache.Cache[string, string]
	deviceID string
}

func (b deviceBackend) key(k domainauth.StateKey) string {
	return b.deviceID + ":" + string(k)
}

func (b deviceBackend) Get(_ context.Context, key domainauth.StateKey) (string, bool, error) {
	if b.deviceID == "" {
		return "", false, nil
	}
	item := b.cache.Get(b.key(key))
	if item == nil {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (b deviceBackend) Set(_ context.Context, key domainauth.StateKey, value string, ttl time.Duration) error {
	if b.deviceID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	b.cache.Set(b.key(key), value, ttl)
	return nil
}

func (b deviceBackend) Delete(_ context.Context, key domainauth.StateKey) error {
	if b.deviceID == "" {
		return nil
	}
	b.cache.Delete(b.key(key))
	return nil
}
