package redis

// Package redis provides Redis-based adapters for the portal guard.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var (
	_ ports.DeviceStorage = (*DeviceStore)(nil)
	_ masterIterator      = (*redis.ClusterClient)(nil)
)

// DefaultDeviceTTL bounds device keys written without an explicit ttl.
const DefaultDeviceTTL = 30 * 24 * time.Hour

// DeviceStore is device storage on Redis, namespaced per device id.
// It stands in for the browser's local storage on the server side.
type DeviceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewDeviceStore creates a Redis-based device store.
func NewDeviceStore(client redis.UniversalClient) *DeviceStore {
	return &DeviceStore{
		client: client,
		prefix: "portal:device:",
	}
}

// NewDeviceStoreWithPrefix creates a device store with a custom key prefix.
func NewDeviceStoreWithPrefix(client redis.UniversalClient, prefix string) *DeviceStore {
	return &DeviceStore{
		client: client,
		prefix: prefix,
	}
}

// ForDevice returns the storage view for one device id.
func (s *DeviceStore) ForDevice(deviceID string) ports.StateBackend {
	return &deviceBackend{store: s, deviceID: deviceID}
}

// Reset deletes every key held for deviceID and returns how many were removed.
// On a cluster client every master is scanned, since SCAN only walks one node.
func (s *DeviceStore) Reset(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, nil
	}
	pattern := s.prefix + deviceID + ":*"

	masters, ok := s.client.(masterIterator)
	if !ok {
		return deleteMatching(ctx, s.client, pattern)
	}

	var (
		mu      sync.Mutex
		removed int
	)
	err := masters.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		n, err := deleteMatching(ctx, node, pattern)
		mu.Lock()
		removed += n
		mu.Unlock()
		return err
	})
	return removed, err
}

// masterIterator is implemented by *redis.ClusterClient.
type masterIterator interface {
	ForEachMaster(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error
}

func deleteMatching(ctx context.Context, c redis.Cmdable, pattern string) (int, error) {
	removed := 0
	iter := c.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	return removed, nil
}

type deviceBackend struct {
	store    *DeviceStore
	deviceID string
}

func (b *deviceBackend) key(k domainauth.StateKey) string {
	return b.store.prefix + b.deviceID + ":" + string(k)
}

func (b *deviceBackend) Get(ctx context.Context, key domainauth.StateKey) (string, bool, error) {
	if b.deviceID == "" {
		return "", false, nil
	}
	v, err := b.store.client.Get(ctx, b.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (b *deviceBackend) Set(ctx context.Context, key domainauth.StateKey, value string, ttl time.Duration) error {
	if b.deviceID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultDeviceTTL
	}
	if err := b.store.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *deviceBackend) Delete(ctx context.Context, key domainauth.StateKey) error {
	if b.deviceID == "" {
		return nil // Nothing to delete
	}
	if err := b.store.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
