package clientguard

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/assetlens/portal/internal/domain/guard"
	"github.com/assetlens/portal/internal/observability/statsd"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/loopdetector"
)

// DefaultIdleTTL drops device state that has not been used for this long.
const DefaultIdleTTL = 30 * time.Minute

// Options configures a Registry.
type Options struct {
	Routes        guard.Routes
	Resolver      SessionResolver
	Access        AccessDecider
	Loops         *loopdetector.Detector
	Events        EventSource
	SettleTimeout time.Duration
	SignOutGrace  time.Duration
	IdleTTL       time.Duration
	Now           func() time.Time
	Metrics       statsd.Sink
	Logger        *slog.Logger
}

// Registry holds one Guard per device and expires idle ones.
type Registry struct {
	deps   *deps
	mu     sync.Mutex
	guards *ttlcache.Cache[string, *Guard]
	stop   func()
	closed sync.Once
}

// NewRegistry creates a Registry and starts its expiry loop. Call Close to stop it.
func NewRegistry(opts Options) (*Registry, error) {
	d, err := newDeps(opts)
	if err != nil {
		return nil, err
	}
	idle := opts.IdleTTL
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	guards := ttlcache.New(ttlcache.WithTTL[string, *Guard](idle))
	stop := guards.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Guard]) {
		item.Value().Close()
	})
	go guards.Start()
	return &Registry{deps: d, guards: guards, stop: stop}, nil
}

// For returns the guard of deviceID, creating it on first use.
func (r *Registry) For(deviceID string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item := r.guards.Get(deviceID); item != nil {
		return item.Value()
	}
	g := newGuard(r.deps, deviceID)
	r.guards.Set(deviceID, g, ttlcache.DefaultTTL)
	return g
}

// Evaluate runs the client guard of deviceID for the page at u.
func (r *Registry) Evaluate(ctx context.Context, deviceID string, flags *flagstore.Store, u *url.URL) Result {
	return r.For(deviceID).Evaluate(ctx, flags, u)
}

// Settled reports whether deviceID has a settled session. Unknown devices are not settled.
func (r *Registry) Settled(deviceID string) bool {
	item := r.guards.Get(deviceID, ttlcache.WithDisableTouchOnHit[string, *Guard]())
	return item != nil && item.Value().Settled()
}

// Forget drops the state of deviceID.
func (r *Registry) Forget(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards.Delete(deviceID)
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int { return r.guards.Len() }

// Close stops the expiry loop and unsubscribes every guard.
func (r *Registry) Close() {
	r.closed.Do(func() {
		r.guards.Stop()
		r.stop()
		for _, item := range r.guards.Items() {
			item.Value().Close()
		}
		r.guards.DeleteAll()
	})
}
