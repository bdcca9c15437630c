package httpx

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/assetlens/portal/internal/adapters/cookiestore"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
	"github.com/assetlens/portal/internal/service/flagstore"
)

// FlagStores builds the request-scoped flag stores handlers and middleware work on.
type FlagStores struct {
	CookieDomain string
	// Specs overrides the cookie layout. Nil uses cookiestore.DefaultSpecs.
	Specs map[domainauth.StateKey]cookiestore.Spec
	// Devices backs the client-side view. Nil leaves cookies as the only store.
	Devices ports.DeviceStorage
	TTLs    *flagstore.TTLs
	Logger  *slog.Logger
}

func (f *FlagStores) jar(w http.ResponseWriter, r *http.Request) *cookiestore.Jar {
	return cookiestore.New(w, r, cookiestore.Options{Domain: f.CookieDomain, Specs: f.Specs})
}

// Edge returns the cookie-only store the edge guard sees.
func (f *FlagStores) Edge(w http.ResponseWriter, r *http.Request) (*flagstore.Store, error) {
	return f.store(f.jar(w, r))
}

// Client returns the store the post-hydration side sees: cookies mirrored into
// device storage, so values written by either survive the other being cleared.
func (f *FlagStores) Client(w http.ResponseWriter, r *http.Request) (*flagstore.Store, error) {
	deviceID := GetDeviceID(r.Context())
	if f.Devices == nil || deviceID == "" {
		return f.Edge(w, r)
	}
	return f.store(flagstore.NewMirrored(f.jar(w, r), f.Devices.ForDevice(deviceID)))
}

func (f *FlagStores) store(backend ports.StateBackend) (*flagstore.Store, error) {
	s, err := flagstore.New(flagstore.Options{Backend: backend, TTLs: f.TTLs, Logger: f.Logger})
	if err != nil {
		return nil, fmt.Errorf("flag store: %w", err)
	}
	return s, nil
}
