// Package clientguard re-evaluates navigation after the page has loaded, once
// the device's session has settled. It keeps per-device state between calls:
// readiness, the auth event generation and which toasts were already shown.
package clientguard

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	"github.com/assetlens/portal/internal/observability/metrics"
	"github.com/assetlens/portal/internal/observability/statsd"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/loopdetector"
	"github.com/assetlens/portal/internal/service/resolver"
)

const (
	// DefaultSettleTimeout bounds how long a request waits for another request's
	// first resolution before answering with a loading state.
	DefaultSettleTimeout = 2 * time.Second
	// DefaultSignOutGrace keeps the sign-in page reachable right after sign-out.
	DefaultSignOutGrace = 10 * time.Second
)

// Reasons specific to the client guard.
const (
	ReasonSettling   = "settling"
	ReasonSuperseded = "decision_changed"
)

var toastMessages = map[domainauth.FailureKind]string{
	domainauth.FailureRedirectLoop: "We stopped a redirect loop. Please sign in again.",
	domainauth.FailureNetwork:      "We couldn't reach the sign-in service. Some information may be out of date.",
}

// SessionResolver resolves the session behind a flag store.
type SessionResolver interface {
	Resolve(ctx context.Context, flags *flagstore.Store) resolver.Resolution
}

// AccessDecider derives access decisions for sessions.
type AccessDecider interface {
	Decide(ctx context.Context, sess *domainauth.Session) domainauth.AccessDecision
}

// EventSource delivers auth events for a device.
type EventSource interface {
	Subscribe(deviceID string, h domainauth.EventHandler) func()
}

// Toast is a one-time notice for the user.
type Toast struct {
	Kind    domainauth.FailureKind `json:"kind"`
	Message string                 `json:"message"`
}

// Result is the client guard's answer for one evaluation.
type Result struct {
	Outcome  guard.Outcome `json:"outcome"`
	Reason   string        `json:"reason"`
	Location string        `json:"location,omitempty"`
	// Loading tells the page to keep its loading state: either the session has
	// not settled yet or the page is about to navigate away.
	Loading bool    `json:"loading"`
	Toasts  []Toast `json:"toasts,omitempty"`
	// CleanURL is the current URL without markers, set when markers were present.
	CleanURL string                     `json:"clean_url,omitempty"`
	Access   *domainauth.AccessDecision `json:"access,omitempty"`
}

type deps struct {
	routes        guard.Routes
	resolver      SessionResolver
	access        AccessDecider
	loops         *loopdetector.Detector
	events        EventSource
	settleTimeout time.Duration
	signOutGrace  time.Duration
	now           func() time.Time
	metrics       statsd.Sink
	logger        *slog.Logger
}

// Guard is the client guard of one device. Use Registry.For to obtain one.
type Guard struct {
	*deps
	deviceID string

	claimed   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	generation uint64
	shown      map[domainauth.FailureKind]bool

	closeOnce   sync.Once
	unsubscribe func()
}

func newGuard(d *deps, deviceID string) *Guard {
	g := &Guard{
		deps:     d,
		deviceID: deviceID,
		ready:    make(chan struct{}),
		shown:    make(map[domainauth.FailureKind]bool),
	}
	g.unsubscribe = func() {}
	if d.events != nil {
		g.unsubscribe = d.events.Subscribe(deviceID, g.handleEvent)
	}
	return g
}

// Ready is closed once the device's first session lookup has settled.
func (g *Guard) Ready() <-chan struct{} { return g.ready }

// Settled reports whether Ready is closed.
func (g *Guard) Settled() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}

// Close stops receiving auth events.
func (g *Guard) Close() { g.closeOnce.Do(g.unsubscribe) }

func (g *Guard) markReady() {
	g.readyOnce.Do(func() { close(g.ready) })
}

func (g *Guard) handleEvent(e domainauth.Event) {
	switch e.(type) {
	case domainauth.InitialSession:
		g.markReady()
		return
	case domainauth.SignedIn:
		g.mu.Lock()
		g.shown = make(map[domainauth.FailureKind]bool)
		g.mu.Unlock()
	}
	g.mu.Lock()
	g.generation++
	g.mu.Unlock()
	g.markReady()
}

func (g *Guard) currentGeneration() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// toastOnce returns the toast for kind the first time it is requested.
func (g *Guard) toastOnce(kind domainauth.FailureKind) (Toast, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shown[kind] {
		return Toast{}, false
	}
	g.shown[kind] = true
	return Toast{Kind: kind, Message: toastMessages[kind]}, true
}

// Evaluate decides what the loaded page at u should do. It never fails.
func (g *Guard) Evaluate(ctx context.Context, flags *flagstore.Store, u *url.URL) (res Result) {
	start := g.now()
	class := guard.ClassPublic
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.ErrorContext(ctx, "client guard panicked; passing through", "panic", rec, "device_id", g.deviceID)
			res = Result{Outcome: guard.PassThrough, Reason: guard.ReasonGuardPanic}
		}
		metrics.EmitGuardDecision(g.metrics, metrics.DecisionMetric{
			Guard:      metrics.GuardClient,
			Outcome:    string(res.Outcome),
			Reason:     res.Reason,
			RouteClass: string(class),
			Duration:   g.now().Sub(start),
		})
	}()
	if u == nil || flags == nil {
		return Result{Outcome: guard.PassThrough, Reason: guard.ReasonDefault}
	}

	class = g.routes.Classify(u.Path)
	markers := guard.ParseMarkers(u.Query())
	res = g.evaluate(ctx, flags, u, class, markers)
	if markers.AnyMarkerSeen {
		res.CleanURL = guard.StripMarkers(u)
	}
	return res
}

func (g *Guard) evaluate(ctx context.Context, flags *flagstore.Store, u *url.URL, class guard.RouteClass, markers guard.Markers) Result {
	switch {
	case class == guard.ClassStatic:
		return passResult(guard.ReasonStatic)
	case class == guard.ClassAPI:
		return passResult(guard.ReasonAPI)
	case markers.Force:
		return passResult(guard.ReasonForced)
	}

	resolution, ok := g.settle(ctx, flags)
	if !ok {
		return Result{Outcome: guard.PassThrough, Reason: ReasonSettling, Loading: true}
	}

	if g.loops.LoopDetected(ctx, flags) {
		g.forceManualLogin(ctx, flags)
		out := passResult(guard.ReasonRedirectLoop)
		g.addToast(&out, domainauth.FailureRedirectLoop)
		return out
	}
	if class == guard.ClassAuthOnly && g.recentSignOut(ctx, flags) {
		return passResult(guard.ReasonRecentSignOut)
	}
	if markers.FromAuth {
		return passResult(guard.ReasonFromAuth)
	}

	path := guard.StripMarkers(u)
	gen := g.currentGeneration()
	decision := g.decide(ctx, flags, class, path, markers, resolution)

	out := Result{Outcome: decision.Outcome, Reason: decision.Reason, Location: decision.Location, Access: decision.Access}
	if resolution.Degraded {
		g.addToast(&out, domainauth.FailureNetwork)
	}
	if decision.ForceManualLogin {
		g.forceManualLogin(ctx, flags)
	}
	if !decision.Outcome.IsRedirect() {
		return out
	}

	// Settle again before navigating away. Anything that changed in between
	// (an auth event, a different verdict) abandons the redirect.
	confirm := g.decide(ctx, flags, class, path, markers, g.resolver.Resolve(ctx, flags))
	if g.currentGeneration() != gen || confirm.Outcome != decision.Outcome || confirm.Location != decision.Location {
		g.logger.DebugContext(ctx, "redirect abandoned; session changed while settling",
			"device_id", g.deviceID, "outcome", decision.Outcome, "confirm_outcome", confirm.Outcome)
		out.Outcome, out.Reason, out.Location = guard.PassThrough, ReasonSuperseded, ""
		return out
	}

	if err := flags.RecordIntent(ctx, domainauth.NavigationIntent{From: path, To: decision.Location, Timestamp: g.now()}); err != nil {
		g.logger.WarnContext(ctx, "record navigation intent", "error", err)
	}
	rr, err := g.loops.RecordRedirect(ctx, flags)
	if err != nil {
		g.logger.WarnContext(ctx, "record redirect", "error", err)
	}
	if !rr.Allowed {
		g.forceManualLogin(ctx, flags)
		metrics.EmitLoopDetected(g.metrics, metrics.GuardClient, rr.Count)
		out.Outcome, out.Reason, out.Location = guard.PassThrough, guard.ReasonRedirectLoop, ""
		g.addToast(&out, domainauth.FailureRedirectLoop)
		return out
	}
	out.Loading = true
	return out
}

func (g *Guard) decide(ctx context.Context, flags *flagstore.Store, class guard.RouteClass, path string, markers guard.Markers, r resolver.Resolution) guard.Decision {
	manual, err := flags.ManualLogin(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "read manual login flag", "error", err)
	}
	facts := guard.Facts{
		Class:   class,
		Path:    path,
		Markers: markers,
		// Unset means the user has not signed in on this device yet.
		ManualLogin: manual.Or(true),
		HasSession:  r.SignedIn(),
		HasTokens:   r.HasTokens,
		Failure:     r.Failure,
		Degraded:    r.Degraded,
	}
	var access guard.AccessFunc
	if g.access != nil {
		access = func() domainauth.AccessDecision { return g.access.Decide(ctx, r.Session) }
	}
	return g.routes.Decide(facts, access)
}

// settle returns a resolution once the device has settled. The first caller
// resolves and marks the device ready; concurrent callers wait for that up to
// the settle timeout and then resolve themselves.
func (g *Guard) settle(ctx context.Context, flags *flagstore.Store) (resolver.Resolution, bool) {
	if g.claimed.CompareAndSwap(false, true) {
		settleCtx, cancel := context.WithTimeout(ctx, g.settleTimeout)
		defer cancel()
		r := g.resolver.Resolve(settleCtx, flags)
		g.markReady()
		return r, true
	}

	timer := time.NewTimer(g.settleTimeout)
	defer timer.Stop()
	select {
	case <-g.ready:
	case <-timer.C:
		return resolver.Resolution{}, false
	case <-ctx.Done():
		return resolver.Resolution{}, false
	}
	return g.resolver.Resolve(ctx, flags), true
}

func (g *Guard) addToast(out *Result, kind domainauth.FailureKind) {
	if t, ok := g.toastOnce(kind); ok {
		out.Toasts = append(out.Toasts, t)
	}
}

func (g *Guard) recentSignOut(ctx context.Context, flags *flagstore.Store) bool {
	at, ok, err := flags.LastSignOut(ctx)
	if err != nil || !ok {
		return false
	}
	return g.now().Sub(at) < g.signOutGrace
}

func (g *Guard) forceManualLogin(ctx context.Context, flags *flagstore.Store) {
	if err := flags.SetManualLogin(ctx, true); err != nil {
		g.logger.WarnContext(ctx, "force manual login", "error", err, "device_id", g.deviceID)
	}
}

func passResult(reason string) Result {
	return Result{Outcome: guard.PassThrough, Reason: reason}
}

func newDeps(opts Options) (*deps, error) {
	if opts.Resolver == nil {
		return nil, errors.New("clientguard: resolver is required")
	}
	if opts.Routes.SignInPath == "" {
		opts.Routes = guard.DefaultRoutes()
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	if opts.SignOutGrace <= 0 {
		opts.SignOutGrace = DefaultSignOutGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loops := opts.Loops
	if loops == nil {
		loops = loopdetector.New(loopdetector.Options{Now: opts.Now, Logger: logger})
	}
	return &deps{
		routes:        opts.Routes,
		resolver:      opts.Resolver,
		access:        opts.Access,
		loops:         loops,
		events:        opts.Events,
		settleTimeout: opts.SettleTimeout,
		signOutGrace:  opts.SignOutGrace,
		now:           opts.Now,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "clientguard"),
	}, nil
}
