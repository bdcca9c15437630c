// Package routeguard is the edge guard: it decides, once per navigation and
// before the page is served, whether to pass, rate-limit or redirect.
package routeguard

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	"github.com/assetlens/portal/internal/observability/metrics"
	"github.com/assetlens/portal/internal/observability/statsd"
	"github.com/assetlens/portal/internal/ports"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/loopdetector"
	"github.com/assetlens/portal/internal/service/resolver"
)

// DefaultSignOutGrace keeps the sign-in page reachable right after sign-out.
const DefaultSignOutGrace = 10 * time.Second

// SessionResolver resolves the session behind a flag store.
type SessionResolver interface {
	Resolve(ctx context.Context, flags *flagstore.Store) resolver.Resolution
}

// AccessDecider derives access decisions for sessions.
type AccessDecider interface {
	Decide(ctx context.Context, sess *domainauth.Session) domainauth.AccessDecision
}

// Options configures a Guard.
type Options struct {
	Routes   guard.Routes
	Resolver SessionResolver
	Access   AccessDecider
	Loops    *loopdetector.Detector
	// Limiter applies to API-prefixed paths. Nil disables rate limiting.
	Limiter ports.RateLimiter
	// LimiterName tags rate-limit metrics.
	LimiterName  string
	SignOutGrace time.Duration
	Now          func() time.Time
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// Guard evaluates navigations at the edge. It is safe for concurrent use.
type Guard struct {
	routes       guard.Routes
	resolver     SessionResolver
	access       AccessDecider
	loops        *loopdetector.Detector
	limiter      ports.RateLimiter
	limiterName  string
	signOutGrace time.Duration
	now          func() time.Time
	metrics      statsd.Sink
	logger       *slog.Logger
}

// New creates a Guard.
func New(opts Options) (*Guard, error) {
	if opts.Resolver == nil {
		return nil, errors.New("routeguard: resolver is required")
	}
	if opts.Routes.SignInPath == "" {
		opts.Routes = guard.DefaultRoutes()
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
	return &Guard{
		routes:       opts.Routes,
		resolver:     opts.Resolver,
		access:       opts.Access,
		loops:        loops,
		limiter:      opts.Limiter,
		limiterName:  opts.LimiterName,
		signOutGrace: opts.SignOutGrace,
		now:          opts.Now,
		metrics:      opts.Metrics,
		logger:       logger.With("component", "routeguard"),
	}, nil
}

// Request is one navigation as seen by the edge.
type Request struct {
	URL *url.URL
	// ClientKey identifies the caller for rate limiting, usually the client IP.
	ClientKey string
	Flags     *flagstore.Store
}

// Result is the guard's verdict plus what it learned on the way.
type Result struct {
	guard.Decision
	RetryAfter time.Duration
	Class      guard.RouteClass
	// Resolution is nil when the guard decided without resolving the session.
	Resolution *resolver.Resolution
}

// Evaluate runs the edge rules in order. It never fails and never panics:
// an unexpected error in the decision path yields PASS_THROUGH.
func (g *Guard) Evaluate(ctx context.Context, req Request) (res Result) {
	start := g.now()
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.ErrorContext(ctx, "route guard panicked; passing through", "panic", rec, "path", pathOf(req.URL))
			res = Result{Decision: guard.Decision{Outcome: guard.PassThrough, Reason: guard.ReasonGuardPanic}}
		}
		metrics.EmitGuardDecision(g.metrics, metrics.DecisionMetric{
			Guard:      metrics.GuardEdge,
			Outcome:    string(res.Outcome),
			Reason:     res.Reason,
			RouteClass: string(res.Class),
			Duration:   g.now().Sub(start),
		})
	}()
	return g.evaluate(ctx, req)
}

func (g *Guard) evaluate(ctx context.Context, req Request) Result {
	if req.URL == nil || req.Flags == nil {
		return pass(guard.ClassPublic, guard.ReasonDefault)
	}
	class := g.routes.Classify(req.URL.Path)
	markers := guard.ParseMarkers(req.URL.Query())

	switch {
	case class == guard.ClassStatic:
		return pass(class, guard.ReasonStatic)
	case markers.Force:
		return pass(class, guard.ReasonForced)
	case class == guard.ClassAPI:
		return g.rateLimit(ctx, req.ClientKey)
	}

	flags := req.Flags
	if g.loops.LoopDetected(ctx, flags) {
		g.forceManualLogin(ctx, flags)
		ledger, _ := flags.Ledger(ctx)
		metrics.EmitLoopDetected(g.metrics, metrics.GuardEdge, ledger.Count)
		return pass(class, guard.ReasonRedirectLoop)
	}
	if class == guard.ClassAuthOnly && g.recentSignOut(ctx, flags) {
		return pass(class, guard.ReasonRecentSignOut)
	}
	if class == guard.ClassPublic {
		return pass(class, guard.ReasonDefault)
	}

	resolution := g.resolver.Resolve(ctx, flags)
	manual, err := flags.ManualLogin(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "read manual login flag", "error", err)
	}

	facts := guard.Facts{
		Class:       class,
		Path:        guard.StripMarkers(req.URL),
		Markers:     markers,
		ManualLogin: manual.Or(false),
		HasSession:  resolution.SignedIn(),
		HasTokens:   resolution.HasTokens,
		Failure:     resolution.Failure,
		Degraded:    resolution.Degraded,
	}
	decision := g.routes.Decide(facts, g.accessFunc(ctx, resolution.Session))
	if decision.ForceManualLogin {
		g.forceManualLogin(ctx, flags)
	}

	out := Result{Decision: decision, Class: class, Resolution: &resolution}
	if decision.Outcome.IsRedirect() {
		out.Decision = g.stampRedirect(ctx, flags, facts.Path, decision)
	}
	return out
}

func (g *Guard) rateLimit(ctx context.Context, clientKey string) Result {
	if g.limiter == nil {
		return pass(guard.ClassAPI, guard.ReasonAPI)
	}
	d, err := g.limiter.Allow(ctx, "api:"+clientKey)
	if err != nil {
		g.logger.WarnContext(ctx, "rate limiter unavailable; allowing request", "error", err)
		return pass(guard.ClassAPI, guard.ReasonAPI)
	}
	if !d.Allowed {
		metrics.EmitRateLimited(g.metrics, g.limiterName)
		return Result{
			Decision:   guard.Decision{Outcome: guard.RateLimitReject, Reason: guard.ReasonRateLimited},
			RetryAfter: d.RetryAfter,
			Class:      guard.ClassAPI,
		}
	}
	return pass(guard.ClassAPI, guard.ReasonAPI)
}

// stampRedirect records the navigation intent and counts the redirect. When the
// loop detector refuses it, the redirect is dropped and manual login is forced.
func (g *Guard) stampRedirect(ctx context.Context, flags *flagstore.Store, from string, d guard.Decision) guard.Decision {
	if err := flags.RecordIntent(ctx, domainauth.NavigationIntent{From: from, To: d.Location, Timestamp: g.now()}); err != nil {
		g.logger.WarnContext(ctx, "record navigation intent", "error", err)
	}
	rr, err := g.loops.RecordRedirect(ctx, flags)
	if err != nil {
		g.logger.WarnContext(ctx, "record redirect", "error", err)
	}
	if rr.Allowed {
		return d
	}
	g.forceManualLogin(ctx, flags)
	metrics.EmitLoopDetected(g.metrics, metrics.GuardEdge, rr.Count)
	return guard.Decision{Outcome: guard.PassThrough, Reason: guard.ReasonRedirectLoop, Access: d.Access}
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
		g.logger.WarnContext(ctx, "force manual login", "error", err)
	}
}

func (g *Guard) accessFunc(ctx context.Context, sess *domainauth.Session) guard.AccessFunc {
	if g.access == nil {
		return nil
	}
	return func() domainauth.AccessDecision { return g.access.Decide(ctx, sess) }
}

func pass(class guard.RouteClass, reason string) Result {
	return Result{Decision: guard.Decision{Outcome: guard.PassThrough, Reason: reason}, Class: class}
}

func pathOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Path
}
