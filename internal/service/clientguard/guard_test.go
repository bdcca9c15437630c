package clientguard

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	authmocks "github.com/assetlens/portal/internal/mocks/auth"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/loopdetector"
	"github.com/assetlens/portal/internal/service/resolver"
	"github.com/assetlens/portal/internal/testutil"
)

// scriptedResolver returns results in order and repeats the last one.
type scriptedResolver struct {
	mu      sync.Mutex
	calls   int
	results []resolver.Resolution
	onCall  func(n int)
}

func (s *scriptedResolver) Resolve(context.Context, *flagstore.Store) resolver.Resolution {
	s.mu.Lock()
	s.calls++
	n := s.calls
	var res resolver.Resolution
	if len(s.results) > 0 {
		idx := n - 1
		if idx >= len(s.results) {
			idx = len(s.results) - 1
		}
		res = s.results[idx]
	}
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return res
}

func (s *scriptedResolver) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeEvents struct {
	mu   sync.Mutex
	subs map[string][]domainauth.EventHandler
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subs: make(map[string][]domainauth.EventHandler)}
}

func (f *fakeEvents) Subscribe(deviceID string, h domainauth.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[deviceID] = append(f.subs[deviceID], h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, deviceID)
	}
}

func (f *fakeEvents) Publish(deviceID string, e domainauth.Event) {
	f.mu.Lock()
	handlers := append([]domainauth.EventHandler(nil), f.subs[deviceID]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (f *fakeEvents) Subscribers(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[deviceID])
}

func signedOut() resolver.Resolution {
	return resolver.Resolution{Source: resolver.SourceNone, Failure: domainauth.FailureNotFound}
}

func signedIn(subject string) resolver.Resolution {
	return resolver.Resolution{
		Session:   &domainauth.Session{SubjectID: subject, Email: subject + "@example.com"},
		HasTokens: true,
		Source:    resolver.SourceAuthoritative,
	}
}

type fixture struct {
	registry *Registry
	resolver *scriptedResolver
	events   *fakeEvents
	clock    *testutil.Clock
	metrics  *testutil.MetricsRecorder
}

func newFixture(t *testing.T, results ...resolver.Resolution) *fixture {
	t.Helper()
	f := &fixture{
		resolver: &scriptedResolver{results: results},
		events:   newFakeEvents(),
		clock:    testutil.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		metrics:  &testutil.MetricsRecorder{},
	}
	reg, err := NewRegistry(Options{
		Resolver:      f.resolver,
		Loops:         loopdetector.New(loopdetector.Options{Now: f.clock.Now}),
		Events:        f.events,
		SettleTimeout: 50 * time.Millisecond,
		Now:           f.clock.Now,
		Metrics:       f.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	f.registry = reg
	return f
}

func newFlags(t *testing.T) *flagstore.Store {
	t.Helper()
	s, err := flagstore.New(flagstore.Options{Backend: authmocks.NewMemoryStateBackend()})
	require.NoError(t, err)
	return s
}

func (f *fixture) eval(t *testing.T, device string, flags *flagstore.Store, rawURL string) Result {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return f.registry.Evaluate(context.Background(), device, flags, u)
}

func TestNewRegistry_RequiresResolver(t *testing.T) {
	_, err := NewRegistry(Options{})
	require.Error(t, err)
}

func TestEvaluate_FirstCallSettles(t *testing.T) {
	f := newFixture(t, signedIn("user-1"))
	assert.False(t, f.registry.Settled("device-1"))

	res := f.eval(t, "device-1", newFlags(t), "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.False(t, res.Loading)
	assert.True(t, f.registry.Settled("device-1"))
}

func TestEvaluate_WaitersSeeLoadingUntilSettled(t *testing.T) {
	f := newFixture(t, signedIn("user-1"))
	entered := make(chan struct{})
	release := make(chan struct{})
	f.resolver.onCall = func(n int) {
		if n == 1 {
			close(entered)
			<-release
		}
	}
	flags := newFlags(t)

	done := make(chan Result, 1)
	go func() { done <- f.eval(t, "device-1", flags, "/dashboard") }()
	<-entered

	res := f.eval(t, "device-1", flags, "/dashboard")
	assert.True(t, res.Loading)
	assert.Equal(t, ReasonSettling, res.Reason)

	close(release)
	first := <-done
	assert.False(t, first.Loading)

	res = f.eval(t, "device-1", flags, "/dashboard")
	assert.False(t, res.Loading)
}

func TestEvaluate_InitialSessionEventMarksReady(t *testing.T) {
	f := newFixture(t, signedOut())
	g := f.registry.For("device-1")
	require.False(t, g.Settled())

	f.events.Publish("device-1", domainauth.InitialSession{})
	select {
	case <-g.Ready():
	default:
		t.Fatal("ready not closed")
	}
}

func TestEvaluate_UnsetManualLoginDefaultsToTrue(t *testing.T) {
	f := newFixture(t, signedOut())
	res := f.eval(t, "device-1", newFlags(t), "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonManualLogin, res.Reason)
}

func TestEvaluate_RedirectKeepsLoading(t *testing.T) {
	f := newFixture(t, signedOut())
	flags := newFlags(t)
	ctx := context.Background()
	require.NoError(t, flags.SetManualLogin(ctx, false))

	res := f.eval(t, "device-1", flags, "/billing")
	require.Equal(t, guard.RedirectToSignIn, res.Outcome)
	assert.True(t, res.Loading)
	assert.Equal(t, "/sign-in?return_to=%2Fbilling", res.Location)

	ledger, err := flags.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.Count)
}

func TestEvaluate_FromAuthSkipsRedirectAndCleansURL(t *testing.T) {
	f := newFixture(t, signedOut())
	flags := newFlags(t)
	require.NoError(t, flags.SetManualLogin(context.Background(), false))

	res := f.eval(t, "device-1", flags, "/dashboard?from_auth=true&has_session=true&tab=usage")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonFromAuth, res.Reason)
	assert.Equal(t, "/dashboard?tab=usage", res.CleanURL)
}

func TestEvaluate_RedirectAbandonedWhenSessionChanges(t *testing.T) {
	f := newFixture(t, signedOut(), signedIn("user-1"))
	f.resolver.onCall = func(n int) {
		if n == 2 {
			f.events.Publish("device-1", domainauth.SignedIn{Session: domainauth.Session{SubjectID: "user-1"}})
		}
	}
	flags := newFlags(t)
	require.NoError(t, flags.SetManualLogin(context.Background(), false))

	res := f.eval(t, "device-1", flags, "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, ReasonSuperseded, res.Reason)
	assert.Empty(t, res.Location)

	ledger, err := flags.Ledger(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ledger.Count, "abandoned redirects are not counted")
}

func TestEvaluate_LoopToastShownOnce(t *testing.T) {
	f := newFixture(t, signedOut())
	flags := newFlags(t)
	ctx := context.Background()
	require.NoError(t, flags.StampRedirect(ctx, f.clock.Now()))

	res := f.eval(t, "device-1", flags, "/dashboard")
	assert.Equal(t, guard.ReasonRedirectLoop, res.Reason)
	require.Len(t, res.Toasts, 1)
	assert.Equal(t, domainauth.FailureRedirectLoop, res.Toasts[0].Kind)
	assert.NotEmpty(t, res.Toasts[0].Message)

	m, err := flags.ManualLogin(ctx)
	require.NoError(t, err)
	assert.True(t, m.Or(false))

	res = f.eval(t, "device-1", flags, "/dashboard")
	assert.Equal(t, guard.ReasonRedirectLoop, res.Reason)
	assert.Empty(t, res.Toasts)
}

func TestEvaluate_NetworkToastShownOnceAndResetBySignIn(t *testing.T) {
	degraded := resolver.Resolution{HasTokens: true, Failure: domainauth.FailureNetwork, Degraded: true}
	f := newFixture(t, degraded)
	flags := newFlags(t)

	res := f.eval(t, "device-1", flags, "/dashboard")
	assert.Equal(t, guard.PassThrough, res.Outcome)
	assert.Equal(t, guard.ReasonDegraded, res.Reason)
	require.Len(t, res.Toasts, 1)
	assert.Equal(t, domainauth.FailureNetwork, res.Toasts[0].Kind)

	res = f.eval(t, "device-1", flags, "/dashboard")
	assert.Empty(t, res.Toasts)

	f.events.Publish("device-1", domainauth.SignedIn{})
	res = f.eval(t, "device-1", flags, "/dashboard")
	assert.Len(t, res.Toasts, 1)
}

func TestEvaluate_StaticAndForceSkipSettling(t *testing.T) {
	f := newFixture(t, signedOut())
	flags := newFlags(t)

	assert.Equal(t, guard.ReasonStatic, f.eval(t, "device-1", flags, "/favicon.ico").Reason)
	assert.Equal(t, guard.ReasonForced, f.eval(t, "device-1", flags, "/admin?force=true").Reason)
	assert.Zero(t, f.resolver.Calls())
}

func TestEvaluate_RecentSignOutKeepsSignInPage(t *testing.T) {
	f := newFixture(t, signedIn("user-1"))
	flags := newFlags(t)
	ctx := context.Background()
	require.NoError(t, flags.SetManualLogin(ctx, false))
	require.NoError(t, flags.MarkSignedOut(ctx, f.clock.Now().Add(-time.Second)))

	res := f.eval(t, "device-1", flags, "/sign-in?signout=success")
	assert.Equal(t, guard.ReasonRecentSignOut, res.Reason)
	assert.Equal(t, "/sign-in", res.CleanURL)
}

func TestEvaluate_EmitsClientMetric(t *testing.T) {
	f := newFixture(t, signedOut())
	f.eval(t, "device-1", newFlags(t), "/dashboard")

	calls := f.metrics.Named("guard.decision")
	require.Len(t, calls, 1)
	assert.Equal(t, "client", calls[0].Tags["guard"])
}

func TestRegistry_ReusesAndForgetsDevices(t *testing.T) {
	f := newFixture(t, signedOut())

	g1 := f.registry.For("device-1")
	assert.Same(t, g1, f.registry.For("device-1"))
	assert.NotSame(t, g1, f.registry.For("device-2"))
	assert.Equal(t, 2, f.registry.Len())
	assert.Equal(t, 1, f.events.Subscribers("device-1"))

	f.registry.Forget("device-1")
	assert.Equal(t, 1, f.registry.Len())
	assert.Eventually(t, func() bool { return f.events.Subscribers("device-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRegistry_CloseUnsubscribes(t *testing.T) {
	f := newFixture(t, signedOut())
	f.registry.For("device-1")
	require.Equal(t, 1, f.events.Subscribers("device-1"))

	f.registry.Close()
	assert.Zero(t, f.events.Subscribers("device-1"))
}
