// Package resolver determines the current session from the auth service, the
// stored token pair and the local session snapshot.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/observability/metrics"
	"github.com/assetlens/portal/internal/observability/statsd"
	"github.com/assetlens/portal/internal/ports"
	"github.com/assetlens/portal/internal/service/flagstore"
)

// DefaultTimeout bounds one authoritative lookup, refresh included.
const DefaultTimeout = 300 * time.Millisecond

// Source tells where a resolved session came from.
type Source string

const (
	SourceAuthoritative Source = "authoritative"
	SourceCache         Source = "cache"
	SourceTokens        Source = "tokens"
	SourceNone          Source = "none"
)

// Resolution is the result of Resolve.
type Resolution struct {
	Session   *domainauth.Session
	HasTokens bool
	Source    Source
	Failure   domainauth.FailureKind
	// Degraded is set when the auth service could not be reached.
	Degraded bool
	// Connected is set when the subject has a linked federation account.
	Connected bool
}

// SignedIn reports whether a session was resolved.
func (r Resolution) SignedIn() bool { return r.Session != nil }

// Options configures a Resolver.
type Options struct {
	Backend    ports.AuthBackend
	Federation ports.FederationAccounts
	Timeout    time.Duration
	Now        func() time.Time
	Metrics    statsd.Sink
	Logger     *slog.Logger
}

// Resolver resolves sessions. It is safe for concurrent use; concurrent lookups
// for the same token pair share one backend call.
type Resolver struct {
	backend    ports.AuthBackend
	federation ports.FederationAccounts
	timeout    time.Duration
	now        func() time.Time
	metrics    statsd.Sink
	logger     *slog.Logger
	group      singleflight.Group
}

// New creates a Resolver.
func New(opts Options) (*Resolver, error) {
	if opts.Backend == nil {
		return nil, errors.New("resolver: auth backend is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		backend:    opts.Backend,
		federation: opts.Federation,
		timeout:    opts.Timeout,
		now:        opts.Now,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "resolver"),
	}, nil
}

// Resolve never fails. Expected conditions are reported through Resolution.Failure.
func (r *Resolver) Resolve(ctx context.Context, flags *flagstore.Store) Resolution {
	start := r.now()
	res, err := r.resolve(ctx, flags)
	metrics.EmitResolution(r.metrics, metrics.ResolverMetric{
		Source:   string(res.Source),
		Failure:  string(res.Failure),
		Duration: r.now().Sub(start),
		Err:      err,
	})
	return res
}

func (r *Resolver) resolve(ctx context.Context, flags *flagstore.Store) (Resolution, error) {
	tokens, err := flags.Tokens(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "read stored tokens", "error", err)
	}
	snapshot := r.freshSnapshot(ctx, flags)

	if tokens.Empty() {
		if snapshot != nil {
			return Resolution{Session: snapshot, Source: SourceCache}, nil
		}
		return Resolution{Source: SourceNone, Failure: domainauth.FailureNotFound}, nil
	}

	sess, lookupErr := r.lookup(ctx, tokens)
	switch kind := domainauth.Classify(lookupErr); kind {
	case domainauth.FailureNone:
		return r.authoritative(ctx, flags, tokens, sess), nil

	case domainauth.FailureInvalidRefreshToken:
		r.logger.InfoContext(ctx, "refresh token rejected; purging credentials", "subject_hint", SubjectHint(tokens.AccessToken))
		if err := flags.ClearCredentials(ctx); err != nil {
			r.logger.WarnContext(ctx, "purge credentials", "error", err)
		}
		if err := flags.SetManualLogin(ctx, true); err != nil {
			r.logger.WarnContext(ctx, "force manual login", "error", err)
		}
		return Resolution{Source: SourceNone, Failure: kind}, lookupErr

	case domainauth.FailureNetwork:
		r.logger.WarnContext(ctx, "auth service unreachable; degrading to cache", "error", lookupErr)
		res := Resolution{HasTokens: true, Source: SourceNone, Failure: kind, Degraded: true}
		if snapshot != nil {
			res.Session = snapshot
			res.Source = SourceCache
		}
		return res, lookupErr

	default:
		// Tokens exist but the service has no session for them: allow navigation
		// without asserting identity.
		r.logger.InfoContext(ctx, "no session for stored tokens; failing open", "subject_hint", SubjectHint(tokens.AccessToken))
		return Resolution{HasTokens: true, Source: SourceTokens, Failure: kind}, lookupErr
	}
}

func (r *Resolver) authoritative(ctx context.Context, flags *flagstore.Store, stored domainauth.TokenPair, sess domainauth.Session) Resolution {
	if err := flags.SaveSnapshot(ctx, sess); err != nil {
		r.logger.WarnContext(ctx, "refresh session snapshot", "error", err)
	}
	// Rewrite token cookies only when the backend rotated them; a missing
	// refresh token keeps the stored one.
	fresh := sess.Tokens()
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stored.RefreshToken
	}
	if fresh != stored {
		if err := flags.SaveTokens(ctx, fresh); err != nil {
			r.logger.WarnContext(ctx, "refresh token cookies", "error", err)
		}
	}
	res := Resolution{Session: &sess, HasTokens: true, Source: SourceAuthoritative}
	if r.federation != nil {
		connected, err := r.federation.HasAccount(ctx, sess.SubjectID)
		if err != nil {
			r.logger.WarnContext(ctx, "federation account lookup", "error", err, "subject_id", sess.SubjectID)
		}
		res.Connected = connected
	}
	return res
}

// lookup asks the auth service for the session behind tokens, refreshing once
// when the access token has expired. Callers presenting the same tokens share the call.
func (r *Resolver) lookup(ctx context.Context, tokens domainauth.TokenPair) (domainauth.Session, error) {
	key := tokens.AccessToken + "\x00" + tokens.RefreshToken
	ch := r.group.DoChan(key, func() (any, error) {
		// The shared call must not die with the first caller's context.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.fetch(callCtx, tokens)
	})

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return domainauth.Session{}, res.Err
		}
		return res.Val.(domainauth.Session), nil
	case <-timer.C:
		return domainauth.Session{}, context.DeadlineExceeded
	case <-ctx.Done():
		return domainauth.Session{}, ctx.Err()
	}
}

func (r *Resolver) fetch(ctx context.Context, tokens domainauth.TokenPair) (domainauth.Session, error) {
	if tokens.AccessToken != "" {
		sess, err := r.backend.GetSession(ctx, tokens)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, domainauth.ErrTokenExpired) || tokens.RefreshToken == "" {
			return domainauth.Session{}, err
		}
	}
	if tokens.RefreshToken == "" {
		return domainauth.Session{}, domainauth.ErrNoSession
	}
	return r.backend.RefreshSession(ctx, tokens.RefreshToken)
}

// freshSnapshot returns the stored snapshot unless it is missing or stale.
func (r *Resolver) freshSnapshot(ctx context.Context, flags *flagstore.Store) *domainauth.Session {
	snap, err := flags.Snapshot(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "read session snapshot", "error", err)
		return nil
	}
	if snap == nil || snap.Expired(r.now()) {
		return nil
	}
	return snap
}

// SubjectHint reads the sub claim of a JWT without verifying it. The result is
// for logs only and never identifies the caller.
func SubjectHint(raw string) string {
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
