package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	apperrors "github.com/assetlens/portal/internal/errors"
	"github.com/assetlens/portal/internal/ports"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/resolver"
)

// SessionResolver resolves the session behind a flag store.
type SessionResolver interface {
	Resolve(ctx context.Context, flags *flagstore.Store) resolver.Resolution
}

// AccessDecider derives access decisions for sessions.
type AccessDecider interface {
	Decide(ctx context.Context, sess *domainauth.Session) domainauth.AccessDecision
	Forget(ctx context.Context, subjectID string) error
}

// AuthServiceOptions groups dependencies for AuthService.
type AuthServiceOptions struct {
	Backend  ports.AuthBackend
	Resolver SessionResolver
	Access   AccessDecider
	Events   *EventBus
	Routes   guard.Routes
	Now      func() time.Time
	Logger   *slog.Logger
}

// AuthService is the session provider surface: explicit sign-in and sign-out,
// the manual-login switch, token refresh and the current auth state.
type AuthService struct {
	backend  ports.AuthBackend
	resolver SessionResolver
	access   AccessDecider
	events   *EventBus
	routes   guard.Routes
	now      func() time.Time
	logger   *slog.Logger
}

// NewAuthService constructs a new AuthService.
func NewAuthService(opts AuthServiceOptions) (*AuthService, error) {
	if opts.Backend == nil {
		return nil, errors.New("auth service: backend is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("auth service: resolver is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Routes.SignInPath == "" {
		opts.Routes = guard.DefaultRoutes()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		backend:  opts.Backend,
		resolver: opts.Resolver,
		access:   opts.Access,
		events:   opts.Events,
		routes:   opts.Routes,
		now:      opts.Now,
		logger:   logger.With("component", "auth_service"),
	}, nil
}

// SignInInput groups parameters for an explicit credential sign-in.
type SignInInput struct {
	DeviceID string
	Email    string
	Password string
	ReturnTo string
}

// SignInResult contains the session and where to send the user next.
type SignInResult struct {
	Session  domainauth.Session
	Access   domainauth.AccessDecision
	Location string
}

// SignIn authenticates with email and password. On success it clears the
// manual-login flag, resets redirect bookkeeping, persists the tokens and snapshot
// and emits SignedIn.
func (s *AuthService) SignIn(ctx context.Context, flags *flagstore.Store, in SignInInput) (*SignInResult, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" {
		return nil, apperrors.ValidationField("email", "Email is required.")
	}
	if in.Password == "" {
		return nil, apperrors.ValidationField("password", "Password is required.")
	}

	sess, err := s.backend.SignInWithPassword(ctx, email, in.Password)
	if err != nil {
		return nil, mapBackendError(err, "sign in")
	}

	if err := errors.Join(
		flags.SetManualLogin(ctx, false),
		flags.ResetLedger(ctx),
		flags.SaveTokens(ctx, sess.Tokens()),
		flags.SaveSnapshot(ctx, sess),
	); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "persist sign-in state")
	}

	access := domainauth.DefaultAccess()
	if s.access != nil {
		access = s.access.Decide(ctx, &sess)
	}

	s.logger.InfoContext(ctx, "user signed in", "subject_id", sess.SubjectID, "role", access.Role)
	s.events.Publish(in.DeviceID, domainauth.SignedIn{Session: sess})

	return &SignInResult{Session: sess, Access: access, Location: s.postSignInLocation(in.ReturnTo, access)}, nil
}

func (s *AuthService) postSignInLocation(returnTo string, access domainauth.AccessDecision) string {
	target := guard.SafeReturnTo(returnTo)
	if target == "" || strings.HasPrefix(target, s.routes.SignInPath) {
		target = s.routes.DashboardPath
		if access.IsAdmin() {
			target = s.routes.AdminPath
		}
	}
	return guard.WithParams(target, url.Values{guard.ParamFromAuth: {"true"}})
}

// SignOut ends the session. Local state is purged even when the auth service
// cannot be reached. It returns the sign-in location to redirect to.
func (s *AuthService) SignOut(ctx context.Context, flags *flagstore.Store, deviceID string) (string, error) {
	tokens, err := flags.Tokens(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "read tokens for sign-out", "error", err)
	}
	snap, _ := flags.Snapshot(ctx)

	if tokens.AccessToken != "" {
		if err := s.backend.SignOut(ctx, tokens.AccessToken); err != nil {
			s.logger.WarnContext(ctx, "auth service sign-out failed; purging local state", "error", err)
		}
	}

	if err := errors.Join(
		flags.ClearCredentials(ctx),
		flags.MarkSignedOut(ctx, s.now()),
		flags.SetManualLogin(ctx, true),
		flags.ResetLedger(ctx),
	); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "persist sign-out state")
	}

	if snap != nil && s.access != nil {
		if err := s.access.Forget(ctx, snap.SubjectID); err != nil {
			s.logger.WarnContext(ctx, "forget cached role", "error", err)
		}
	}

	s.events.Publish(deviceID, domainauth.SignedOut{})
	return guard.WithParams(s.routes.SignInPath, url.Values{guard.ParamSignOut: {"success"}}), nil
}

// SetManualLogin writes the manual-login flag.
func (s *AuthService) SetManualLogin(ctx context.Context, flags *flagstore.Store, required bool) error {
	if err := flags.SetManualLogin(ctx, required); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "set manual login")
	}
	return nil
}

// ManualLoginRequired reports the flag, treating an unset flag as required.
func (s *AuthService) ManualLoginRequired(ctx context.Context, flags *flagstore.Store) bool {
	m, err := flags.ManualLogin(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "read manual login flag", "error", err)
		return true
	}
	return m.Or(true)
}

// Refresh exchanges the stored refresh token for new tokens and emits TokenRefreshed.
// A rejected refresh token purges credentials and emits SignedOut.
func (s *AuthService) Refresh(ctx context.Context, flags *flagstore.Store, deviceID string) (*domainauth.Session, error) {
	tokens, err := flags.Tokens(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "read tokens")
	}
	if tokens.RefreshToken == "" {
		return nil, apperrors.Unauthorized("No refresh token.")
	}

	sess, err := s.backend.RefreshSession(ctx, tokens.RefreshToken)
	if errors.Is(err, domainauth.ErrInvalidRefreshToken) {
		if purgeErr := errors.Join(flags.ClearCredentials(ctx), flags.SetManualLogin(ctx, true)); purgeErr != nil {
			s.logger.WarnContext(ctx, "purge after rejected refresh", "error", purgeErr)
		}
		s.events.Publish(deviceID, domainauth.SignedOut{Reason: domainauth.FailureInvalidRefreshToken})
		return nil, mapBackendError(err, "refresh session")
	}
	if err != nil {
		return nil, mapBackendError(err, "refresh session")
	}

	if err := errors.Join(flags.SaveTokens(ctx, sess.Tokens()), flags.SaveSnapshot(ctx, sess)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "persist refreshed tokens")
	}
	s.events.Publish(deviceID, domainauth.TokenRefreshed{Session: sess})
	return &sess, nil
}

// User is the public part of a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SessionView is the client-visible session summary. Tokens are never exposed.
type SessionView struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Source    resolver.Source `json:"source"`
}

// State is the provider state handed to pages.
type State struct {
	User                *User                      `json:"user"`
	Session             *SessionView               `json:"session"`
	UserAccess          *domainauth.AccessDecision `json:"userAccess"`
	Loading             bool                       `json:"loading"`
	ManualLoginRequired bool                       `json:"isManualLoginRequired"`
	Connected           bool                       `json:"connected"`
	Degraded            bool                       `json:"degraded"`
	Failure             domainauth.FailureKind     `json:"failure,omitempty"`
}

// State resolves the session and reports the provider state. It publishes
// InitialSession so a waiting client guard can settle.
func (s *AuthService) State(ctx context.Context, flags *flagstore.Store, deviceID string) State {
	res := s.resolver.Resolve(ctx, flags)
	st := State{
		ManualLoginRequired: s.ManualLoginRequired(ctx, flags),
		Connected:           res.Connected,
		Degraded:            res.Degraded,
		Failure:             res.Failure,
	}
	if res.Session != nil {
		st.User = &User{ID: res.Session.SubjectID, Email: res.Session.Email}
		st.Session = &SessionView{ExpiresAt: res.Session.ExpiresAt, Source: res.Source}
		access := domainauth.DefaultAccess()
		if s.access != nil {
			access = s.access.Decide(ctx, res.Session)
		}
		st.UserAccess = &access
	}
	s.events.Publish(deviceID, domainauth.InitialSession{Session: res.Session})
	return st
}

func mapBackendError(err error, op string) error {
	switch {
	case errors.Is(err, domainauth.ErrInvalidCredentials):
		return apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "Invalid email or password.")
	case errors.Is(err, domainauth.ErrInvalidRefreshToken):
		return apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "Your session has expired. Please sign in again.")
	case domainauth.Classify(err) == domainauth.FailureNetwork:
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "Authentication service is unavailable.")
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
