// Package flagstore is the typed view over the guard's persistent state: the
// manual-login flag, redirect bookkeeping, raw tokens and the session snapshot.
// Every write goes through one StateBackend, usually a Mirrored fan-out.
package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

// TTLs controls how long each value is kept by the backends.
type TTLs struct {
	ManualLogin  time.Duration
	Redirect     time.Duration
	SignOut      time.Duration
	AccessToken  time.Duration
	RefreshToken time.Duration
	Snapshot     time.Duration
	Intent       time.Duration
}

// DefaultTTLs matches the cookie max ages handed to browsers.
func DefaultTTLs() TTLs {
	return TTLs{
		ManualLogin:  7 * 24 * time.Hour,
		Redirect:     time.Minute,
		SignOut:      time.Minute,
		AccessToken:  time.Hour,
		RefreshToken: 30 * 24 * time.Hour,
		Snapshot:     30 * 24 * time.Hour,
		Intent:       time.Minute,
	}
}

// Options configures a Store.
type Options struct {
	Backend ports.StateBackend
	TTLs    *TTLs
	Logger  *slog.Logger
}

// Store reads and writes typed guard state.
type Store struct {
	backend ports.StateBackend
	ttls    TTLs
	logger  *slog.Logger
}

// New creates a Store over opts.Backend.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("flagstore: backend is required")
	}
	ttls := DefaultTTLs()
	if opts.TTLs != nil {
		ttls = *opts.TTLs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: opts.Backend, ttls: ttls, logger: logger.With("component", "flagstore")}, nil
}

// ManualLogin returns the stored flag. An unreadable value counts as unset.
func (s *Store) ManualLogin(ctx context.Context) (domainauth.ManualLogin, error) {
	v, ok, err := s.backend.Get(ctx, domainauth.KeyManualLogin)
	if err != nil || !ok {
		return domainauth.ManualLogin{}, err
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		s.logger.DebugContext(ctx, "ignoring malformed manual login flag", "value", v)
		return domainauth.ManualLogin{}, nil
	}
	return domainauth.ManualLogin{Set: true, Required: b}, nil
}

// SetManualLogin persists the flag.
func (s *Store) SetManualLogin(ctx context.Context, required bool) error {
	if err := s.backend.Set(ctx, domainauth.KeyManualLogin, strconv.FormatBool(required), s.ttls.ManualLogin); err != nil {
		return fmt.Errorf("set manual login: %w", err)
	}
	return nil
}

// Ledger returns the redirect ledger, or the zero ledger when none is stored.
func (s *Store) Ledger(ctx context.Context) (domainauth.RedirectLedger, error) {
	var l domainauth.RedirectLedger
	v, ok, err := s.backend.Get(ctx, domainauth.KeyRedirectLedger)
	if err != nil || !ok {
		return l, err
	}
	if uerr := json.Unmarshal([]byte(v), &l); uerr != nil {
		s.logger.DebugContext(ctx, "ignoring malformed redirect ledger", "error", uerr)
		return domainauth.RedirectLedger{}, nil
	}
	return l, nil
}

// SaveLedger persists the redirect ledger.
func (s *Store) SaveLedger(ctx context.Context, l domainauth.RedirectLedger) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal redirect ledger: %w", err)
	}
	if err := s.backend.Set(ctx, domainauth.KeyRedirectLedger, string(b), s.ttls.Redirect); err != nil {
		return fmt.Errorf("save redirect ledger: %w", err)
	}
	return nil
}

// ResetLedger clears the redirect ledger and the last redirect stamp.
func (s *Store) ResetLedger(ctx context.Context) error {
	return errors.Join(
		s.backend.Delete(ctx, domainauth.KeyRedirectLedger),
		s.backend.Delete(ctx, domainauth.KeyLastRedirectTime),
	)
}

// LastRedirect returns when the guard last issued a redirect.
func (s *Store) LastRedirect(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, domainauth.KeyLastRedirectTime)
}

// StampRedirect records a redirect at t.
func (s *Store) StampRedirect(ctx context.Context, t time.Time) error {
	return s.setTime(ctx, domainauth.KeyLastRedirectTime, t, s.ttls.Redirect)
}

// LastSignOut returns when the user last signed out.
func (s *Store) LastSignOut(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, domainauth.KeyLastSignOutTime)
}

// MarkSignedOut records a sign-out at t.
func (s *Store) MarkSignedOut(ctx context.Context, t time.Time) error {
	return s.setTime(ctx, domainauth.KeyLastSignOutTime, t, s.ttls.SignOut)
}

// Tokens returns the raw token fragments.
func (s *Store) Tokens(ctx context.Context) (domainauth.TokenPair, error) {
	var tp domainauth.TokenPair
	access, _, aerr := s.backend.Get(ctx, domainauth.KeyAccessToken)
	refresh, _, rerr := s.backend.Get(ctx, domainauth.KeyRefreshToken)
	tp.AccessToken = access
	tp.RefreshToken = refresh
	return tp, errors.Join(aerr, rerr)
}

// SaveTokens persists both tokens. An empty token deletes the stored one.
func (s *Store) SaveTokens(ctx context.Context, tp domainauth.TokenPair) error {
	var errs []error
	if tp.AccessToken == "" {
		errs = append(errs, s.backend.Delete(ctx, domainauth.KeyAccessToken))
	} else {
		errs = append(errs, s.backend.Set(ctx, domainauth.KeyAccessToken, tp.AccessToken, s.ttls.AccessToken))
	}
	if tp.RefreshToken == "" {
		errs = append(errs, s.backend.Delete(ctx, domainauth.KeyRefreshToken))
	} else {
		errs = append(errs, s.backend.Set(ctx, domainauth.KeyRefreshToken, tp.RefreshToken, s.ttls.RefreshToken))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// ClearCredentials purges tokens and the session snapshot.
func (s *Store) ClearCredentials(ctx context.Context) error {
	err := errors.Join(
		s.backend.Delete(ctx, domainauth.KeyAccessToken),
		s.backend.Delete(ctx, domainauth.KeyRefreshToken),
		s.backend.Delete(ctx, domainauth.KeySessionSnapshot),
	)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Snapshot returns the cached session, or nil when none is stored.
func (s *Store) Snapshot(ctx context.Context) (*domainauth.Session, error) {
	v, ok, err := s.backend.Get(ctx, domainauth.KeySessionSnapshot)
	if err != nil || !ok {
		return nil, err
	}
	var sess domainauth.Session
	if uerr := json.Unmarshal([]byte(v), &sess); uerr != nil {
		s.logger.DebugContext(ctx, "ignoring malformed session snapshot", "error", uerr)
		return nil, nil
	}
	return &sess, nil
}

// SaveSnapshot caches sess.
func (s *Store) SaveSnapshot(ctx context.Context, sess domainauth.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	if err := s.backend.Set(ctx, domainauth.KeySessionSnapshot, string(b), s.ttls.Snapshot); err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

// RecordIntent writes the navigation breadcrumb.
func (s *Store) RecordIntent(ctx context.Context, in domainauth.NavigationIntent) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal navigation intent: %w", err)
	}
	if err := s.backend.Set(ctx, domainauth.KeyNavigationIntent, string(b), s.ttls.Intent); err != nil {
		return fmt.Errorf("record navigation intent: %w", err)
	}
	return nil
}

// Intent returns the last navigation breadcrumb, if any.
func (s *Store) Intent(ctx context.Context) (*domainauth.NavigationIntent, error) {
	v, ok, err := s.backend.Get(ctx, domainauth.KeyNavigationIntent)
	if err != nil || !ok {
		return nil, err
	}
	var in domainauth.NavigationIntent
	if uerr := json.Unmarshal([]byte(v), &in); uerr != nil {
		return nil, nil
	}
	return &in, nil
}

func (s *Store) getTime(ctx context.Context, key domainauth.StateKey) (time.Time, bool, error) {
	v, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil || ms <= 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *Store) setTime(ctx context.Context, key domainauth.StateKey, t time.Time, ttl time.Duration) error {
	if err := s.backend.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10), ttl); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
