// Package loopdetector counts guard-initiated redirects per browser and reports
// when they form a loop.
package loopdetector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/service/flagstore"
)

// Config holds the loop thresholds.
type Config struct {
	// MaxRedirects is the largest count still allowed inside one window.
	MaxRedirects int
	// ResetWindow restarts the count once the window is older than this.
	ResetWindow time.Duration
	// RecentRedirect is the default threshold for RecentRedirect.
	RecentRedirect time.Duration
}

// DefaultConfig returns 3 redirects per 30s with a 5s recency threshold.
func DefaultConfig() Config {
	return Config{MaxRedirects: 3, ResetWindow: 30 * time.Second, RecentRedirect: 5 * time.Second}
}

// Options configures a Detector.
type Options struct {
	Config Config
	Now    func() time.Time
	Logger *slog.Logger
}

// Detector evaluates the redirect ledger held by a flag store.
type Detector struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// RedirectResult is the outcome of RecordRedirect.
type RedirectResult struct {
	Allowed bool
	Count   int
}

// New creates a Detector. Zero config fields take their defaults.
func New(opts Options) *Detector {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = def.ResetWindow
	}
	if cfg.RecentRedirect <= 0 {
		cfg.RecentRedirect = def.RecentRedirect
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, now: now, logger: logger.With("component", "loopdetector")}
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.cfg }

// RecordRedirect counts one redirect, stamps last_redirect_time and reports
// whether the redirect may proceed. A window older than ResetWindow restarts at 1.
func (d *Detector) RecordRedirect(ctx context.Context, flags *flagstore.Store) (RedirectResult, error) {
	now := d.now()
	ledger, err := flags.Ledger(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "read redirect ledger", "error", err)
		ledger = domainauth.RedirectLedger{}
	}

	if ledger.WindowStartedAt.IsZero() || now.Sub(ledger.WindowStartedAt) > d.cfg.ResetWindow {
		ledger = domainauth.RedirectLedger{Count: 1, WindowStartedAt: now}
	} else {
		ledger.Count++
	}

	res := RedirectResult{Allowed: ledger.Count <= d.cfg.MaxRedirects, Count: ledger.Count}
	if err := flags.SaveLedger(ctx, ledger); err != nil {
		return res, fmt.Errorf("save redirect ledger: %w", err)
	}
	if err := flags.StampRedirect(ctx, now); err != nil {
		return res, fmt.Errorf("stamp redirect: %w", err)
	}
	if !res.Allowed {
		d.logger.WarnContext(ctx, "redirect loop detected", "count", ledger.Count, "window_started_at", ledger.WindowStartedAt)
	}
	return res, nil
}

// RecentRedirect reports whether the last redirect happened within threshold.
// A non-positive threshold uses the configured default.
func (d *Detector) RecentRedirect(ctx context.Context, flags *flagstore.Store, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = d.cfg.RecentRedirect
	}
	last, ok, err := flags.LastRedirect(ctx)
	if err != nil || !ok {
		return false
	}
	return d.now().Sub(last) < threshold
}

// LoopDetected peeks at the ledger without counting: true when the last redirect
// is recent, or when the count already exceeds the threshold inside the window.
func (d *Detector) LoopDetected(ctx context.Context, flags *flagstore.Store) bool {
	if d.RecentRedirect(ctx, flags, 0) {
		return true
	}
	ledger, err := flags.Ledger(ctx)
	if err != nil || ledger.WindowStartedAt.IsZero() {
		return false
	}
	if d.now().Sub(ledger.WindowStartedAt) > d.cfg.ResetWindow {
		return false
	}
	return ledger.Count > d.cfg.MaxRedirects
}
