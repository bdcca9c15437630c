package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jmespath "github.com/jmespath-community/go-jmespath"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/observability/metrics"
	"github.com/assetlens/portal/internal/observability/statsd"
	"github.com/assetlens/portal/internal/ports"
)

// DefaultRoleClaimPath locates the role inside access-token claims.
const DefaultRoleClaimPath = "app_metadata.role"

// AccessServiceOptions groups dependencies for AccessService.
type AccessServiceOptions struct {
	Lookup ports.AccessLookup
	// Cache holds last-known decisions. Optional.
	Cache    ports.RoleCache
	CacheTTL time.Duration
	// LookupTimeout bounds the data-store lookup.
	LookupTimeout time.Duration
	// RoleClaimPath is a JMESPath expression evaluated against unverified token claims.
	RoleClaimPath string
	Metrics       statsd.Sink
	Logger        *slog.Logger
}

// AccessService derives AccessDecisions for sessions. It never fails: any
// lookup problem falls back to the token claim and then to the default decision.
type AccessService struct {
	lookup        ports.AccessLookup
	cache         ports.RoleCache
	cacheTTL      time.Duration
	lookupTimeout time.Duration
	claim         jmespath.JMESPath
	metrics       statsd.Sink
	logger        *slog.Logger
}

// NewAccessService constructs an AccessService.
func NewAccessService(opts AccessServiceOptions) (*AccessService, error) {
	path := opts.RoleClaimPath
	if path == "" {
		path = DefaultRoleClaimPath
	}
	claim, err := jmespath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile role claim path %q: %w", path, err)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessService{
		lookup:        opts.Lookup,
		cache:         opts.Cache,
		cacheTTL:      opts.CacheTTL,
		lookupTimeout: opts.LookupTimeout,
		claim:         claim,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "access"),
	}, nil
}

// Decide returns the access decision for sess. A nil session gets the default.
func (s *AccessService) Decide(ctx context.Context, sess *domainauth.Session) domainauth.AccessDecision {
	if sess == nil || sess.SubjectID == "" {
		return domainauth.DefaultAccess()
	}

	if s.cache != nil {
		if d, ok, err := s.cache.GetRole(ctx, sess.SubjectID); err != nil {
			s.logger.WarnContext(ctx, "role cache read", "error", err, "subject_id", sess.SubjectID)
		} else if ok {
			metrics.EmitAccessLookup(s.metrics, "cache", metrics.ResultSuccess, nil)
			return d
		}
	}

	d, found, err := s.lookupWithTimeout(ctx, sess.SubjectID)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "access lookup failed; using fallback",
			"failure", domainauth.FailureAccessLookup, "error", err, "subject_id", sess.SubjectID)
		metrics.EmitAccessLookup(s.metrics, "store", metrics.ResultError, err)
	case found:
		metrics.EmitAccessLookup(s.metrics, "store", metrics.ResultSuccess, nil)
		s.remember(ctx, sess.SubjectID, d)
		return d
	}

	if role, ok := s.RoleFromClaims(sess.AccessToken); ok {
		metrics.EmitAccessLookup(s.metrics, "claim", metrics.ResultSuccess, nil)
		return domainauth.AccessDecision{Role: role, IsActive: true}
	}

	metrics.EmitAccessLookup(s.metrics, "default", metrics.ResultDefault, nil)
	return domainauth.DefaultAccess()
}

// Forget drops the cached decision for subjectID, e.g. after a grant change.
func (s *AccessService) Forget(ctx context.Context, subjectID string) error {
	if s.cache == nil || subjectID == "" {
		return nil
	}
	if err := s.cache.DeleteRole(ctx, subjectID); err != nil {
		return fmt.Errorf("forget role: %w", err)
	}
	return nil
}

// RoleFromClaims evaluates the role claim path against the unverified claims of raw.
func (s *AccessService) RoleFromClaims(raw string) (domainauth.Role, bool) {
	if raw == "" {
		return "", false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", false
	}
	v, err := s.claim.Search(map[string]any(claims))
	if err != nil {
		return "", false
	}
	str, ok := v.(string)
	if !ok {
		return "", false
	}
	role := domainauth.Role(str)
	return role, role.Valid()
}

func (s *AccessService) lookupWithTimeout(ctx context.Context, subjectID string) (domainauth.AccessDecision, bool, error) {
	if s.lookup == nil {
		return domainauth.AccessDecision{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	d, found, err := s.lookup.LookupAccess(ctx, subjectID)
	if err != nil {
		return d, false, fmt.Errorf("lookup access: %w", err)
	}
	if found && !d.Role.Valid() {
		return d, false, errors.New("lookup access: stored role is not recognized")
	}
	return d, found, nil
}

func (s *AccessService) remember(ctx context.Context, subjectID string, d domainauth.AccessDecision) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutRole(ctx, subjectID, d, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "role cache write", "error", err, "subject_id", subjectID)
	}
}
