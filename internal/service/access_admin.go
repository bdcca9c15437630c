package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/assetlens/portal/internal/data"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	apperrors "github.com/assetlens/portal/internal/errors"
)

// AccessRepository persists access rows and their audit trail.
type AccessRepository interface {
	Get(ctx context.Context, userID string) (*domainauth.UserAccess, error)
	Upsert(ctx context.Context, req domainauth.GrantAccessRequest) (*domainauth.UserAccess, error)
	Delete(ctx context.Context, userID, actor string) (bool, error)
	List(ctx context.Context, opts data.ListOptions) ([]domainauth.UserAccess, error)
	Audit(ctx context.Context, userID string, limit int) ([]domainauth.AccessAuditEntry, error)
}

// RoleForgetter drops cached decisions after a grant changes.
type RoleForgetter interface {
	Forget(ctx context.Context, subjectID string) error
}

// AccessAdminServiceOptions groups dependencies for AccessAdminService.
type AccessAdminServiceOptions struct {
	Repo   AccessRepository
	Cache  RoleForgetter
	Logger *slog.Logger
}

// AccessAdminService is the operator surface over user_access.
type AccessAdminService struct {
	repo   AccessRepository
	cache  RoleForgetter
	logger *slog.Logger
}

// NewAccessAdminService constructs an AccessAdminService.
func NewAccessAdminService(opts AccessAdminServiceOptions) (*AccessAdminService, error) {
	if opts.Repo == nil {
		return nil, errors.New("access admin: repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessAdminService{repo: opts.Repo, cache: opts.Cache, logger: logger.With("component", "access_admin")}, nil
}

// Get returns the stored access row for userID.
func (s *AccessAdminService) Get(ctx context.Context, userID string) (*domainauth.UserAccess, error) {
	row, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, mapAccessError(err, userID)
	}
	return row, nil
}

// Grant creates or replaces the access row and drops any cached decision.
func (s *AccessAdminService) Grant(ctx context.Context, req domainauth.GrantAccessRequest) (*domainauth.UserAccess, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Role = domainauth.Role(strings.TrimSpace(string(req.Role)))
	if req.UserID == "" {
		return nil, apperrors.ValidationField("user_id", "User ID is required.")
	}
	if !req.Role.Valid() {
		return nil, apperrors.ValidationField("role", "Role must be basic_user, premium_user or admin.")
	}
	if req.Actor == "" {
		req.Actor = "system"
	}

	row, err := s.repo.Upsert(ctx, req)
	if err != nil {
		return nil, mapAccessError(err, req.UserID)
	}
	s.forget(ctx, req.UserID)
	s.logger.InfoContext(ctx, "access granted", "user_id", req.UserID, "role", req.Role, "is_active", req.IsActive, "actor", req.Actor)
	return row, nil
}

// Revoke deletes the access row. The subject falls back to claim or default roles.
func (s *AccessAdminService) Revoke(ctx context.Context, userID, actor string) error {
	if actor == "" {
		actor = "system"
	}
	deleted, err := s.repo.Delete(ctx, userID, actor)
	if err != nil {
		return mapAccessError(err, userID)
	}
	if !deleted {
		return apperrors.NotFoundf("No access row for %s.", userID)
	}
	s.forget(ctx, userID)
	s.logger.InfoContext(ctx, "access revoked", "user_id", userID, "actor", actor)
	return nil
}

// List pages through access rows.
func (s *AccessAdminService) List(ctx context.Context, opts data.ListOptions) ([]domainauth.UserAccess, error) {
	if opts.Role != "" && !opts.Role.Valid() {
		return nil, apperrors.ValidationField("role", "Unknown role filter.")
	}
	rows, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, mapAccessError(err, "")
	}
	return rows, nil
}

// Audit returns the newest audit entries for userID.
func (s *AccessAdminService) Audit(ctx context.Context, userID string, limit int) ([]domainauth.AccessAuditEntry, error) {
	entries, err := s.repo.Audit(ctx, userID, limit)
	if err != nil {
		return nil, mapAccessError(err, userID)
	}
	return entries, nil
}

func (s *AccessAdminService) forget(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Forget(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "forget cached role", "error", err, "user_id", userID)
	}
}

func mapAccessError(err error, userID string) error {
	switch {
	case errors.Is(err, data.ErrUserAccessNotFound):
		return apperrors.NotFoundf("No access row for %s.", userID)
	case errors.Is(err, data.ErrUserIDRequired):
		return apperrors.ValidationField("user_id", "User ID is required.")
	case errors.Is(err, data.ErrInvalidRole):
		return apperrors.ValidationField("role", "Role must be basic_user, premium_user or admin.")
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return fmt.Errorf("access admin: %w", err)
}
