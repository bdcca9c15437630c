package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/assetlens/portal/internal/data/pgxutil"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	apperrors "github.com/assetlens/portal/internal/errors"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.AccessLookup = (*UserAccessRepo)(nil)

const userAccessColumns = `user_id, role, is_active, updated_at`

// UserAccessRepo reads and writes the user_access table.
type UserAccessRepo struct {
	DB   *sql.DB
	Time TimeProvider
}

// NewUserAccessRepo creates a new UserAccessRepo.
func NewUserAccessRepo(db *sql.DB) *UserAccessRepo {
	return &UserAccessRepo{DB: db, Time: &RealTimeProvider{}}
}

// Get returns the access row for userID, or ErrUserAccessNotFound.
func (r *UserAccessRepo) Get(ctx context.Context, userID string) (*domainauth.UserAccess, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var out domainauth.UserAccess
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+userAccessColumns+` FROM user_access WHERE user_id = $1`, userID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[domainauth.UserAccess])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserAccessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user access: %w", apperrors.MapDBError(err))
	}
	return &out, nil
}

// LookupAccess implements ports.AccessLookup. found is false when no row exists.
func (r *UserAccessRepo) LookupAccess(ctx context.Context, subjectID string) (domainauth.AccessDecision, bool, error) {
	row, err := r.Get(ctx, subjectID)
	switch {
	case errors.Is(err, ErrUserAccessNotFound), errors.Is(err, ErrUserIDRequired):
		return domainauth.AccessDecision{}, false, nil
	case err != nil:
		return domainauth.AccessDecision{}, false, err
	}
	return row.Decision(), true, nil
}

// Upsert creates or replaces the access row and appends a grant audit entry in one transaction.
func (r *UserAccessRepo) Upsert(ctx context.Context, req domainauth.GrantAccessRequest) (*domainauth.UserAccess, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, ErrUserIDRequired
	}
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}

	now := r.now()
	var out domainauth.UserAccess
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			INSERT INTO user_access (user_id, role, is_active, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE
			SET role = EXCLUDED.role, is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
			RETURNING `+userAccessColumns,
			req.UserID, string(req.Role), req.IsActive, now)
		if err != nil {
			return err
		}
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[domainauth.UserAccess])
		if err != nil {
			return err
		}
		role := string(req.Role)
		return insertAudit(ctx, tx, auditRow{userID: req.UserID, action: "grant", role: &role, isActive: &req.IsActive, actor: req.Actor})
	}})
	if err != nil {
		return nil, fmt.Errorf("upsert user access: %w", apperrors.MapDBError(err))
	}
	return &out, nil
}

// Delete removes the access row, returning whether one existed. A revoke audit
// entry is written only when a row was removed.
func (r *UserAccessRepo) Delete(ctx context.Context, userID, actor string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrUserIDRequired
	}

	var deleted bool
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_access WHERE user_id = $1`, userID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		if !deleted {
			return nil
		}
		return insertAudit(ctx, tx, auditRow{userID: userID, action: "revoke", actor: actor})
	}})
	if err != nil {
		return false, fmt.Errorf("delete user access: %w", apperrors.MapDBError(err))
	}
	return deleted, nil
}

// ListOptions pages through access rows. Role filters when non-empty.
type ListOptions struct {
	Role   domainauth.Role
	Limit  int
	Offset int
}

// List returns access rows ordered by user id.
func (r *UserAccessRepo) List(ctx context.Context, opts ListOptions) ([]domainauth.UserAccess, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	query := `SELECT ` + userAccessColumns + ` FROM user_access`
	args := []any{}
	if opts.Role != "" {
		args = append(args, string(opts.Role))
		query += fmt.Sprintf(` WHERE role = $%d`, len(args))
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(` ORDER BY user_id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var out []domainauth.UserAccess
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToStructByName[domainauth.UserAccess])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list user access: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

// Audit returns the newest audit entries for userID.
func (r *UserAccessRepo) Audit(ctx context.Context, userID string, limit int) ([]domainauth.AccessAuditEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 20
	}
	var out []domainauth.AccessAuditEntry
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, user_id, action, role, is_active, actor, created_at
			FROM user_access_audit WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToStructByName[domainauth.AccessAuditEntry])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list user access audit: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

type auditRow struct {
	userID   string
	action   string
	role     *string
	isActive *bool
	actor    string
}

func insertAudit(ctx context.Context, tx pgx.Tx, a auditRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_access_audit (user_id, action, role, is_active, actor)
		VALUES ($1, $2, $3, $4, $5)`,
		a.userID, a.action, a.role, a.isActive, a.actor)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (r *UserAccessRepo) now() time.Time {
	if r.Time == nil {
		return time.Now().UTC()
	}
	return r.Time.Now().UTC()
}
