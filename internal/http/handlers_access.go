package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/assetlens/portal/internal/data"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
)

// AccessAdmin is the operator surface over access grants.
type AccessAdmin interface {
	Get(ctx context.Context, userID string) (*domainauth.UserAccess, error)
	Grant(ctx context.Context, req domainauth.GrantAccessRequest) (*domainauth.UserAccess, error)
	Revoke(ctx context.Context, userID, actor string) error
	List(ctx context.Context, opts data.ListOptions) ([]domainauth.UserAccess, error)
	Audit(ctx context.Context, userID string, limit int) ([]domainauth.AccessAuditEntry, error)
}

// AccessHandlers serves the admin access API.
type AccessHandlers struct {
	Svc    AccessAdmin
	Logger *slog.Logger
}

func (h *AccessHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// List returns access rows.
// GET /api/admin/access?role=admin&limit=50&offset=0.
func (h *AccessHandlers) List(w http.ResponseWriter, r *http.Request) {
	pg, err := parsePage(r, 50, 500)
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	rows, err := h.Svc.List(r.Context(), data.ListOptions{
		Role:   domainauth.Role(r.URL.Query().Get("role")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	if rows == nil {
		rows = []domainauth.UserAccess{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": rows, "limit": pg.Limit, "offset": pg.Offset})
}

// Get returns one access row.
// GET /api/admin/access/{userID}.
func (h *AccessHandlers) Get(w http.ResponseWriter, r *http.Request) {
	row, err := h.Svc.Get(r.Context(), r.PathValue("userID"))
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusOK, row)
}

type grantRequest struct {
	Role     domainauth.Role `json:"role"`
	IsActive *bool           `json:"is_active"`
}

// Put creates or replaces an access row. is_active defaults to true.
// PUT /api/admin/access/{userID}.
func (h *AccessHandlers) Put(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	row, err := h.Svc.Grant(r.Context(), domainauth.GrantAccessRequest{
		UserID:   r.PathValue("userID"),
		Role:     req.Role,
		IsActive: active,
		Actor:    actorOf(r),
	})
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusOK, row)
}

// Delete revokes an access row.
// DELETE /api/admin/access/{userID}.
func (h *AccessHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Revoke(r.Context(), r.PathValue("userID"), actorOf(r)); err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Audit returns the newest audit entries for one user.
// GET /api/admin/access/{userID}/audit?limit=20.
func (h *AccessHandlers) Audit(w http.ResponseWriter, r *http.Request) {
	pg, err := parsePage(r, 20, 200)
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	entries, err := h.Svc.Audit(r.Context(), r.PathValue("userID"), pg.Limit)
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	if entries == nil {
		entries = []domainauth.AccessAuditEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// Me returns the caller's identity and access decision.
// GET /api/me.
func Me(w http.ResponseWriter, r *http.Request) {
	sess, _ := GetUserSessionFromContext(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"user":       map[string]string{"id": sess.SubjectID, "email": sess.Email},
		"expires_at": sess.ExpiresAt,
		"userAccess": accessOrDefault(r),
	})
}
