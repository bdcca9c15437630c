package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/assetlens/portal/internal/adapters/msidentity"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
)

// FederationConnector links portal subjects to Microsoft identity accounts.
type FederationConnector interface {
	LoginRedirect(ctx context.Context, subjectID, returnTo string) (string, error)
	LoginPopup(ctx context.Context, subjectID, returnTo string) (string, error)
	HandleRedirect(ctx context.Context, subjectID, state, code string) (msidentity.Completion, error)
	Accounts(ctx context.Context, subjectID string) ([]domainauth.FederatedAccount, error)
	Disconnect(ctx context.Context, subjectID string) error
}

// ConnectHandlers serves the Microsoft account connect flow.
type ConnectHandlers struct {
	Connector FederationConnector
	// SettingsPath is where a finished flow lands without a return_to. Default /settings.
	SettingsPath string
	Logger       *slog.Logger
}

func (h *ConnectHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *ConnectHandlers) settingsPath() string {
	if h.SettingsPath != "" {
		return h.SettingsPath
	}
	return "/settings"
}

// Start begins the connect flow.
// GET /connect/microsoft?mode=popup&return_to=/settings.
func (h *ConnectHandlers) Start(w http.ResponseWriter, r *http.Request) {
	sess, ok := GetUserSessionFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "authentication_required", Err: errors.New("authentication required")})
		return
	}
	q := r.URL.Query()
	returnTo := guard.SafeReturnTo(q.Get(guard.ParamReturnTo))

	var (
		authURL string
		err     error
	)
	if q.Get("mode") == "popup" {
		authURL, err = h.Connector.LoginPopup(r.Context(), sess.SubjectID, returnTo)
	} else {
		authURL, err = h.Connector.LoginRedirect(r.Context(), sess.SubjectID, returnTo)
	}
	if err != nil {
		h.logger().ErrorContext(r.Context(), "start microsoft connect", "error", err, "subject_id", sess.SubjectID)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "connect_failed", Err: err})
		return
	}
	if wantsJSON(r) {
		WriteJSON(w, http.StatusOK, map[string]string{"location": authURL})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the connect flow.
// GET /connect/microsoft/callback?state=...&code=...
func (h *ConnectHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.logger().WarnContext(r.Context(), "microsoft connect declined", "error", e, "description", q.Get("error_description"))
		h.finish(w, r, "", url.Values{"connect_error": {e}})
		return
	}

	sess, ok := GetUserSessionFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "authentication_required", Err: errors.New("authentication required")})
		return
	}

	done, err := h.Connector.HandleRedirect(r.Context(), sess.SubjectID, q.Get("state"), q.Get("code"))
	switch {
	case errors.Is(err, msidentity.ErrUnknownState), errors.Is(err, msidentity.ErrSubjectMismatch):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_state", Err: err})
		return
	case err != nil:
		h.logger().ErrorContext(r.Context(), "complete microsoft connect", "error", err, "subject_id", sess.SubjectID)
		h.finish(w, r, "", url.Values{"connect_error": {"exchange_failed"}})
		return
	}
	h.finish(w, r, done.ReturnTo, url.Values{"connected": {"microsoft"}})
}

func (h *ConnectHandlers) finish(w http.ResponseWriter, r *http.Request, returnTo string, params url.Values) {
	target := guard.SafeReturnTo(returnTo)
	if target == "" {
		target = h.settingsPath()
	}
	http.Redirect(w, r, guard.WithParams(target, params), http.StatusFound)
}

// Accounts lists the caller's linked accounts without tokens.
// GET /api/connect/microsoft.
func (h *ConnectHandlers) Accounts(w http.ResponseWriter, r *http.Request) {
	sess, _ := GetUserSessionFromContext(r.Context())
	accts, err := h.Connector.Accounts(r.Context(), sess.SubjectID)
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	if accts == nil {
		accts = []domainauth.FederatedAccount{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"accounts": accts, "connected": len(accts) > 0})
}

// Disconnect unlinks the caller's account.
// DELETE /api/connect/microsoft.
func (h *ConnectHandlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	sess, _ := GetUserSessionFromContext(r.Context())
	if err := h.Connector.Disconnect(r.Context(), sess.SubjectID); err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
