package httpx

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	apperrors "github.com/assetlens/portal/internal/errors"
	"github.com/assetlens/portal/internal/service"
	"github.com/assetlens/portal/internal/service/clientguard"
	"github.com/assetlens/portal/internal/service/flagstore"
)

// AuthServiceInterface defines the provider operations the handlers call.
type AuthServiceInterface interface {
	SignIn(ctx context.Context, flags *flagstore.Store, in service.SignInInput) (*service.SignInResult, error)
	SignOut(ctx context.Context, flags *flagstore.Store, deviceID string) (string, error)
	SetManualLogin(ctx context.Context, flags *flagstore.Store, required bool) error
	ManualLoginRequired(ctx context.Context, flags *flagstore.Store) bool
	Refresh(ctx context.Context, flags *flagstore.Store, deviceID string) (*domainauth.Session, error)
	State(ctx context.Context, flags *flagstore.Store, deviceID string) service.State
}

// ClientGuardEvaluator evaluates the post-hydration guard for one device.
type ClientGuardEvaluator interface {
	Evaluate(ctx context.Context, deviceID string, flags *flagstore.Store, u *url.URL) clientguard.Result
}

// AuthHandlers provides HTTP handlers for the session provider surface.
type AuthHandlers struct {
	Svc    AuthServiceInterface
	Guard  ClientGuardEvaluator
	Flags  *FlagStores
	Routes guard.Routes
	Logger *slog.Logger
}

func (h *AuthHandlers) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *AuthHandlers) signInPath() string {
	if h.Routes.SignInPath != "" {
		return h.Routes.SignInPath
	}
	return guard.DefaultRoutes().SignInPath
}

// clientFlags opens the mirrored store, writing a 500 on failure.
func (h *AuthHandlers) clientFlags(w http.ResponseWriter, r *http.Request) (*flagstore.Store, bool) {
	flags, err := h.Flags.Client(w, r)
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return nil, false
	}
	return flags, true
}

// stateResponse is the provider state plus the CSRF token scripts must echo.
type stateResponse struct {
	service.State
	CSRFToken string `json:"csrfToken,omitempty"`
}

// State returns the provider state.
// GET /auth/state.
func (h *AuthHandlers) State(w http.ResponseWriter, r *http.Request) {
	flags, ok := h.clientFlags(w, r)
	if !ok {
		return
	}
	st := h.Svc.State(r.Context(), flags, GetDeviceID(r.Context()))
	WriteJSON(w, http.StatusOK, stateResponse{State: st, CSRFToken: GetCSRFToken(r)})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	ReturnTo string `json:"return_to"`
}

type signInResponse struct {
	Location   string                    `json:"location"`
	User       service.User              `json:"user"`
	ExpiresAt  time.Time                 `json:"expires_at"`
	UserAccess domainauth.AccessDecision `json:"userAccess"`
}

// SignIn performs an explicit credential sign-in.
// POST /auth/sign-in with a JSON or form body.
func (h *AuthHandlers) SignIn(w http.ResponseWriter, r *http.Request) {
	var in signInRequest
	jsonBody := isJSONBody(r)
	if jsonBody {
		if !DecodeJSON(w, r, &in) {
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_form", Err: err})
			return
		}
		in = signInRequest{
			Email:    r.PostForm.Get("email"),
			Password: r.PostForm.Get("password"),
			ReturnTo: r.PostForm.Get("return_to"),
		}
	}

	flags, ok := h.clientFlags(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.SignIn(r.Context(), flags, service.SignInInput{
		DeviceID: GetDeviceID(r.Context()),
		Email:    in.Email,
		Password: in.Password,
		ReturnTo: in.ReturnTo,
	})
	if err != nil {
		if jsonBody || wantsJSON(r) {
			WriteAppError(w, r, h.logger(), err)
			return
		}
		h.redirectToSignInWithError(w, r, err, in.ReturnTo)
		return
	}

	if jsonBody || wantsJSON(r) {
		WriteJSON(w, http.StatusOK, signInResponse{
			Location:   res.Location,
			User:       service.User{ID: res.Session.SubjectID, Email: res.Session.Email},
			ExpiresAt:  res.Session.ExpiresAt,
			UserAccess: res.Access,
		})
		return
	}
	http.Redirect(w, r, res.Location, http.StatusSeeOther)
}

func (h *AuthHandlers) redirectToSignInWithError(w http.ResponseWriter, r *http.Request, err error, returnTo string) {
	code := apperrors.GetCode(err)
	if code == "" {
		h.logger().ErrorContext(r.Context(), "sign in failed", "error", err)
		code = apperrors.ErrCodeInternal
	}
	params := url.Values{"error": {string(code)}}
	if rt := guard.SafeReturnTo(returnTo); rt != "" {
		params.Set(guard.ParamReturnTo, rt)
	}
	http.Redirect(w, r, guard.WithParams(h.signInPath(), params), http.StatusSeeOther)
}

// SignOut ends the session.
// POST /auth/sign-out.
func (h *AuthHandlers) SignOut(w http.ResponseWriter, r *http.Request) {
	flags, ok := h.clientFlags(w, r)
	if !ok {
		return
	}
	location, err := h.Svc.SignOut(r.Context(), flags, GetDeviceID(r.Context()))
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	if wantsJSON(r) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "location": location})
		return
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

type manualLoginRequest struct {
	Required *bool `json:"required"`
}

// ManualLogin sets or clears the manual-login requirement.
// POST /auth/manual-login {"required": bool}.
func (h *AuthHandlers) ManualLogin(w http.ResponseWriter, r *http.Request) {
	var in manualLoginRequest
	if !DecodeJSON(w, r, &in) {
		return
	}
	if in.Required == nil {
		WriteAppError(w, r, h.logger(), apperrors.ValidationField("required", "required must be true or false."))
		return
	}
	flags, ok := h.clientFlags(w, r)
	if !ok {
		return
	}
	if err := h.Svc.SetManualLogin(r.Context(), flags, *in.Required); err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{
		"isManualLoginRequired": h.Svc.ManualLoginRequired(r.Context(), flags),
	})
}

// Refresh exchanges the stored refresh token.
// POST /auth/refresh.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	flags, ok := h.clientFlags(w, r)
	if !ok {
		return
	}
	sess, err := h.Svc.Refresh(r.Context(), flags, GetDeviceID(r.Context()))
	if err != nil {
		WriteAppError(w, r, h.logger(), err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"user":       service.User{ID: sess.SubjectID, Email: sess.Email},
		"expires_at": sess.ExpiresAt,
	})
}

// GuardCheck runs the client guard for the page at ?path=.
// GET /auth/guard?path=/dashboard%3Ffrom_auth%3Dtrue.
func (h *AuthHandlers) GuardCheck(w http.ResponseWriter, r *http.Request) {
	if h.Guard == nil {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errors.New("client guard is disabled")})
		return
	}
	raw := guard.SafeReturnTo(r.URL.Query().Get("path"))
	u, err := url.Parse(raw)
	if raw == "" || err != nil {
		WriteAppError(w, r, h.logger(), apperrors.ValidationField("path", "path must be a same-origin path."))
		return
	}
	deviceID := GetDeviceID(r.Context())
	if deviceID == "" {
		WriteAppError(w, r, h.logger(), apperrors.Validation("Missing device id."))
		return
	}
	flags, ok := h.clientFlags(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, h.Guard.Evaluate(r.Context(), deviceID, flags, u))
}

func isJSONBody(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}
