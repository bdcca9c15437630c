package httpx

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
)

// DeviceCookieName names the cookie that identifies a browser across requests.
const DeviceCookieName = "device_id"

const deviceCookieMaxAge = 365 * 24 * time.Hour

// Logging returns a middleware that logs HTTP requests and responses.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			const defaultHTTPStatus = 200
			ww := &respWriter{ResponseWriter: w, status: defaultHTTPStatus}
			next.ServeHTTP(ww, r)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			}
			if loc := ww.Header().Get("Location"); loc != "" && ww.status >= 300 && ww.status < 400 {
				attrs = append(attrs, slog.String("location", loc))
			}
			logger.InfoContext(r.Context(), "http", attrs...)
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *respWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recover returns a middleware that recovers from panics and logs them.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity, as net/http does
						panic(err)
					}
					logger.Error("panic",
						slog.Any("error", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())))
					WriteError(w, ErrorParams{
						Code:    http.StatusInternalServerError,
						ErrCode: "internal",
						Err:     errors.New("internal server error"),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// DeviceID returns a middleware that makes sure every browser carries a device
// id cookie and exposes it through GetDeviceID.
func DeviceID(cookieDomain string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if c, err := r.Cookie(DeviceCookieName); err == nil {
				if parsed, err := uuid.Parse(c.Value); err == nil {
					id = parsed.String()
				}
			}
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookieName,
					Value:    id,
					Path:     "/",
					Domain:   cookieDomain,
					HttpOnly: true,
					Secure:   r.TLS != nil || isForwardedHTTPS(r),
					SameSite: http.SameSiteLaxMode,
					MaxAge:   int(deviceCookieMaxAge.Seconds()),
				})
			}
			next.ServeHTTP(w, r.WithContext(SetDeviceIDInContext(r.Context(), id)))
		})
	}
}

// ClientKey returns the rate-limit key for r: the client IP, taken from the
// first X-Forwarded-For hop when trustForwarded is set.
func ClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireSession rejects requests without a resolved session. It runs behind
// Authenticate or the edge guard.
func RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := GetUserSessionFromContext(r.Context()); !ok {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "authentication_required",
					Err:     errors.New("authentication required"),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects requests whose session is not an active admin.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireSession()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, ok := GetAccessFromContext(r.Context())
			if !ok || !access.IsAdmin() {
				WriteError(w, ErrorParams{
					Code:    http.StatusForbidden,
					ErrCode: "insufficient_permissions",
					Err:     errors.New("insufficient permissions"),
				})
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// actorOf names the caller in audit records.
func actorOf(r *http.Request) string {
	sess, ok := GetUserSessionFromContext(r.Context())
	if !ok {
		return ""
	}
	if sess.Email != "" {
		return sess.Email
	}
	return sess.SubjectID
}

// wantsJSON reports whether the caller is a script rather than a document navigation.
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

// accessOrDefault returns the attached decision or the default one.
func accessOrDefault(r *http.Request) domainauth.AccessDecision {
	if d, ok := GetAccessFromContext(r.Context()); ok {
		return d
	}
	return domainauth.DefaultAccess()
}
