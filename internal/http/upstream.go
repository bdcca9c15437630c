package httpx

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/assetlens/portal/internal/domain/guard"
)

// Upstream returns the handler for pages the guard let through. With an
// upstream URL the request is proxied with the resolved subject forwarded in
// headers; without one a JSON page descriptor is served.
func Upstream(rawURL string, routes guard.Routes, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rawURL == "" {
		return pageStub(routes), nil
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", rawURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("X-Portal-Subject")
			pr.Out.Header.Del("X-Portal-Role")
			if sess, ok := GetUserSessionFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set("X-Portal-Subject", sess.SubjectID)
				pr.Out.Header.Set("X-Portal-Role", string(accessOrDefault(pr.In).Role))
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.ErrorContext(r.Context(), "upstream request failed", "error", err, "path", r.URL.Path)
			WriteError(w, ErrorParams{Code: http.StatusBadGateway, ErrCode: "upstream_unavailable", Err: err})
		},
	}
	return proxy, nil
}

func pageStub(routes guard.Routes) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"path":  r.URL.Path,
			"class": routes.Classify(r.URL.Path),
		}
		if sess, ok := GetUserSessionFromContext(r.Context()); ok {
			body["user"] = map[string]string{"id": sess.SubjectID, "email": sess.Email}
			body["userAccess"] = accessOrDefault(r)
		}
		WriteJSON(w, http.StatusOK, body)
	})
}
