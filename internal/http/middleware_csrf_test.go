package httpx

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func csrfHandler(cfg CSRFConfig) http.Handler {
	return CSRFProtection(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetCSRFToken(r)))
	}))
}

func csrfCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCSRFCookieName {
			return c
		}
	}
	return nil
}

func TestCSRFProtection_IssuesTokenOnSafeRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	csrfHandler(CSRFConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	c := csrfCookie(t, rec)
	require.NotNil(t, c)
	assert.False(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, c.Value, rec.Body.String(), "token is exposed through the context")
}

func TestCSRFProtection_ExistingCookieIsReused(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCSRFCookieName, Value: "existing"})
	rec := httptest.NewRecorder()
	csrfHandler(CSRFConfig{}).ServeHTTP(rec, req)

	assert.Nil(t, csrfCookie(t, rec))
	assert.Equal(t, "existing", rec.Body.String())
}

func TestCSRFProtection_Validation(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		form        string
		contentType string
		want        int
	}{
		{name: "missing token", want: http.StatusForbidden},
		{name: "matching header", header: "tok", want: http.StatusOK},
		{name: "mismatched header", header: "other", want: http.StatusForbidden},
		{name: "matching form field", form: "tok", contentType: "application/x-www-form-urlencoded", want: http.StatusOK},
		{name: "form field ignored for json", form: "tok", contentType: "application/json", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ""
			if tt.form != "" {
				body = url.Values{DefaultCSRFCookieName: {tt.form}}.Encode()
			}
			req := httptest.NewRequest(http.MethodPost, "/auth/sign-out", strings.NewReader(body))
			req.AddCookie(&http.Cookie{Name: DefaultCSRFCookieName, Value: "tok"})
			if tt.header != "" {
				req.Header.Set(DefaultCSRFHeaderName, tt.header)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			csrfHandler(CSRFConfig{}).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCSRFProtection_ProtectedPrefixes(t *testing.T) {
	h := csrfHandler(CSRFConfig{ProtectedPrefixes: []string{"/auth/", "/api/admin/"}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dashboard/export", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "paths outside the prefixes are not validated")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/admin/access/u1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFProtection_SecureBehindProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "http, https")
	rec := httptest.NewRecorder()
	csrfHandler(CSRFConfig{CookieDomain: "portal.example.com"}).ServeHTTP(rec, req)

	c := csrfCookie(t, rec)
	require.NotNil(t, c)
	assert.True(t, c.Secure)
	assert.Equal(t, "portal.example.com", c.Domain)
}

func TestGetCSRFToken_NoToken(t *testing.T) {
	assert.Empty(t, GetCSRFToken(httptest.NewRequest(http.MethodGet, "/", nil)))
}
