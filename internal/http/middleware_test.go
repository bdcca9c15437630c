package httpx

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceID_IssuesAndReuses(t *testing.T) {
	var seen string
	h := DeviceID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetDeviceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DeviceCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, seen, cookies[0].Value)
	_, err := uuid.Parse(seen)
	require.NoError(t, err)

	existing := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: existing})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, existing, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: "not-a-uuid"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, rec.Result().Cookies(), 1)
	assert.NotEqual(t, "not-a-uuid", seen)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "198.51.100.4", ClientKey(req, false))
	assert.Equal(t, "203.0.113.9", ClientKey(req, true))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", ClientKey(req, false))
}

func TestRecover_WritesJSON500(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recover(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"internal"`)
}

func TestWantsJSON(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		header http.Header
		want   bool
	}{
		{name: "api path", path: "/api/me", want: true},
		{name: "xhr", path: "/auth/sign-out", header: http.Header{"X-Requested-With": {"XMLHttpRequest"}}, want: true},
		{name: "json accept", path: "/auth/sign-out", header: http.Header{"Accept": {"application/json"}}, want: true},
		{name: "browser accept", path: "/auth/sign-out", header: http.Header{"Accept": {"text/html,application/json;q=0.9"}}, want: false},
		{name: "no hints", path: "/auth/sign-out", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			for k, v := range tc.header {
				req.Header[k] = v
			}
			assert.Equal(t, tc.want, wantsJSON(req))
		})
	}
}
