// Package supabase is the AuthBackend for the hosted auth service (GoTrue REST API).
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.AuthBackend = (*Client)(nil)

// Config holds the project settings.
type Config struct {
	// URL is the project URL, e.g. https://xyz.supabase.co.
	URL string
	// AnonKey is the public API key sent as the apikey header.
	AnonKey    string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to /auth/v1 of the hosted auth service.
type Client struct {
	base    *url.URL
	anonKey string
	http    *http.Client
	now     func() time.Time
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase: URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supabase: anon key is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("supabase: parse URL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{base: base, anonKey: cfg.AnonKey, http: httpClient, now: now}, nil
}

type user struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         user   `json:"user"`
}

// apiError covers both error shapes the service returns.
type apiError struct {
	Status           int    `json:"-"`
	Code             string `json:"error_code"`
	ErrName          string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("supabase: status %d: %s", e.Status, e.text())
}

func (e *apiError) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Code, e.ErrName} {
		if s != "" {
			return s
		}
	}
	return http.StatusText(e.Status)
}

func (e *apiError) is(code string) bool {
	return e.Code == code || e.ErrName == code
}

func (c *Client) GetSession(ctx context.Context, tokens domainauth.TokenPair) (domainauth.Session, error) {
	if tokens.AccessToken == "" {
		return domainauth.Session{}, domainauth.ErrNoSession
	}
	var u user
	err := c.do(ctx, http.MethodGet, "/auth/v1/user", tokens.AccessToken, nil, &u)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusUnauthorized:
				return domainauth.Session{}, fmt.Errorf("%w: %w", domainauth.ErrTokenExpired, err)
			case http.StatusForbidden, http.StatusNotFound:
				return domainauth.Session{}, fmt.Errorf("%w: %w", domainauth.ErrNoSession, err)
			}
		}
		return domainauth.Session{}, err
	}
	sess := domainauth.Session{
		SubjectID:    u.ID,
		Email:        u.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	sess.IssuedAt, sess.ExpiresAt = tokenTimes(tokens.AccessToken)
	return sess, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (domainauth.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &tr); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return domainauth.Session{}, fmt.Errorf("%w: %w", domainauth.ErrInvalidCredentials, err)
		}
		return domainauth.Session{}, err
	}
	return c.sessionFromTokens(tr), nil
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (domainauth.Session, error) {
	if refreshToken == "" {
		return domainauth.Session{}, domainauth.ErrInvalidRefreshToken
	}
	body := map[string]string{"refresh_token": refreshToken}
	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &tr); err != nil {
		if isInvalidRefresh(err) {
			return domainauth.Session{}, fmt.Errorf("%w: %w", domainauth.ErrInvalidRefreshToken, err)
		}
		return domainauth.Session{}, err
	}
	return c.sessionFromTokens(tr), nil
}

// SignOut revokes the session. An already invalid token counts as signed out.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	err := c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound) {
		return nil
	}
	return err
}

func isInvalidRefresh(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status != http.StatusBadRequest && apiErr.Status != http.StatusUnauthorized {
		return false
	}
	return apiErr.is("invalid_grant") || apiErr.is("refresh_token_not_found") ||
		apiErr.is("refresh_token_already_used") || strings.Contains(strings.ToLower(apiErr.text()), "invalid refresh token")
}

func (c *Client) sessionFromTokens(tr tokenResponse) domainauth.Session {
	sess := domainauth.Session{
		SubjectID:    tr.User.ID,
		Email:        tr.User.Email,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	sess.IssuedAt, sess.ExpiresAt = tokenTimes(tr.AccessToken)
	switch {
	case tr.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case sess.ExpiresAt.IsZero() && tr.ExpiresIn > 0:
		sess.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	if sess.SubjectID == "" {
		sess.SubjectID = subjectOf(tr.AccessToken)
	}
	return sess
}

// do sends one request. Transport failures and 5xx answers are reported as ErrNetwork.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	u, err := c.base.Parse(c.base.Path + path)
	if err != nil {
		return fmt.Errorf("supabase: build URL: %w", err)
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("supabase: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("supabase: new request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("supabase %s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("%w: %s %s: %w", domainauth.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domainauth.ErrNetwork, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s %s: status %d", domainauth.ErrNetwork, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("supabase: decode %s: %w", path, err)
	}
	return nil
}

// tokenTimes reads iat and exp from an access token without verifying it.
// The service already validated the token; these only feed the snapshot.
func tokenTimes(raw string) (issued, expires time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, time.Time{}
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		issued = iat.UTC()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.UTC()
	}
	return issued, expires
}

func subjectOf(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
