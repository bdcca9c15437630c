// Package msidentity links portal subjects to Microsoft identity accounts using
// the authorization code flow with PKCE. Linked accounts and their refresh
// tokens live in a FederationAccountStore so tokens can be acquired silently later.
package msidentity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.FederationAccounts = (*Client)(nil)

var (
	// ErrUnknownState means the callback state was never issued, expired or was already used.
	ErrUnknownState = errors.New("msidentity: unknown or expired login state")
	// ErrSubjectMismatch means the callback arrived for a different portal subject than the one that started it.
	ErrSubjectMismatch = errors.New("msidentity: login started by another subject")
	// ErrNoAccount means the subject has no linked account.
	ErrNoAccount = errors.New("msidentity: no linked account")
	// ErrInteractionRequired means a silent token acquisition failed and the user must connect again.
	ErrInteractionRequired = errors.New("msidentity: interaction required")
)

// DefaultScopes requests an ID token, a refresh token and Graph profile access.
var DefaultScopes = []string{gooidc.ScopeOpenID, "profile", "email", gooidc.ScopeOfflineAccess, "User.Read"}

// Config holds the app registration settings.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Authority overrides the issuer derived from TenantID.
	Authority  string
	HTTPClient *http.Client
	// KeySet overrides the remote JWKS used to verify ID tokens.
	KeySet gooidc.KeySet
	// StateTTL bounds how long a started login may take. Default 10 minutes.
	StateTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type pendingLogin struct {
	subjectID string
	returnTo  string
	nonce     string
	verifier  string
}

// Client is the Microsoft identity federation client.
type Client struct {
	oauth      *oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	httpClient *http.Client
	accounts   ports.FederationAccountStore
	pending    *ttlcache.Cache[string, pendingLogin]
	now        func() time.Time
	logger     *slog.Logger
}

// New discovers the authority's endpoints and creates a Client.
func New(ctx context.Context, cfg Config, accounts ports.FederationAccountStore) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}
	if cfg.Authority == "" && cfg.TenantID == "" {
		return nil, errors.New("tenant ID or authority is required")
	}
	if accounts == nil {
		return nil, errors.New("account store is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	authority := strings.TrimSuffix(cfg.Authority, "/")
	if authority == "" {
		authority = "https://login.microsoftonline.com/" + cfg.TenantID + "/v2.0"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	op, err := gooidc.NewProvider(gooidc.ClientContext(ctx, httpClient), authority)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}
	oidcCfg := &gooidc.Config{ClientID: cfg.ClientID, Now: now}
	verifier := op.Verifier(oidcCfg)
	if cfg.KeySet != nil {
		verifier = gooidc.NewVerifier(authority, cfg.KeySet, oidcCfg)
	}

	pending := ttlcache.New(
		ttlcache.WithTTL[string, pendingLogin](stateTTL),
		ttlcache.WithDisableTouchOnHit[string, pendingLogin](),
	)
	go pending.Start()

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     op.Endpoint(),
		},
		verifier:   verifier,
		httpClient: httpClient,
		accounts:   accounts,
		pending:    pending,
		now:        now,
		logger:     logger.With("component", "msidentity"),
	}, nil
}

// Close stops the pending-login expiry loop.
func (c *Client) Close() { c.pending.Stop() }

// LoginRedirect starts a connect flow for subjectID and returns the authorization URL.
// returnTo is handed back by HandleRedirect once the flow completes.
func (c *Client) LoginRedirect(_ context.Context, subjectID, returnTo string) (string, error) {
	return c.begin(subjectID, returnTo, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// LoginPopup is LoginRedirect for a popup window.
func (c *Client) LoginPopup(_ context.Context, subjectID, returnTo string) (string, error) {
	return c.begin(subjectID, returnTo,
		oauth2.SetAuthURLParam("prompt", "select_account"),
		oauth2.SetAuthURLParam("display", "popup"),
	)
}

func (c *Client) begin(subjectID, returnTo string, extra ...oauth2.AuthCodeOption) (string, error) {
	if subjectID == "" {
		return "", errors.New("subject ID is required")
	}
	state, err := generateRandomString(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	nonce, err := generateRandomString(32)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	c.pending.Set(state, pendingLogin{subjectID: subjectID, returnTo: returnTo, nonce: nonce, verifier: verifier}, ttlcache.DefaultTTL)

	opts := append([]oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", "query"),
	}, extra...)
	return c.oauth.AuthCodeURL(state, opts...), nil
}

// Completion is the result of a finished connect flow.
type Completion struct {
	Account  domainauth.FederatedAccount
	ReturnTo string
}

// HandleRedirect finishes the connect flow started by subjectID: it redeems the
// code, verifies the ID token and stores the linked account.
func (c *Client) HandleRedirect(ctx context.Context, subjectID, state, code string) (Completion, error) {
	if code == "" {
		return Completion{}, errors.New("authorization code is required")
	}
	item := c.pending.Get(state)
	if item == nil {
		return Completion{}, ErrUnknownState
	}
	if item.Value().subjectID != subjectID {
		// Leave the login pending for the subject that started it.
		return Completion{}, ErrSubjectMismatch
	}
	item, found := c.pending.GetAndDelete(state)
	if !found || item == nil {
		return Completion{}, ErrUnknownState
	}
	login := item.Value()

	tok, err := c.oauth.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(login.verifier))
	if err != nil {
		return Completion{}, fmt.Errorf("exchange code for token: %w", err)
	}
	claims, err := c.verifyIDToken(ctx, tok, login.nonce)
	if err != nil {
		return Completion{}, err
	}

	acct := domainauth.FederatedAccount{
		SubjectID:     subjectID,
		HomeAccountID: claims.homeAccountID(),
		TenantID:      claims.TenantID,
		Username:      firstNonEmpty(claims.PreferredUsername, claims.Email),
		Name:          claims.Name,
		RefreshToken:  tok.RefreshToken,
		AccessToken:   tok.AccessToken,
		Scopes:        c.oauth.Scopes,
		ExpiresAt:     c.expiry(tok),
	}
	if err := c.accounts.SaveAccount(ctx, acct); err != nil {
		return Completion{}, fmt.Errorf("save federated account: %w", err)
	}
	c.logger.InfoContext(ctx, "microsoft account connected", "subject_id", subjectID, "home_account_id", acct.HomeAccountID)
	return Completion{Account: acct, ReturnTo: login.returnTo}, nil
}

// AcquireTokenSilent returns a valid access token for subjectID's linked account,
// redeeming the stored refresh token when the cached one has expired.
func (c *Client) AcquireTokenSilent(ctx context.Context, subjectID string) (*oauth2.Token, error) {
	acct, found, err := c.accounts.Account(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load federated account: %w", err)
	}
	if !found {
		return nil, ErrNoAccount
	}
	cached := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       acct.ExpiresAt,
	}
	if acct.AccessToken != "" && acct.ExpiresAt.After(c.now().Add(time.Minute)) {
		return cached, nil
	}
	if acct.RefreshToken == "" {
		return nil, ErrInteractionRequired
	}

	cached.AccessToken = ""
	tok, err := c.oauth.TokenSource(c.clientContext(ctx), cached).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, ErrInteractionRequired
		}
		return nil, fmt.Errorf("refresh federated token: %w", err)
	}

	acct.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acct.RefreshToken = tok.RefreshToken
	}
	acct.ExpiresAt = c.expiry(tok)
	if err := c.accounts.SaveAccount(ctx, acct); err != nil {
		c.logger.WarnContext(ctx, "persist refreshed federated token", "error", err, "subject_id", subjectID)
	}
	return tok, nil
}

// Accounts lists the accounts linked to subjectID. A subject links at most one account.
func (c *Client) Accounts(ctx context.Context, subjectID string) ([]domainauth.FederatedAccount, error) {
	acct, found, err := c.accounts.Account(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load federated account: %w", err)
	}
	if !found {
		return nil, nil
	}
	acct.AccessToken, acct.RefreshToken = "", ""
	return []domainauth.FederatedAccount{acct}, nil
}

// HasAccount reports whether subjectID has a linked account.
func (c *Client) HasAccount(ctx context.Context, subjectID string) (bool, error) {
	return c.accounts.HasAccount(ctx, subjectID)
}

// Disconnect removes subjectID's linked account.
func (c *Client) Disconnect(ctx context.Context, subjectID string) error {
	return c.accounts.DeleteAccount(ctx, subjectID)
}

func (c *Client) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) expiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return c.now().Add(time.Hour)
	}
	return tok.Expiry
}

// idTokenClaims is the subset of Microsoft identity platform v2 ID token claims we use.
type idTokenClaims struct {
	Subject           string `json:"sub"`
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	Nonce             string `json:"nonce"`
}

// homeAccountID follows the MSAL "<oid>.<tid>" convention.
func (c idTokenClaims) homeAccountID() string {
	oid := firstNonEmpty(c.ObjectID, c.Subject)
	if c.TenantID == "" {
		return oid
	}
	return oid + "." + c.TenantID
}

func (c *Client) verifyIDToken(ctx context.Context, tok *oauth2.Token, expectedNonce string) (idTokenClaims, error) {
	var claims idTokenClaims
	rawID, err := getIDTokenFromToken(tok)
	if err != nil {
		return claims, err
	}
	idTok, err := c.verifier.Verify(ctx, rawID)
	if err != nil {
		return claims, fmt.Errorf("verify id_token: %w", err)
	}
	if err := idTok.Claims(&claims); err != nil {
		return claims, fmt.Errorf("parse id_token claims: %w", err)
	}
	if claims.Nonce != expectedNonce {
		return claims, errors.New("invalid nonce")
	}
	return claims, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// generateRandomString generates a URL-safe random string of exact length.
func generateRandomString(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}
	b := make([]byte, (length*3+3)/4+1)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length], nil
}

func getIDTokenFromToken(tok *oauth2.Token) (string, error) {
	if tok == nil {
		return "", errors.New("nil token")
	}
	s, ok := tok.Extra("id_token").(string)
	if !ok || s == "" {
		return "", errors.New("missing id_token in token response")
	}
	return s, nil
}
