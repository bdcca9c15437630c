// Package devauth is a self-contained auth backend for local development and
// tests (AUTH_MODE=mock). It signs HS256 access tokens for configured users,
// keeps refresh tokens in memory and supports sign-out by revoking the session.
package devauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.AuthBackend = (*Backend)(nil)

// User is one account accepted by the dev backend.
type User struct {
	ID       string
	Email    string
	Password string
	// Role is written into app_metadata.role of the access token.
	Role domainauth.Role
}

// Config controls the dev backend.
type Config struct {
	Users []User
	// Secret signs access tokens. Required.
	Secret     string
	Issuer     string        // default "portal-devauth"
	AccessTTL  time.Duration // default 1h
	RefreshTTL time.Duration // default 30 days
	Now        func() time.Time
}

type claims struct {
	Email       string         `json:"email"`
	SessionID   string         `json:"session_id"`
	AppMetadata map[string]any `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

type refreshEntry struct {
	userID    string
	sessionID string
	expiresAt time.Time
}

// Backend implements ports.AuthBackend with locally issued JWTs.
type Backend struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	byEmail map[string]User
	byID    map[string]User
	refresh map[string]refreshEntry
	revoked map[string]bool
}

// New creates a dev backend from cfg.
func New(cfg Config) (*Backend, error) {
	if cfg.Secret == "" {
		return nil, errors.New("dev auth: secret is required")
	}
	b := &Backend{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
		byEmail:    make(map[string]User),
		byID:       make(map[string]User),
		refresh:    make(map[string]refreshEntry),
		revoked:    make(map[string]bool),
	}
	if b.issuer == "" {
		b.issuer = "portal-devauth"
	}
	if b.accessTTL <= 0 {
		b.accessTTL = time.Hour
	}
	if b.refreshTTL <= 0 {
		b.refreshTTL = 30 * 24 * time.Hour
	}
	if b.now == nil {
		b.now = time.Now
	}
	for _, u := range cfg.Users {
		if u.Email == "" || u.Password == "" {
			return nil, errors.New("dev auth: users need an email and a password")
		}
		if u.ID == "" {
			u.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("devauth:"+strings.ToLower(u.Email))).String()
		}
		b.byEmail[strings.ToLower(u.Email)] = u
		b.byID[u.ID] = u
	}
	return b, nil
}

// ParseUsers reads "email:password[:role]" entries separated by commas.
func ParseUsers(spec string) ([]User, error) {
	var users []User
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("dev auth: invalid user entry %q", entry)
		}
		u := User{Email: parts[0], Password: parts[1], Role: domainauth.RoleBasic}
		if len(parts) == 3 {
			u.Role = domainauth.Role(parts[2])
			if !u.Role.Valid() {
				return nil, fmt.Errorf("dev auth: invalid role %q for %s", parts[2], parts[0])
			}
		}
		users = append(users, u)
	}
	return users, nil
}

func (b *Backend) SignInWithPassword(_ context.Context, email, password string) (domainauth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.byEmail[strings.ToLower(email)]
	if !ok || u.Password != password {
		return domainauth.Session{}, domainauth.ErrInvalidCredentials
	}
	return b.issueLocked(u, uuid.NewString())
}

func (b *Backend) GetSession(_ context.Context, tokens domainauth.TokenPair) (domainauth.Session, error) {
	if tokens.AccessToken == "" {
		return domainauth.Session{}, domainauth.ErrNoSession
	}
	c, err := b.parse(tokens.AccessToken, true)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domainauth.Session{}, domainauth.ErrTokenExpired
		}
		return domainauth.Session{}, domainauth.ErrNoSession
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revoked[c.SessionID] {
		return domainauth.Session{}, domainauth.ErrNoSession
	}
	if _, ok := b.byID[c.Subject]; !ok {
		return domainauth.Session{}, domainauth.ErrNoSession
	}
	return domainauth.Session{
		SubjectID:    c.Subject,
		Email:        c.Email,
		IssuedAt:     c.IssuedAt.Time,
		ExpiresAt:    c.ExpiresAt.Time,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

// RefreshSession rotates the refresh token: the presented one is consumed.
func (b *Backend) RefreshSession(_ context.Context, refreshToken string) (domainauth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.refresh[refreshToken]
	if !ok {
		return domainauth.Session{}, domainauth.ErrInvalidRefreshToken
	}
	delete(b.refresh, refreshToken)
	if b.revoked[entry.sessionID] || b.now().After(entry.expiresAt) {
		return domainauth.Session{}, domainauth.ErrInvalidRefreshToken
	}
	u, ok := b.byID[entry.userID]
	if !ok {
		return domainauth.Session{}, domainauth.ErrInvalidRefreshToken
	}
	return b.issueLocked(u, entry.sessionID)
}

// SignOut revokes the session of accessToken, including its refresh tokens.
// Expired access tokens are accepted.
func (b *Backend) SignOut(_ context.Context, accessToken string) error {
	c, err := b.parse(accessToken, false)
	if err != nil {
		return domainauth.ErrNoSession
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[c.SessionID] = true
	for rt, entry := range b.refresh {
		if entry.sessionID == c.SessionID {
			delete(b.refresh, rt)
		}
	}
	return nil
}

func (b *Backend) issueLocked(u User, sessionID string) (domainauth.Session, error) {
	now := b.now()
	exp := now.Add(b.accessTTL)
	c := claims{
		Email:     u.Email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.issuer,
			Subject:   u.ID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if u.Role != "" {
		c.AppMetadata = map[string]any{"role": string(u.Role)}
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(b.secret)
	if err != nil {
		return domainauth.Session{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh := uuid.NewString()
	b.refresh[refresh] = refreshEntry{userID: u.ID, sessionID: sessionID, expiresAt: now.Add(b.refreshTTL)}
	return domainauth.Session{
		SubjectID:    u.ID,
		Email:        u.Email,
		IssuedAt:     now.Truncate(time.Second),
		ExpiresAt:    exp.Truncate(time.Second),
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

func (b *Backend) parse(raw string, validateExpiry bool) (*claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(b.issuer),
		jwt.WithTimeFunc(b.now),
	}
	if !validateExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return b.secret, nil }, opts...)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
