package auth

// Package auth contains simple hand-written test doubles for auth ports.
// These are lightweight and suitable for unit tests without codegen.

import (
	"context"
	"sync"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

// Ensure compile-time conformance to ports.
var (
	_ ports.AuthBackend        = (*FakeAuthBackend)(nil)
	_ ports.StateBackend       = (*MemoryStateBackend)(nil)
	_ ports.AccessLookup       = (*StaticAccessLookup)(nil)
	_ ports.RoleCache          = (*MemoryRoleCache)(nil)
	_ ports.RateLimiter        = (*CountingRateLimiter)(nil)
	_ ports.FederationAccounts = (*StaticFederation)(nil)
)

// FakeAuthBackend simulates the hosted auth service. Sessions are keyed by access token.
// The *Func fields override the default behavior when set.
type FakeAuthBackend struct {
	GetSessionFunc func(ctx context.Context, tokens domainauth.TokenPair) (domainauth.Session, error)
	SignInFunc     func(ctx context.Context, email, password string) (domainauth.Session, error)
	RefreshFunc    func(ctx context.Context, refreshToken string) (domainauth.Session, error)
	SignOutFunc    func(ctx context.Context, accessToken string) error

	mu        sync.Mutex
	sessions  map[string]domainauth.Session
	passwords map[string]string
	calls     map[string]int
}

// NewFakeAuthBackend creates an empty FakeAuthBackend.
func NewFakeAuthBackend() *FakeAuthBackend {
	return &FakeAuthBackend{
		sessions:  make(map[string]domainauth.Session),
		passwords: make(map[string]string),
		calls:     make(map[string]int),
	}
}

// AddSession registers a session reachable by its access token.
func (f *FakeAuthBackend) AddSession(sess domainauth.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.AccessToken] = sess
}

// AddUser registers credentials accepted by SignInWithPassword.
func (f *FakeAuthBackend) AddUser(email, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[email] = password
}

// Calls returns how many times the named method was invoked.
func (f *FakeAuthBackend) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeAuthBackend) record(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *FakeAuthBackend) GetSession(ctx context.Context, tokens domainauth.TokenPair) (domainauth.Session, error) {
	f.record("GetSession")
	if f.GetSessionFunc != nil {
		return f.GetSessionFunc(ctx, tokens)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[tokens.AccessToken]; ok && tokens.AccessToken != "" {
		if sess.Expired(time.Now()) {
			return domainauth.Session{}, domainauth.ErrTokenExpired
		}
		return sess, nil
	}
	return domainauth.Session{}, domainauth.ErrNoSession
}

func (f *FakeAuthBackend) SignInWithPassword(ctx context.Context, email, password string) (domainauth.Session, error) {
	f.record("SignInWithPassword")
	if f.SignInFunc != nil {
		return f.SignInFunc(ctx, email, password)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want, ok := f.passwords[email]
	if !ok || want != password {
		return domainauth.Session{}, domainauth.ErrInvalidCredentials
	}
	now := time.Now()
	sess := domainauth.Session{
		SubjectID:    "user-" + email,
		Email:        email,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
	}
	f.sessions[sess.AccessToken] = sess
	return sess, nil
}

func (f *FakeAuthBackend) RefreshSession(ctx context.Context, refreshToken string) (domainauth.Session, error) {
	f.record("RefreshSession")
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for access, sess := range f.sessions {
		if sess.RefreshToken == refreshToken && refreshToken != "" {
			delete(f.sessions, access)
			sess.AccessToken = access + "-r"
			sess.ExpiresAt = time.Now().Add(time.Hour)
			f.sessions[sess.AccessToken] = sess
			return sess, nil
		}
	}
	return domainauth.Session{}, domainauth.ErrInvalidRefreshToken
}

func (f *FakeAuthBackend) SignOut(ctx context.Context, accessToken string) error {
	f.record("SignOut")
	if f.SignOutFunc != nil {
		return f.SignOutFunc(ctx, accessToken)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, accessToken)
	return nil
}

// MemoryStateBackend is an in-memory flag store backend for unit tests.
// TTLs are recorded but not enforced.
type MemoryStateBackend struct {
	mu     sync.Mutex
	values map[domainauth.StateKey]string
	ttls   map[domainauth.StateKey]time.Duration
	Err    error
}

// NewMemoryStateBackend creates an empty MemoryStateBackend.
func NewMemoryStateBackend() *MemoryStateBackend {
	return &MemoryStateBackend{
		values: make(map[domainauth.StateKey]string),
		ttls:   make(map[domainauth.StateKey]time.Duration),
	}
}

func (m *MemoryStateBackend) Get(_ context.Context, key domainauth.StateKey) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", false, m.Err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStateBackend) Set(_ context.Context, key domainauth.StateKey, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *MemoryStateBackend) Delete(_ context.Context, key domainauth.StateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.values, key)
	delete(m.ttls, key)
	return nil
}

// TTL returns the ttl the key was last written with.
func (m *MemoryStateBackend) TTL(key domainauth.StateKey) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}

// StaticAccessLookup serves access decisions from a map.
type StaticAccessLookup struct {
	Decisions map[string]domainauth.AccessDecision
	Err       error
}

func (s StaticAccessLookup) LookupAccess(_ context.Context, subjectID string) (domainauth.AccessDecision, bool, error) {
	if s.Err != nil {
		return domainauth.AccessDecision{}, false, s.Err
	}
	d, ok := s.Decisions[subjectID]
	return d, ok, nil
}

// MemoryRoleCache is a map-backed RoleCache.
type MemoryRoleCache struct {
	mu      sync.Mutex
	entries map[string]domainauth.AccessDecision
}

// NewMemoryRoleCache creates an empty MemoryRoleCache.
func NewMemoryRoleCache() *MemoryRoleCache {
	return &MemoryRoleCache{entries: make(map[string]domainauth.AccessDecision)}
}

func (c *MemoryRoleCache) GetRole(_ context.Context, subjectID string) (domainauth.AccessDecision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[subjectID]
	return d, ok, nil
}

func (c *MemoryRoleCache) PutRole(_ context.Context, subjectID string, d domainauth.AccessDecision, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[subjectID] = d
	return nil
}

func (c *MemoryRoleCache) DeleteRole(_ context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subjectID)
	return nil
}

// CountingRateLimiter allows the first Limit calls per key and rejects the rest.
type CountingRateLimiter struct {
	Limit int

	mu     sync.Mutex
	counts map[string]int
}

func (l *CountingRateLimiter) Allow(_ context.Context, key string) (ports.RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	n := l.counts[key]
	if n > l.Limit {
		return ports.RateDecision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	return ports.RateDecision{Allowed: true, Remaining: l.Limit - n}, nil
}

// StaticFederation reports linked accounts from a set of subject ids.
type StaticFederation struct {
	Linked map[string]bool
}

func (s StaticFederation) HasAccount(_ context.Context, subjectID string) (bool, error) {
	return s.Linked[subjectID], nil
}
