package flagstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.StateBackend = (*Mirrored)(nil)

// Mirrored fans every write out to all of its backends and reads from the first
// backend that holds a key. Backends are eventually consistent; the most recent
// writer wins.
type Mirrored struct {
	backends []ports.StateBackend
}

// NewMirrored combines primary and mirrors. Nil backends are skipped.
func NewMirrored(primary ports.StateBackend, mirrors ...ports.StateBackend) *Mirrored {
	m := &Mirrored{}
	for _, b := range append([]ports.StateBackend{primary}, mirrors...) {
		if b != nil {
			m.backends = append(m.backends, b)
		}
	}
	return m
}

// Get returns the first value found. Backend errors are only reported when no
// backend produced the key.
func (m *Mirrored) Get(ctx context.Context, key domainauth.StateKey) (string, bool, error) {
	var errs []error
	for i, b := range m.backends {
		v, ok, err := b.Get(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %d get %s: %w", i, key, err))
			continue
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, errors.Join(errs...)
}

// Set writes to every backend.
func (m *Mirrored) Set(ctx context.Context, key domainauth.StateKey, value string, ttl time.Duration) error {
	var errs []error
	for i, b := range m.backends {
		if err := b.Set(ctx, key, value, ttl); err != nil {
			errs = append(errs, fmt.Errorf("backend %d set %s: %w", i, key, err))
		}
	}
	return errors.Join(errs...)
}

// Delete removes key from every backend.
func (m *Mirrored) Delete(ctx context.Context, key domainauth.StateKey) error {
	var errs []error
	for i, b := range m.backends {
		if err := b.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("backend %d delete %s: %w", i, key, err))
		}
	}
	return errors.Join(errs...)
}
