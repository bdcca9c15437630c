package memstore

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var _ ports.FederationAccountStore = (*Accounts)(nil)

// Accounts keeps linked federation accounts in memory.
type Accounts struct {
	cache *ttlcache.Cache[string, domainauth.FederatedAccount]
}

// NewAccounts creates an account store whose entries live for the refresh token lifetime.
func NewAccounts() *Accounts {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, domainauth.FederatedAccount](90*24*time.Hour),
		ttlcache.WithDisableTouchOnHit[string, domainauth.FederatedAccount](),
	)
	go cache.Start()
	return &Accounts{cache: cache}
}

// Close stops the expiry loop.
func (a *Accounts) Close() { a.cache.Stop() }

func (a *Accounts) SaveAccount(_ context.Context, acct domainauth.FederatedAccount) error {
	if acct.SubjectID == "" {
		return errors.New("subject ID cannot be empty")
	}
	a.cache.Set(acct.SubjectID, acct, ttlcache.DefaultTTL)
	return nil
}

func (a *Accounts) Account(_ context.Context, subjectID string) (domainauth.FederatedAccount, bool, error) {
	item := a.cache.Get(subjectID)
	if item == nil {
		return domainauth.FederatedAccount{}, false, nil
	}
	return item.Value(), true, nil
}

func (a *Accounts) DeleteAccount(_ context.Context, subjectID string) error {
	a.cache.Delete(subjectID)
	return nil
}

func (a *Accounts) HasAccount(_ context.Context, subjectID string) (bool, error) {
	return subjectID != "" && a.cache.Has(subjectID), nil
}
