package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assetlens/portal/internal/cryptoutil"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/ports"
)

var (
	_ ports.RoleCache              = (*RoleCache)(nil)
	_ ports.FederationAccountStore = (*AccountCache)(nil)
)

// RoleCache keeps the last known access decision per subject.
type RoleCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRoleCache creates a Redis role cache.
func NewRoleCache(client redis.UniversalClient) *RoleCache {
	return &RoleCache{client: client, prefix: "portal:role:"}
}

func (c *RoleCache) GetRole(ctx context.Context, subjectID string) (domainauth.AccessDecision, bool, error) {
	var d domainauth.AccessDecision
	if subjectID == "" {
		return d, false, nil
	}
	found, err := getJSON(ctx, c.client, c.prefix+subjectID, &d)
	return d, found, err
}

func (c *RoleCache) PutRole(ctx context.Context, subjectID string, d domainauth.AccessDecision, ttl time.Duration) error {
	if subjectID == "" {
		return errors.New("subject ID cannot be empty")
	}
	return setJSON(ctx, c.client, c.prefix+subjectID, d, ttl)
}

func (c *RoleCache) DeleteRole(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return nil
	}
	if err := c.client.Del(ctx, c.prefix+subjectID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// AccountCache stores linked Microsoft identity accounts per subject. Tokens
// are sealed to the subject id before they leave the process.
type AccountCache struct {
	client redis.UniversalClient
	prefix string
	sealer cryptoutil.Sealer
}

// NewAccountCache creates a Redis federation account cache. A nil sealer stores
// tokens base64 encoded only.
func NewAccountCache(client redis.UniversalClient, sealer cryptoutil.Sealer) *AccountCache {
	if sealer == nil {
		sealer = cryptoutil.Plain{}
	}
	return &AccountCache{client: client, prefix: "portal:federation:", sealer: sealer}
}

func (c *AccountCache) SaveAccount(ctx context.Context, acct domainauth.FederatedAccount) error {
	if acct.SubjectID == "" {
		return errors.New("subject ID cannot be empty")
	}
	var err error
	if acct.RefreshToken, err = cryptoutil.SealString(c.sealer, acct.RefreshToken, acct.SubjectID); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	if acct.AccessToken, err = cryptoutil.SealString(c.sealer, acct.AccessToken, acct.SubjectID); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	// Refresh tokens outlive access tokens; keep the account for the refresh lifetime.
	return setJSON(ctx, c.client, c.prefix+acct.SubjectID, acct, 90*24*time.Hour)
}

func (c *AccountCache) Account(ctx context.Context, subjectID string) (domainauth.FederatedAccount, bool, error) {
	var acct domainauth.FederatedAccount
	if subjectID == "" {
		return acct, false, nil
	}
	found, err := getJSON(ctx, c.client, c.prefix+subjectID, &acct)
	if err != nil || !found {
		return acct, found, err
	}
	if acct.RefreshToken, err = cryptoutil.OpenString(c.sealer, acct.RefreshToken, subjectID); err != nil {
		return domainauth.FederatedAccount{}, false, fmt.Errorf("open refresh token: %w", err)
	}
	if acct.AccessToken, err = cryptoutil.OpenString(c.sealer, acct.AccessToken, subjectID); err != nil {
		return domainauth.FederatedAccount{}, false, fmt.Errorf("open access token: %w", err)
	}
	return acct, true, nil
}

func (c *AccountCache) DeleteAccount(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return nil
	}
	if err := c.client.Del(ctx, c.prefix+subjectID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *AccountCache) HasAccount(ctx context.Context, subjectID string) (bool, error) {
	if subjectID == "" {
		return false, nil
	}
	n, err := c.client.Exists(ctx, c.prefix+subjectID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func getJSON(ctx context.Context, client redis.UniversalClient, key string, dst any) (bool, error) {
	data, err := client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, client redis.UniversalClient, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
