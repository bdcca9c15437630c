package auth

import "time"

// FederatedAccount is a Microsoft identity account linked to a portal subject
// through the connect flow.
type FederatedAccount struct {
	SubjectID     string    `json:"subject_id"`
	HomeAccountID string    `json:"home_account_id"`
	TenantID      string    `json:"tenant_id"`
	Username      string    `json:"username"`
	Name          string    `json:"name"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}
