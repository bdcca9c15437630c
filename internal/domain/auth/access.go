package auth

import "time"

// UserAccess is the persisted access row for one subject.
type UserAccess struct {
	UserID    string    `db:"user_id"    json:"user_id"`
	Role      Role      `db:"role"       json:"role"`
	IsActive  bool      `db:"is_active"  json:"is_active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Decision returns the access decision carried by the row.
func (u UserAccess) Decision() AccessDecision {
	return AccessDecision{Role: ParseRole(string(u.Role)), IsActive: u.IsActive}
}

// AccessAuditEntry records one operator change to a subject's access.
type AccessAuditEntry struct {
	ID        int64     `db:"id"         json:"id"`
	UserID    string    `db:"user_id"    json:"user_id"`
	Action    string    `db:"action"     json:"action"`
	Role      *string   `db:"role"       json:"role,omitempty"`
	IsActive  *bool     `db:"is_active"  json:"is_active,omitempty"`
	Actor     string    `db:"actor"      json:"actor"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GrantAccessRequest is the input for creating or replacing a subject's access.
type GrantAccessRequest struct {
	UserID   string
	Role     Role
	IsActive bool
	Actor    string
}
