package auth

// StateKey names a value held by the persistent flag store.
// Cookie-backed keys use the same string as the cookie name.
type StateKey string

const (
	KeyManualLogin      StateKey = "require_manual_login"
	KeyLastRedirectTime StateKey = "last_redirect_time"
	KeyRedirectLedger   StateKey = "auth_redirect_count"
	KeyLastSignOutTime  StateKey = "last_signout_time"
	KeyAccessToken      StateKey = "sb-access-token"
	KeyRefreshToken     StateKey = "sb-refresh-token"
	KeyNavigationIntent StateKey = "navigation_intent"
	KeySessionSnapshot  StateKey = "session_snapshot"
)
