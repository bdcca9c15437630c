package guard

import (
	"net/url"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
)

// Outcome is the guard's verdict for a navigation.
type Outcome string

const (
	PassThrough         Outcome = "PASS_THROUGH"
	RateLimitReject     Outcome = "RATE_LIMIT_REJECT"
	RedirectToSignIn    Outcome = "REDIRECT_TO_SIGNIN"
	RedirectToDashboard Outcome = "REDIRECT_TO_DASHBOARD"
	RedirectToAdmin     Outcome = "REDIRECT_TO_ADMIN"
)

// IsRedirect reports whether the outcome sends the user elsewhere.
func (o Outcome) IsRedirect() bool {
	return o == RedirectToSignIn || o == RedirectToDashboard || o == RedirectToAdmin
}

// Reason values explain which rule produced a Decision. They are used as log and metric tags.
const (
	ReasonStatic          = "static_asset"
	ReasonForced          = "force_param"
	ReasonAPI             = "api_delegated"
	ReasonRateLimited     = "rate_limited"
	ReasonRedirectLoop    = "redirect_loop"
	ReasonRecentSignOut   = "recent_signout"
	ReasonTokenError      = "invalid_refresh_token"
	ReasonDegraded        = "auth_degraded"
	ReasonNoSession       = "no_session"
	ReasonManualLogin     = "manual_login_required"
	ReasonFailOpen        = "fail_open_tokens"
	ReasonAlreadySignedIn = "already_signed_in"
	ReasonNotAdmin        = "not_admin"
	ReasonFromAuth        = "from_auth"
	ReasonGuardPanic      = "guard_panic"
	ReasonDefault         = "default"
)

// Facts is everything the shared rules need to know about one navigation.
// Both guards gather Facts from their own execution context and feed them to Decide.
type Facts struct {
	Class   RouteClass
	Path    string // request URI used for return_to
	Markers Markers

	LoopDetected  bool
	RecentSignOut bool
	ManualLogin   bool // effective flag after the caller applied its default

	HasSession bool
	HasTokens  bool
	Failure    domainauth.FailureKind
	Degraded   bool
}

// Decision is the result of Decide.
type Decision struct {
	Outcome  Outcome
	Reason   string
	Location string
	// ForceManualLogin asks the caller to persist ManualLoginFlag=true.
	ForceManualLogin bool
	Access           *domainauth.AccessDecision
}

// AccessFunc resolves the access decision for the current subject on demand.
type AccessFunc func() domainauth.AccessDecision

// Decide applies the navigation rules that follow loop detection: sign-out grace,
// session presence, fail-open, sign-in forwarding and the admin check. access is
// only invoked when a role is actually needed.
func (r Routes) Decide(f Facts, access AccessFunc) Decision {
	if f.LoopDetected {
		return Decision{Outcome: PassThrough, Reason: ReasonRedirectLoop, ForceManualLogin: true}
	}

	if f.Class == ClassAuthOnly && f.RecentSignOut {
		return Decision{Outcome: PassThrough, Reason: ReasonRecentSignOut}
	}

	if f.Class.Protected() && !f.HasSession {
		return r.decideSignedOut(f)
	}

	if f.Class == ClassAuthOnly && f.HasSession && !f.ManualLogin && !f.Markers.Force && !f.Markers.FromSignin {
		d := resolveAccess(access)
		if d.IsAdmin() {
			return Decision{Outcome: RedirectToAdmin, Reason: ReasonAlreadySignedIn, Location: r.adminLocation(), Access: &d}
		}
		return Decision{Outcome: RedirectToDashboard, Reason: ReasonAlreadySignedIn, Location: r.dashboardLocation(true), Access: &d}
	}

	if f.Class == ClassAdmin && f.HasSession {
		d := resolveAccess(access)
		if !d.IsAdmin() {
			return Decision{Outcome: RedirectToDashboard, Reason: ReasonNotAdmin, Location: r.dashboardLocation(false), Access: &d}
		}
		return Decision{Outcome: PassThrough, Reason: ReasonDefault, Access: &d}
	}

	return Decision{Outcome: PassThrough, Reason: ReasonDefault}
}

func (r Routes) decideSignedOut(f Facts) Decision {
	if f.Failure == domainauth.FailureInvalidRefreshToken {
		return Decision{
			Outcome:  RedirectToSignIn,
			Reason:   ReasonTokenError,
			Location: r.SignInLocation(f.Path, true),
		}
	}
	if f.Degraded {
		return Decision{Outcome: PassThrough, Reason: ReasonDegraded}
	}
	if f.HasTokens {
		return Decision{Outcome: PassThrough, Reason: ReasonFailOpen}
	}
	if f.ManualLogin {
		return Decision{Outcome: PassThrough, Reason: ReasonManualLogin}
	}
	return Decision{Outcome: RedirectToSignIn, Reason: ReasonNoSession, Location: r.SignInLocation(f.Path, false)}
}

func resolveAccess(access AccessFunc) domainauth.AccessDecision {
	if access == nil {
		return domainauth.DefaultAccess()
	}
	return access()
}

// SignInLocation builds the sign-in redirect target carrying return_to.
func (r Routes) SignInLocation(returnTo string, tokenError bool) string {
	q := url.Values{}
	if rt := SafeReturnTo(returnTo); rt != "" {
		q.Set(ParamReturnTo, rt)
	}
	if tokenError {
		q.Set(ParamTokenError, "true")
	}
	return WithParams(r.signInPath(), q)
}

func (r Routes) dashboardLocation(fromAuth bool) string {
	path := r.DashboardPath
	if path == "" {
		path = "/dashboard"
	}
	if !fromAuth {
		return path
	}
	return WithParams(path, url.Values{ParamFromAuth: {"true"}, ParamHasSession: {"true"}})
}

func (r Routes) adminLocation() string {
	path := r.AdminPath
	if path == "" {
		path = "/admin"
	}
	return WithParams(path, url.Values{ParamFromAuth: {"true"}, ParamHasSession: {"true"}})
}

func (r Routes) signInPath() string {
	if r.SignInPath == "" {
		return "/sign-in"
	}
	return r.SignInPath
}
