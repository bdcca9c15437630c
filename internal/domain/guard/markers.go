package guard

import (
	"net/url"
	"strings"
)

// Query-string markers exchanged between redirects and the receiving page.
const (
	ParamFromAuth   = "from_auth"
	ParamFromSignin = "from_signin"
	ParamHasSession = "has_session"
	ParamTokenError = "token_error"
	ParamSignOut    = "signout"
	ParamReturnTo   = "return_to"
	ParamForce      = "force"
)

var markerParams = []string{
	ParamFromAuth, ParamFromSignin, ParamHasSession, ParamTokenError, ParamSignOut, ParamReturnTo, ParamForce,
}

// Markers is the parsed marker set of a navigation.
type Markers struct {
	FromAuth      bool
	FromSignin    bool
	HasSession    bool
	TokenError    bool
	SignOutOK     bool
	Force         bool
	ReturnTo      string
	AnyMarkerSeen bool
}

// ParseMarkers reads the marker parameters from q.
func ParseMarkers(q url.Values) Markers {
	m := Markers{
		FromAuth:   q.Get(ParamFromAuth) == "true",
		FromSignin: q.Get(ParamFromSignin) == "true",
		HasSession: q.Get(ParamHasSession) == "true",
		TokenError: q.Get(ParamTokenError) == "true",
		SignOutOK:  q.Get(ParamSignOut) == "success",
		Force:      q.Get(ParamForce) == "true",
		ReturnTo:   SafeReturnTo(q.Get(ParamReturnTo)),
	}
	for _, p := range markerParams {
		if q.Has(p) {
			m.AnyMarkerSeen = true
			break
		}
	}
	return m
}

// StripMarkers returns the request URI of u without any marker parameters.
// Receiving pages replace their URL with this so each marker is consumed once.
func StripMarkers(u *url.URL) string {
	if u == nil {
		return "/"
	}
	q := u.Query()
	for _, p := range markerParams {
		q.Del(p)
	}
	out := url.URL{Path: u.Path, RawQuery: q.Encode()}
	if out.Path == "" {
		out.Path = "/"
	}
	return out.String()
}

// SafeReturnTo returns candidate when it is a same-origin relative path, or "" otherwise.
func SafeReturnTo(candidate string) string {
	if candidate == "" {
		return ""
	}
	u, err := url.Parse(candidate)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(candidate, "//") {
		return ""
	}
	return candidate
}

// WithParams appends query parameters to a relative path.
func WithParams(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
