// Package guard holds the navigation decision rules shared by the edge route guard
// and the post-hydration client guard.
package guard

import "strings"

// RouteClass is the guard's classification of a request path.
type RouteClass string

const (
	ClassStatic    RouteClass = "static"
	ClassAPI       RouteClass = "api"
	ClassAuthOnly  RouteClass = "auth_only"
	ClassProtected RouteClass = "protected"
	ClassAdmin     RouteClass = "admin"
	ClassPublic    RouteClass = "public"
)

// Protected reports whether the class requires a signed-in user.
func (c RouteClass) Protected() bool { return c == ClassProtected || c == ClassAdmin }

// Routes classifies paths by prefix. Zero value classifies everything as public;
// use DefaultRoutes for the portal layout.
type Routes struct {
	Static    []string
	API       []string
	AuthOnly  []string
	Admin     []string
	Protected []string

	SignInPath    string
	DashboardPath string
	AdminPath     string
}

// DefaultRoutes returns the portal's route layout.
func DefaultRoutes() Routes {
	return Routes{
		Static:        []string{"/_next/", "/static/", "/images/", "/favicon.ico", "/robots.txt", "/sitemap.xml"},
		API:           []string{"/api/"},
		AuthOnly:      []string{"/sign-in", "/sign-up"},
		Admin:         []string{"/admin"},
		Protected:     []string{"/dashboard", "/assets", "/billing", "/subscriptions", "/reports", "/settings", "/onboarding"},
		SignInPath:    "/sign-in",
		DashboardPath: "/dashboard",
		AdminPath:     "/admin",
	}
}

// Classify returns the class for path. Static and API prefixes win over page prefixes.
func (r Routes) Classify(path string) RouteClass {
	switch {
	case hasAnyPrefix(path, r.Static):
		return ClassStatic
	case hasAnyPrefix(path, r.API):
		return ClassAPI
	case matchesAnySegment(path, r.AuthOnly):
		return ClassAuthOnly
	case matchesAnySegment(path, r.Admin):
		return ClassAdmin
	case matchesAnySegment(path, r.Protected):
		return ClassProtected
	default:
		return ClassPublic
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// matchesAnySegment matches "/admin" and "/admin/x" but not "/administrator".
func matchesAnySegment(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
