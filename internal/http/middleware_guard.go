package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/domain/guard"
	"github.com/assetlens/portal/internal/service/flagstore"
	"github.com/assetlens/portal/internal/service/resolver"
	"github.com/assetlens/portal/internal/service/routeguard"
)

// NavigationGuard decides one navigation at the edge.
type NavigationGuard interface {
	Evaluate(ctx context.Context, req routeguard.Request) routeguard.Result
}

// SessionResolver resolves the session behind a flag store.
type SessionResolver interface {
	Resolve(ctx context.Context, flags *flagstore.Store) resolver.Resolution
}

// AccessDecider derives access decisions for sessions.
type AccessDecider interface {
	Decide(ctx context.Context, sess *domainauth.Session) domainauth.AccessDecision
}

// EdgeGuardConfig configures EdgeGuard.
type EdgeGuardConfig struct {
	Guard             NavigationGuard
	Flags             *FlagStores
	TrustForwardedFor bool
	Logger            *slog.Logger
}

// EdgeGuard runs the route guard before every request reaches its handler.
// Redirects and rate-limit rejections end the request; everything else passes
// with the resolved session attached to the context.
func EdgeGuard(cfg EdgeGuardConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flags, err := cfg.Flags.Edge(w, r)
			if err != nil {
				logger.ErrorContext(r.Context(), "edge guard flag store", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			res := cfg.Guard.Evaluate(r.Context(), routeguard.Request{
				URL:       r.URL,
				ClientKey: ClientKey(r, cfg.TrustForwardedFor),
				Flags:     flags,
			})
			w.Header().Set("X-Guard-Decision", fmt.Sprintf("%s; reason=%s", res.Outcome, res.Reason))

			switch {
			case res.Outcome == guard.RateLimitReject:
				w.Header().Set("Retry-After", retryAfterSeconds(res))
				WriteJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":   "rate_limited",
					"message": "Too many requests. Please retry later.",
				})
				return
			case res.Outcome.IsRedirect():
				status := http.StatusTemporaryRedirect
				if r.Method != http.MethodGet && r.Method != http.MethodHead {
					status = http.StatusSeeOther
				}
				http.Redirect(w, r, res.Location, status)
				return
			}

			ctx := r.Context()
			if res.Resolution != nil {
				ctx = SetResolutionInContext(ctx, res.Resolution)
				ctx = SetSessionInContext(ctx, res.Resolution.Session)
			}
			if res.Access != nil {
				ctx = SetAccessInContext(ctx, *res.Access)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func retryAfterSeconds(res routeguard.Result) string {
	secs := int(math.Ceil(res.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprint(secs)
}

// AuthenticateConfig configures Authenticate.
type AuthenticateConfig struct {
	Resolver SessionResolver
	Access   AccessDecider
	Flags    *FlagStores
	Logger   *slog.Logger
}

// Authenticate resolves the caller's session for API handlers, which the edge
// guard passes without resolving. A resolution already attached is reused.
func Authenticate(cfg AuthenticateConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			res, ok := GetResolutionFromContext(ctx)
			if !ok {
				flags, err := cfg.Flags.Edge(w, r)
				if err != nil {
					logger.ErrorContext(ctx, "authenticate flag store", "error", err)
					next.ServeHTTP(w, r)
					return
				}
				resolved := cfg.Resolver.Resolve(ctx, flags)
				res = &resolved
				ctx = SetResolutionInContext(ctx, res)
			}
			if res.Session != nil {
				ctx = SetSessionInContext(ctx, res.Session)
				if _, has := GetAccessFromContext(ctx); !has && cfg.Access != nil {
					ctx = SetAccessInContext(ctx, cfg.Access.Decide(ctx, res.Session))
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
