package server

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/gommon/log"

	"reproserver/internal/auth"
)

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Log       *log.Logger
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// newAuthMiddleware guards the worker routes. Public routes are reachable
// without credentials; their tokens are the capability.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	workerPrefix := path.Join(basePath, "worker") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, workerPrefix) {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := auth.BearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, err := auth.Verify(token, cfg.JWTSecret, cfg.Issuer)
			if err != nil {
				if cfg.Log != nil {
					cfg.Log.Debugf("worker auth rejected from %s: %v", req.RemoteAddr, err)
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			if !principal.HasRole(auth.RoleWorker) {
				respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "worker role required", map[string]any{"role": auth.RoleWorker}))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}
