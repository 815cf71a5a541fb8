package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/coreason-ai/ai-gateway/internal/identity"
)

// ProjectIDHeader carries the caller's project/tenant identifier. It is
// folded into the derived identity when present.
const ProjectIDHeader = "X-Coreason-Project-Id"

// bypassPaths are served without authentication.
var bypassPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthGateMiddleware validates the gateway access token and attaches the
// derived pseudonymous identity to the request context. Failure messages
// are generic and never echo the presented token.
func AuthGateMiddleware(accessToken string) func(http.Handler) http.Handler {
	secret := []byte(accessToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypassPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				WriteDetail(w, http.StatusUnauthorized, "Missing Authorization Header")
				return
			}

			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
				WriteDetail(w, http.StatusUnauthorized, "Invalid Authorization Scheme")
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), secret) != 1 {
				WriteDetail(w, http.StatusUnauthorized, "Invalid Gateway Access Token")
				return
			}

			id := identity.Derive(token, r.Header.Get(ProjectIDHeader))
			if id.Sub == "" {
				// A failed identity construction is a bug, not a bad
				// credential.
				WriteDetail(w, http.StatusInternalServerError, "Authentication Context Error")
				return
			}

			ctx := identity.NewContext(r.Context(), id)
			AddLogField(ctx, "identity", id.Sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
