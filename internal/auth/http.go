// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Reads the token from the Authorization header or the token query parameter

package auth

import (
	"net/http"

	"github.com/2389/switchboard/internal/conn"
)

// TokenFromRequest returns the bearer token of r. Browsers cannot set
// headers on WebSocket upgrades, so a "token" query parameter is accepted
// as well.
func TokenFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization header"
}

// HTTPAuthMiddleware authenticates requests as role and adds the Principal
// to the request context.
func HTTPAuthMiddleware(authn Authenticator, role conn.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := TokenFromRequest(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			id, err := Verify(r.Context(), authn, role, token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			p := &Principal{Role: role, Identity: id}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
