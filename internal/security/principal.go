package security

import (
	"context"
	"net/http"
)

// UserIDHeader carries the authenticated user identity, set by the edge
// gateway that terminates authentication in front of this service.
const UserIDHeader = "X-User-ID"

type principalKey struct{}

// Principal requires an authenticated user on every request it wraps.
func Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserIDHeader)
		if userID == "" {
			WriteJSONError(w, r, http.StatusUnauthorized, "missing_principal")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the authenticated user ID, or "".
func PrincipalFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(principalKey{}).(string); ok {
		return s
	}
	return ""
}
