package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/errors"
)

// RequireBearer rejects requests whose Authorization header does not carry
// token as a bearer credential. An empty token rejects everything.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				env := errors.NewErrorEnvelope("UNAUTHORIZED", "a valid admin bearer token is required").
					WithCorrelationID(GetRequestID(r.Context()))
				writeErrorResponse(w, env, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
