package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// AdminSecretHeader carries the shared operator secret on HTTP requests.
const AdminSecretHeader = "X-Admin-Secret"

var errUnauthorized = errors.New("unauthorized")

// adminSecretMatches compares the presented secret in constant time. The
// admin websocket cannot set headers from a browser, so a token query
// parameter is accepted as an alternative carrier.
func adminSecretMatches(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	presented := strings.TrimSpace(r.Header.Get(AdminSecretHeader))
	if presented == "" {
		presented = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// requireAdmin wraps a handler with the shared-secret check.
func requireAdmin(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !adminSecretMatches(r, secret) {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next(w, r)
	}
}
