package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// TokenFromRequest reads the service token from the Authorization header.
// Browsers cannot set headers on websocket upgrades, so when allowQuery is set
// the token query param is used as a fallback.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}
