package api

import (
	"net/http"
	"strings"
)

const tokenCookieKey = "token"

// tokenFromRequest returns the bearer credential presented on the
// handshake. Browsers cannot set headers on a WebSocket upgrade, so the
// query string and the session cookie are accepted as well. The first
// non-empty source wins: query, Authorization header, cookie.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}

	if cookie, err := r.Cookie(tokenCookieKey); err == nil {
		return cookie.Value
	}

	return ""
}
