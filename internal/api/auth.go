package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth checks the Authorization header against the configured token.
// Browsers cannot set headers on an EventSource, so the events stream also
// accepts ?access_token=.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, msg := requestToken(r)
		if msg != "" {
			s.writeError(w, http.StatusUnauthorized, msg)
			return
		}

		if !constantTimeEqual(token, s.config.Token) {
			s.logger.Warn("rejected request with invalid token", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) (string, string) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if r.URL.Path == "/v1/chat/events" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				return token, ""
			}
		}
		return "", "missing Authorization header"
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", "invalid Authorization header format"
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", "missing token"
	}
	return token, ""
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
