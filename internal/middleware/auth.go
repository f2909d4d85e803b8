package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg})
}

// RequireAuth rejects requests without "Authorization: Bearer <token>".
// With disabled set every request passes. An empty token with auth enabled
// rejects everything.
func RequireAuth(token string, disabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if disabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || !validBearer(r, token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="hostdeck"`)
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validBearer(r *http.Request, token string) bool {
	got := r.Header.Get("Authorization")
	if got == "" {
		// Browsers cannot set headers on websocket upgrades.
		if q := r.URL.Query().Get("token"); q != "" && isUpgrade(r) {
			got = "Bearer " + q
		}
	}
	scheme, value, ok := strings.Cut(got, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(value)), []byte(token)) == 1
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
