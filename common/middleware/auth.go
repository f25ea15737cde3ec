package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
)

// TokenValidator checks a bearer token presented by a caller.
type TokenValidator interface {
	Validate(token string) error
}

// TokenValidatorFunc adapts a function to TokenValidator.
type TokenValidatorFunc func(token string) error

// Validate calls f(token).
func (f TokenValidatorFunc) Validate(token string) error {
	return f(token)
}

// BearerAuth rejects requests whose Authorization header does not carry a
// bearer token accepted by v.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				unauthorized(w, "invalid authorization header")
				return
			}

			if err := v.Validate(parts[1]); err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="conversion-relay"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
