package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"poolplane/internal/logger"
	"poolplane/pkg/api"
)

// RequireInternalAuth guards the endpoints workers call (log shipping) with
// the shared system secret. An empty secret disables the internal API.
func RequireInternalAuth(systemSecret string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.New()
	}
	secret := []byte(systemSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeError(w, http.StatusForbidden, "Internal API disabled")
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Missing or malformed authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), secret) != 1 {
				logger.FromContext(r.Context(), log).Warn("rejected internal call",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeError(w, http.StatusUnauthorized, "Invalid authorization token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(status),
	})
}
