package api

import (
	"context"
	"net/http"
	"time"

	"github.com/avenna/biolit/internal/session"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "user_session"

type ctxKey int

const sessionKey ctxKey = 0

// SessionCookie resolves the request's session from the user_session cookie,
// creating one when the cookie is missing, malformed, or stale, and re-issues
// the cookie on every response so the TTL slides.
func SessionCookie(registry *session.Registry, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			if c, err := r.Cookie(SessionCookieName); err == nil {
				token = c.Value
			}

			s, _, err := registry.ResolveOrCreate(token)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve session: %v", err)
				return
			}
			if err := s.Initialize(); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to initialize session: %v", err)
				return
			}

			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    s.ID(),
				Path:     "/",
				MaxAge:   int(ttl.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, s)))
		})
	}
}

// sessionFrom returns the session the middleware attached to the request.
func sessionFrom(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionKey).(*session.Session)
	return s
}
