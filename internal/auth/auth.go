// Package auth implements Discord OAuth2 login, durable cookie sessions,
// and the middleware that resolves a request to a user id.
package auth

import (
	"context"
	"log/slog"
	"net/http"
)

// SessionCookie is the name of the session token cookie.
const SessionCookie = "instancer_session"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the authenticated user id, or "" if the
// request is unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware resolves the session cookie to a user id and stores it in the
// request context. Requests without a valid session are rejected.
func Middleware(sessions *SessionStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := sessions.Lookup(r.Context(), cookie.Value)
			if err != nil {
				logger.Error("looking up session", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if userID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
