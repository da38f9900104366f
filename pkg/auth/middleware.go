package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const contextUserID contextKey = "userID"

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextUserID, userID)
}

// UserID returns the authenticated user id stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextUserID).(string)
	return id, ok && id != ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Middleware rejects requests without a valid bearer token by calling deny, and otherwise
// passes the request on with the user id in its context.
func Middleware(v *Verifier, deny func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.Verify(BearerToken(r))
			if err != nil {
				deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
