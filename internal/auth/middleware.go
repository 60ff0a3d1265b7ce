package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TokenLocation selects how the identity token travels between client and
// server. It is a single process-wide setting.
type TokenLocation string

const (
	// TokenInHeaders expects "Authorization: Bearer <jwt>" on protected calls.
	TokenInHeaders TokenLocation = "headers"
	// TokenInCookies sets an HttpOnly cookie on login and reads it back.
	TokenInCookies TokenLocation = "cookies"
)

// CookieName is the cookie carrying the JWT in cookie mode.
const CookieName = "access_token_cookie"

// ParseTokenLocation validates a configuration value.
func ParseTokenLocation(s string) (TokenLocation, error) {
	switch TokenLocation(strings.ToLower(strings.TrimSpace(s))) {
	case TokenInHeaders, "":
		return TokenInHeaders, nil
	case TokenInCookies:
		return TokenInCookies, nil
	}
	return "", fmt.Errorf("auth: unknown token location %q (want headers or cookies)", s)
}

// contextKey is an unexported type used for context keys in this package.
// Only this package can create a key of type contextKey, so no other package
// can read or shadow the user ID stored below.
type contextKey string

const userIDKey contextKey = "userID"

var errNoToken = errors.New("auth: no token presented")

// RequireAuth is a middleware that enforces authentication on protected routes.
//
// It reads the JWT from the configured location, decodes it, and stores the
// user ID in the request context. If the token is missing or invalid, it
// returns 401 Unauthorized and stops the request chain.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(tokens *TokenService, loc TokenLocation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extractUserID(r, tokens, loc)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthenticated","message":"valid authentication required"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// ContextWithUserID returns a copy of ctx carrying the authenticated user ID.
// RequireAuth is the only production caller; tests use it to skip token minting.
func ContextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext retrieves the authenticated user's ID from the request context.
//
// Returns (0, false) if the request carried no valid token.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok && id > 0
}

// extractUserID reads the JWT from the configured location and decodes it.
func extractUserID(r *http.Request, tokens *TokenService, loc TokenLocation) (int64, error) {
	var raw string

	switch loc {
	case TokenInCookies:
		cookie, err := r.Cookie(CookieName)
		if err != nil {
			return 0, errNoToken
		}
		raw = cookie.Value
	default:
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return 0, errNoToken
		}
		raw = strings.TrimSpace(token)
	}

	if raw == "" {
		return 0, errNoToken
	}
	return tokens.Decode(raw)
}
