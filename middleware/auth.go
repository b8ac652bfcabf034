package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"claimsync/models"
)

type contextKey string

const identityContextKey contextKey = "identity"

// TokenResolver maps a bearer token to the identity it belongs to.
type TokenResolver interface {
	UserByToken(ctx context.Context, token string) (models.Contact, error)
}

// Auth checks the bearer token and adds the identity to the request context.
func Auth(resolver TokenResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
				return
			}

			identity, err := resolver.UserByToken(r.Context(), token)
			if err != nil {
				logger.Debug("Rejected credential", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, `{"error": "Invalid credential"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext retrieves the authenticated identity.
func IdentityFromContext(ctx context.Context) (models.Contact, bool) {
	identity, ok := ctx.Value(identityContextKey).(models.Contact)
	return identity, ok
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("missing bearer token")
	}
	return strings.TrimSpace(token), nil
}
