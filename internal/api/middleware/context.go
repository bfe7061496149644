package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

type contextKey string

const callerKey contextKey = "caller"

func withCaller(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, callerKey, key)
}

func caller(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(callerKey).(*models.APIKey)
	return key, ok && key != nil
}

// GetUserID returns the caller identified by the API key.
func GetUserID(r *http.Request) (uuid.UUID, bool) {
	key, ok := caller(r)
	if !ok {
		return uuid.Nil, false
	}
	return key.UserID, true
}

// HasScope reports whether the authenticated key carries scope.
func HasScope(r *http.Request, scope string) bool {
	key, ok := caller(r)
	return ok && key.HasScope(scope)
}

// WithIdentity returns ctx carrying an authenticated identity. Handler tests
// use it in place of the Authenticate middleware.
func WithIdentity(ctx context.Context, userID uuid.UUID, keyPrefix string, scopes ...string) context.Context {
	return withCaller(ctx, &models.APIKey{UserID: userID, KeyPrefix: keyPrefix, Scopes: scopes})
}
