package auth

import (
	"context"

	"github.com/priorauth/priorauth/internal/platform/db"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the signed-in caller as seen by the data layer and by outbound
// clients. AccessToken is the caller's own bearer token.
type Identity struct {
	UserID      string
	Email       string
	Role        string
	AccessToken string
}

// DBClaims returns the claims row-level security evaluates for this caller.
func (i Identity) DBClaims() db.Claims {
	return db.Claims{Subject: i.UserID, Role: i.Role, Email: i.Email}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by WithIdentity or by
// JWTMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
