package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// contextKey is a private type so request-scoped values cannot collide
// with other packages.
type contextKey string

const (
	claimsKey contextKey = "auth_claims"
)

// WithClaims stores the validated token claims on the context.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims extracts the validated claims, erroring when absent.
func GetClaims(ctx context.Context) (*auth.Claims, error) {
	val := ctx.Value(claimsKey)
	if val == nil {
		return nil, fmt.Errorf("claims not found in context")
	}
	claims, ok := val.(*auth.Claims)
	if !ok {
		return nil, fmt.Errorf("claims have wrong type: %T", val)
	}
	return claims, nil
}

// MustGetClaims extracts claims guaranteed by the auth middleware.
func MustGetClaims(ctx context.Context) *auth.Claims {
	claims, err := GetClaims(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return claims
}

// GetUserID returns the authenticated user's id from context.
func GetUserID(ctx context.Context) (uuid.UUID, error) {
	claims, err := GetClaims(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return claims.UserID, nil
}
