package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned when a request reached a handler without claims.
var ErrNoIdentity = errors.New("user not found in context")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// GetUserIDFromContext extracts the user ID from JWT claims in the context.
// Returns empty string if not authenticated or claims are missing.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// RequireIdentity returns the caller's user id and email.
// The email may be empty; the user id may not.
func RequireIdentity(ctx context.Context) (Identity, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil || claims.Subject == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}
