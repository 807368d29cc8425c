package auth

import (
	"context"
	"fmt"
)

// GetSubjectFromContext extracts the token subject from JWT claims in the context.
// Returns empty string if not authenticated.
func GetSubjectFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// RequireSubjectFromContext extracts the token subject and returns an error if not found.
func RequireSubjectFromContext(ctx context.Context) (string, error) {
	subject := GetSubjectFromContext(ctx)
	if subject == "" {
		return "", fmt.Errorf("subject not found in context")
	}
	return subject, nil
}
