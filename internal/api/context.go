package api

import (
	"context"

	"github.com/classpad/classwork-engine/internal/models"
)

type contextKey string

const (
	userContextKey       contextKey = "api_user"
	membershipContextKey contextKey = "api_membership"
)

// UserFromContext extracts the authenticated user from context
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// ContextWithUser adds the authenticated user to context
func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// MembershipFromContext extracts the caller's class membership from context
func MembershipFromContext(ctx context.Context) *models.Membership {
	m, ok := ctx.Value(membershipContextKey).(*models.Membership)
	if !ok {
		return nil
	}
	return m
}

// ContextWithMembership adds the caller's class membership to context
func ContextWithMembership(ctx context.Context, m *models.Membership) context.Context {
	return context.WithValue(ctx, membershipContextKey, m)
}
