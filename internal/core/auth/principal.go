// Package auth carries the authenticated principal through a request context.
// Authentication itself happens in front of this service.
package auth

import "context"

// Anonymous is the identity used when no principal is attached.
const Anonymous = "anonymous"

type principalKey struct{}

// WithUser returns a copy of ctx carrying the given user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey{}, userID)
}

// UserID returns the user id attached to ctx, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// UserOrAnonymous returns the attached user id or Anonymous.
func UserOrAnonymous(ctx context.Context) string {
	if id, ok := UserID(ctx); ok {
		return id
	}
	return Anonymous
}
