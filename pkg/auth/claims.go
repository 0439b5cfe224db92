// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth defines the authenticated caller model shared by the
// token validator, the service registry, and the request middleware.
package auth

import (
	"context"
	"fmt"
	"time"
)

// Role is the caller's permission level. Roles are ordered: a higher
// role can do everything a lower role can.
type Role int

// Permission levels, lowest to highest.
const (
	RoleUser Role = iota
	RoleBilling
	RoleAdmin
)

// ParseRole maps the permission_level claim to a Role. Unknown or
// missing values degrade to RoleUser.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "billing":
		return RoleBilling
	default:
		return RoleUser
	}
}

// String returns the wire form of the role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleBilling:
		return "billing"
	default:
		return "user"
	}
}

// AtLeast reports whether the role meets the given minimum.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// UserClaims is the authenticated caller derived from a validated
// access token. It is reconstructed on every request and never stored
// in the session cookie.
type UserClaims struct {
	// Subject is the unique identifier of the principal ('sub' claim).
	Subject string

	// Email is the caller's email address, used for preference lookups.
	Email string

	// Role is the caller's permission level ('permission_level' claim).
	Role Role

	// ExpiresAt is the token expiry ('exp' claim).
	ExpiresAt time.Time

	// TokenID is the token's unique identifier ('jti' claim), when present.
	TokenID string
}

// String redacts nothing sensitive but keeps log lines short.
func (c *UserClaims) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserClaims{Subject:%q, Role:%q}", c.Subject, c.Role)
}

// ClaimsContextKey is the key used to store UserClaims in the request
// context. An empty struct key cannot collide with keys from other
// packages.
type ClaimsContextKey struct{}

// WithClaims stores claims in the context. A nil claims value returns
// the context unchanged.
func WithClaims(ctx context.Context, claims *UserClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves the authenticated caller from the
// context. Returns nil and false when the request is unauthenticated.
func ClaimsFromContext(ctx context.Context) (*UserClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*UserClaims)
	return claims, ok
}
