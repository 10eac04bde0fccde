// Package identity resolves the caller behind a gateway request.
//
// Four credential forms are tried in a fixed order and the first one that
// yields an identity wins:
//
//  1. a principal already attached to the request context by the login
//     session middleware,
//  2. a subscriber API key (X-API-Key, or "Authorization: Bearer sk_sub_..."),
//  3. an opaque session token cookie backed by the session_tokens table,
//  4. an HS256-signed bearer token whose subject is re-read from the user table.
//
// A failure inside one method only means "no match"; resolution moves on to
// the next method.
package identity

import (
	"context"
	"strconv"

	"github.com/gluk-w/shellgate/internal/database"
)

// Identity is the normalized caller. It is never persisted by the gateway.
type Identity struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	Name               string `json:"name"`
	Role               string `json:"role"`
	SubscriptionStatus string `json:"subscriptionStatus"`
	PlanID             string `json:"planId"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == "admin"
}

// HasActiveSubscription reports whether the subscription grants access.
func (i *Identity) HasActiveSubscription() bool {
	if i == nil {
		return false
	}
	switch i.SubscriptionStatus {
	case "active", "trialing":
		return true
	}
	return false
}

// FromUser converts a stored user into an Identity.
func FromUser(u *database.User) *Identity {
	return &Identity{
		ID:                 strconv.FormatUint(uint64(u.ID), 10),
		Email:              u.Email,
		Name:               u.Name,
		Role:               u.Role,
		SubscriptionStatus: u.SubscriptionStatus,
		PlanID:             u.PlanID,
	}
}

type principalKey struct{}

// WithPrincipal attaches an already-verified identity to ctx.
func WithPrincipal(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

// PrincipalFromContext returns the identity attached by WithPrincipal, or nil.
func PrincipalFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(principalKey{}).(*Identity)
	return id
}
