// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package auth resolves caller identity from JWT bearer tokens.
//
// Identity is resolved once at the transport boundary (HTTP middleware or
// the websocket upgrade handler) and passed explicitly into the hub and
// meter. Nothing below the boundary reads ambient security state.
package auth

import (
	"context"

	"github.com/lexforum/lexforum/internal/models"
)

// Identity is the authenticated caller attached to a request or a
// realtime connection.
type Identity struct {
	UserID      string
	DisplayName string
	Category    models.UserCategory
	AvatarRef   string
}

// Zero reports whether the identity is unresolved.
func (id Identity) Zero() bool {
	return id.UserID == ""
}

type contextKey string

const identityKey contextKey = "identity"

// ContextWithIdentity stores the identity in the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && !id.Zero()
}
