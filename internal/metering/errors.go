// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package metering

import "errors"

// Sentinel errors for the metering error taxonomy. The API layer maps
// these to distinct status codes; they must not be collapsed into a
// generic failure on the way up.
var (
	// ErrLimitExceeded means the key's quota is exhausted (429-class).
	ErrLimitExceeded = errors.New("usage limit exceeded")

	// ErrExpired means the key is past its expiry. Surfaced with the same
	// status class as ErrLimitExceeded but a distinct message.
	ErrExpired = errors.New("usage key expired")

	// ErrInactive means the key was explicitly deactivated.
	ErrInactive = errors.New("usage key inactive")

	// ErrKeyNotFound means no key exists for the owner or token.
	ErrKeyNotFound = errors.New("usage key not found")
)
