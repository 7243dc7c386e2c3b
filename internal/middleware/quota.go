// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package middleware

import (
	"errors"
	"net/http"

	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/metering"
)

// QuotaGate returns a middleware that meters the wrapped handler under
// the caller's usage key. Eligibility is checked before the handler
// runs; the deduction happens only when the handler answers with a 2xx
// status, so failed operations never charge the user. The category is
// an explicit parameter of the gate, never inferred from the URL.
//
// Must be mounted behind RequireAuth: a request without an identity is
// a programming error answered with 401.
func QuotaGate(meter *metering.Meter, category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeQuotaError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}

			if _, _, err := meter.EnsureKey(r.Context(), identity.UserID); err != nil {
				logging.Error().Err(err).Str("user_id", identity.UserID).Msg("usage key provisioning failed")
				writeQuotaError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not resolve usage key")
				return
			}

			if err := meter.CheckEligible(identity.UserID); err != nil {
				status, code, message := mapQuotaError(err)
				writeQuotaError(w, status, code, message)
				return
			}

			wrapper := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(wrapper, r)

			// Deduct only for successful responses. Consume re-validates
			// under the meter lock, so a concurrent request racing past
			// the pre-check cannot overdraw the key; a late denial here
			// is logged and swallowed since the response already went out.
			if wrapper.statusCode >= 200 && wrapper.statusCode < 300 {
				if _, err := meter.Consume(r.Context(), identity.UserID, category); err != nil {
					logging.Warn().
						Err(err).
						Str("user_id", identity.UserID).
						Str("category", category).
						Msg("post-response quota deduction denied")
				}
			}
		})
	}
}

// MapQuotaError translates a metering sentinel into HTTP terms. Shared
// with the api package so inline consume paths answer identically.
func MapQuotaError(err error) (status int, code, message string) {
	return mapQuotaError(err)
}

func mapQuotaError(err error) (int, string, string) {
	switch {
	case errors.Is(err, metering.ErrLimitExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED", "usage limit exceeded"
	case errors.Is(err, metering.ErrExpired):
		return http.StatusTooManyRequests, "KEY_EXPIRED", "usage key expired"
	case errors.Is(err, metering.ErrInactive):
		return http.StatusForbidden, "KEY_INACTIVE", "usage key deactivated"
	case errors.Is(err, metering.ErrKeyNotFound):
		return http.StatusNotFound, "NOT_FOUND", "usage key not found"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "quota check failed"
	}
}

// writeQuotaError writes a minimal JSON error without importing the api
// package (which imports this one).
func writeQuotaError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
