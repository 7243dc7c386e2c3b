// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/metering"
	mw "github.com/lexforum/lexforum/internal/middleware"
	"github.com/lexforum/lexforum/internal/models"
	"github.com/lexforum/lexforum/internal/presence"
)

// Handlers bundles the HTTP handlers with their dependencies.
type Handlers struct {
	registry *presence.Registry
	meter    *metering.Meter
}

// NewHandlers creates the handler set.
func NewHandlers(registry *presence.Registry, meter *metering.Meter) *Handlers {
	return &Handlers{registry: registry, meter: meter}
}

// GetPresence returns the current roster snapshot, split into regular
// users and professionals.
func (h *Handlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.registry.Snapshot())
}

// validateKeyRequest is the body of POST /keys/validate.
type validateKeyRequest struct {
	Token string `json:"token"`
}

// validateKeyResponse is deliberately a bare boolean: the endpoint never
// distinguishes unknown tokens from bad secrets or expired keys.
type validateKeyResponse struct {
	Valid bool `json:"valid"`
}

// ValidateKey checks a plaintext usage key token. Always answers 200
// with {valid:bool} for any parseable body, so probing responses leak
// nothing about key existence.
func (h *Handlers) ValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewResponseWriter(w, r).BadRequest("invalid JSON body")
		return
	}

	WriteSuccess(w, r, validateKeyResponse{
		Valid: h.meter.Validate(r.Context(), req.Token),
	})
}

// keyResponse is a key snapshot plus the plaintext token, present only
// on the response that provisioned the key.
type keyResponse struct {
	models.UsageKeySnapshot
	Token string `json:"token,omitempty"`
}

// GetMyKey returns the caller's usage key, provisioning one on first
// use. The plaintext token appears exactly once, in the provisioning
// response; it is not recoverable afterwards.
func (h *Handlers) GetMyKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		NewResponseWriter(w, r).Unauthorized("authentication required")
		return
	}

	snapshot, plaintext, err := h.meter.EnsureKey(r.Context(), identity.UserID)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("user_id", identity.UserID).Msg("usage key lookup failed")
		NewResponseWriter(w, r).InternalError("could not resolve usage key")
		return
	}

	resp := keyResponse{UsageKeySnapshot: snapshot, Token: plaintext}
	if plaintext != "" {
		NewResponseWriter(w, r).Created(resp)
		return
	}
	WriteSuccess(w, r, resp)
}

// consumeRequest is the body of POST /keys/me/consume.
type consumeRequest struct {
	Category string `json:"category" validate:"required,max=32"`
}

// ConsumeQuota deducts one call from the caller's key under the named
// category and returns the updated snapshot. Denials map to distinct
// statuses per the metering error taxonomy.
func (h *Handlers) ConsumeQuota(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		NewResponseWriter(w, r).Unauthorized("authentication required")
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewResponseWriter(w, r).BadRequest("invalid JSON body")
		return
	}
	if req.Category == "" {
		NewResponseWriter(w, r).ValidationError("category is required")
		return
	}

	snapshot, err := h.meter.WithQuota(r.Context(), identity.UserID, req.Category, func(context.Context) error {
		// The consume endpoint's protected operation is the deduction
		// itself; nothing else to do.
		return nil
	})
	if err != nil {
		status, code, message := mw.MapQuotaError(err)
		WriteError(w, r, status, code, message)
		return
	}

	WriteSuccess(w, r, snapshot)
}

// DeactivateKey turns the caller's key off. The key stays visible via
// GET /keys/me, but every eligibility check fails with the inactive
// error until a new key is provisioned out of band.
func (h *Handlers) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		NewResponseWriter(w, r).Unauthorized("authentication required")
		return
	}

	if err := h.meter.Deactivate(r.Context(), identity.UserID); err != nil {
		status, code, message := mw.MapQuotaError(err)
		WriteError(w, r, status, code, message)
		return
	}

	snapshot, _, err := h.meter.EnsureKey(r.Context(), identity.UserID)
	if err != nil {
		NewResponseWriter(w, r).InternalError("could not resolve usage key")
		return
	}
	WriteSuccess(w, r, snapshot)
}

// ExportUsageReport returns a usage report for the caller's key. The
// route sits behind the quota gate with the "pdf" category: the
// deduction happens only after this handler answers 2xx.
func (h *Handlers) ExportUsageReport(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		NewResponseWriter(w, r).Unauthorized("authentication required")
		return
	}

	snapshot, _, err := h.meter.EnsureKey(r.Context(), identity.UserID)
	if err != nil {
		NewResponseWriter(w, r).InternalError("could not resolve usage key")
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"owner_id":     identity.UserID,
		"display_name": identity.DisplayName,
		"key":          snapshot,
		"online":       h.registry.IsOnline(identity.UserID),
	})
}
