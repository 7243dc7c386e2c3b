// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/realtime"
)

// WebSocketHandler upgrades authenticated requests into realtime
// sessions. Authentication is fail-closed: the token is resolved before
// the upgrade, and a request without a valid identity never reaches the
// hub.
type WebSocketHandler struct {
	hub        *realtime.Hub
	jwtManager *auth.JWTManager
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler creates the upgrade handler. checkOrigin decides
// which Origin headers are acceptable; CORS middleware does not apply
// to websocket upgrades.
func NewWebSocketHandler(hub *realtime.Hub, jwtManager *auth.JWTManager, checkOrigin func(*http.Request) bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		jwtManager: jwtManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP handles GET /api/v1/ws.
//
// The token comes from the Authorization header or, because browser
// websocket clients cannot set headers, the "token" query parameter.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		WriteError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing token")
		return
	}

	identity, err := h.jwtManager.ResolveIdentity(token)
	if err != nil {
		logging.Warn().
			Str("remote_addr", remoteIP(r)).
			Msg("rejected websocket upgrade with invalid token")
		WriteError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := realtime.NewClient(h.hub, conn, identity)
	h.hub.Register <- client
	client.Start()

	logging.Info().
		Str("user_id", identity.UserID).
		Str("session_id", client.SessionID()).
		Msg("websocket session established")
}
