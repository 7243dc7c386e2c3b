// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package realtime implements the websocket hub: one goroutine owns
// client lifecycle and public fan-out, identities are bound per
// connection at handshake, and frames from sessions that never joined
// are dropped without touching presence or reaching any other session.
package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/metrics"
	"github.com/lexforum/lexforum/internal/models"
	"github.com/lexforum/lexforum/internal/presence"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled indicates the parent context was canceled.
	// This is the normal graceful shutdown path (e.g., SIGTERM).
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline indicates the context deadline was exceeded.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Outbound message types. Chat and typing messages carry their
// audience in the type so clients route them without inspecting the
// payload.
const (
	MessageTypePublicChat    = "chat.public"
	MessageTypePrivateChat   = "chat.private"
	MessageTypePublicTyping  = "typing.public"
	MessageTypePrivateTyping = "typing.private"
	MessageTypePresence      = "presence"
)

// Frame drop reasons, used as metric labels.
const (
	dropReasonUnauthenticated = "unauthenticated"
	dropReasonMalformed       = "malformed"
	dropReasonThrottled       = "throttled"
	dropReasonDispatchError   = "dispatch_error"
)

// Message is the outbound envelope written to websocket clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients, binds them to the presence
// registry, and fans out chat, typing, and presence messages.
type Hub struct {
	clients map[*Client]bool
	// byUser indexes clients by user ID for private delivery. A user
	// with several tabs open has several clients here.
	byUser map[string]map[*Client]bool

	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	registry *presence.Registry
	validate *validator.Validate
}

// NewHub creates a hub bound to the given presence registry.
func NewHub(registry *presence.Registry) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		registry:   registry,
		validate:   validator.New(),
	}
}

// RunWithContext starts the hub with context support for graceful
// shutdown. Designed for use with suture supervision: on cancellation
// every client is closed and the method returns ctx.Err(), so a
// supervisor restart never inherits orphaned connections.
//
// Uses priority-based selection so behavior is predictable when
// multiple channels are ready:
//   - Priority 1: Context cancellation (shutdown)
//   - Priority 2: Client lifecycle events (Register/Unregister)
//   - Priority 3: Broadcast messages
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: Check for shutdown (highest priority, non-blocking)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: Handle client lifecycle events (non-blocking check)
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
			// No lifecycle events pending
		}

		// Priority 3: Handle broadcast messages or wait for any event (blocking)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// addClient admits a client into the hub's tables. Presence is not
// touched here: the user appears online only once their JOIN frame is
// accepted.
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if userID := client.identity.UserID; userID != "" {
		set, ok := h.byUser[userID]
		if !ok {
			set = make(map[*Client]bool)
			h.byUser[userID] = set
		}
		set[client] = true
	}
	total := len(h.clients)
	h.mu.Unlock()

	logging.Info().
		Str("user_id", client.identity.UserID).
		Str("session_id", client.sessionID).
		Int("total_clients", total).
		Msg("websocket client connected")
}

// removeClient drops a client from the hub and, when it had joined,
// from the presence registry. A departure that changes presence is
// announced to the remaining clients.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
		close(client.send)
		if set, ok := h.byUser[client.identity.UserID]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.byUser, client.identity.UserID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !known {
		return
	}
	metrics.WSConnections.Dec()

	logging.Info().
		Str("user_id", client.identity.UserID).
		Str("session_id", client.sessionID).
		Int("total_clients", total).
		Msg("websocket client disconnected")

	// Only the session that owns the presence entry takes it down; a
	// stale tab closing after a reconnect is a no-op.
	if _, removed := h.registry.RemoveBySession(client.sessionID); removed {
		h.announcePresence()
	}
}

// HandleFrame dispatches one inbound frame. Called synchronously from
// the client's readPump, so per-client frame order is preserved. A
// panic in dispatch is contained to the offending frame: the session
// stays up.
func (h *Hub) HandleFrame(c *Client, frame *models.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WSFramesDropped.WithLabelValues(dropReasonDispatchError).Inc()
			logging.Error().
				Interface("panic", r).
				Str("session_id", c.sessionID).
				Msg("frame dispatch panicked")
		}
	}()

	if frame == nil {
		metrics.WSFramesDropped.WithLabelValues(dropReasonMalformed).Inc()
		return
	}

	if c.identity.UserID == "" || (!c.joined && frame.Type != models.EnvelopeJoin) {
		metrics.WSFramesDropped.WithLabelValues(dropReasonUnauthenticated).Inc()
		logging.Warn().
			Str("session_id", c.sessionID).
			Str("frame_type", string(frame.Type)).
			Msg("dropping frame from unbound session")
		return
	}

	if err := h.validate.Struct(frame); err != nil {
		metrics.WSFramesDropped.WithLabelValues(dropReasonMalformed).Inc()
		logging.Warn().
			Err(err).
			Str("session_id", c.sessionID).
			Msg("dropping malformed frame")
		return
	}

	metrics.WSFramesTotal.WithLabelValues(string(frame.Type)).Inc()

	switch frame.Type {
	case models.EnvelopeJoin:
		h.handleJoin(c)
	case models.EnvelopeChat:
		h.handleChat(c, frame)
	case models.EnvelopeTyping, models.EnvelopeStopTyping:
		h.handleTyping(c, frame)
	case models.EnvelopePresencePull:
		h.handlePresencePull(c)
	}
}

// handleJoin binds the session to the presence registry and announces
// the new roster. Re-joining from the same session is idempotent.
func (h *Hub) handleJoin(c *Client) {
	c.joined = true
	h.registry.AddOrReplace(c.identity.UserID, c.identity.DisplayName, c.identity.Category, c.sessionID, c.identity.AvatarRef)
	h.announcePresence()
}

// handleChat fans a chat envelope out. Public messages go to every
// connected client; private messages go to the receiver's sessions AND
// back to the sender's own sessions, so the sender's UI renders its
// message from the same authoritative envelope the receiver saw.
// Either way, sending chat counts as presence activity.
func (h *Hub) handleChat(c *Client, frame *models.Frame) {
	h.registry.Touch(c.identity.UserID)
	envelope := models.NewEnvelope(c.identity.UserID, c.identity.DisplayName, *frame)

	if !envelope.Private() {
		h.enqueueBroadcast(Message{Type: MessageTypePublicChat, Data: envelope})
		metrics.WSDeliveriesTotal.WithLabelValues("public").Inc()
		return
	}

	msg := Message{Type: MessageTypePrivateChat, Data: envelope}
	h.deliverToUser(envelope.ReceiverID, msg)
	if envelope.ReceiverID != c.identity.UserID {
		h.deliverToUser(c.identity.UserID, msg)
	}
	metrics.WSDeliveriesTotal.WithLabelValues("private").Inc()
}

// handleTyping relays typing indicators with the same addressing rules
// as chat, behind a per-session rate limit. Throttled indicators are
// dropped silently: a missing TYPING is cosmetic, a queued one is
// stale by the time it arrives.
func (h *Hub) handleTyping(c *Client, frame *models.Frame) {
	if !c.typing.Allow() {
		metrics.WSFramesDropped.WithLabelValues(dropReasonThrottled).Inc()
		return
	}

	envelope := models.NewEnvelope(c.identity.UserID, c.identity.DisplayName, *frame)
	metrics.WSDeliveriesTotal.WithLabelValues("typing").Inc()

	if !envelope.Private() {
		h.enqueueBroadcast(Message{Type: MessageTypePublicTyping, Data: envelope})
		return
	}
	h.deliverToUser(envelope.ReceiverID, Message{Type: MessageTypePrivateTyping, Data: envelope})
}

// handlePresencePull answers an explicit roster request. The snapshot
// goes only to the requesting session, not the user's other tabs.
func (h *Hub) handlePresencePull(c *Client) {
	snapshot := h.registry.Snapshot()
	metrics.WSDeliveriesTotal.WithLabelValues("presence").Inc()
	select {
	case c.send <- Message{Type: MessageTypePresence, Data: snapshot}:
	default:
		logging.Warn().
			Str("session_id", c.sessionID).
			Msg("client queue full, skipping presence snapshot")
	}
}

// announcePresence broadcasts the current roster snapshot and refreshes
// the online-users gauge.
func (h *Hub) announcePresence() {
	snapshot := h.registry.Snapshot()
	metrics.OnlineUsers.Set(float64(snapshot.TotalOnline))
	metrics.WSDeliveriesTotal.WithLabelValues("presence").Inc()
	h.enqueueBroadcast(Message{Type: MessageTypePresence, Data: snapshot})
}

// enqueueBroadcast hands a message to the hub goroutine. Dropping under
// backpressure is preferred over blocking the caller's readPump.
func (h *Hub) enqueueBroadcast(message Message) {
	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Str("message_type", message.Type).Msg("broadcast channel full, dropping message")
	}
}

// deliverToUser queues a message on every session belonging to the
// user, in stable client-ID order. Sessions with a full queue are
// skipped; the write pump's deadline will reap them shortly.
func (h *Hub) deliverToUser(userID string, message Message) {
	h.mu.RLock()
	set := h.byUser[userID]
	targets := make([]*Client, 0, len(set))
	for client := range set {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].id < targets[j].id
	})

	for _, client := range targets {
		select {
		case client.send <- message:
		default:
			logging.Warn().
				Str("user_id", userID).
				Str("session_id", client.sessionID).
				Msg("client queue full, skipping private delivery")
		}
	}
}

// broadcastToClients sends a message to all connected clients in a
// deterministic order. Clients whose queue is full are evicted: a
// reader that cannot drain 256 messages is gone or stuck. Eviction runs
// the same cleanup as a transport disconnect, so the evicted session
// leaves the presence registry and the later Unregister is a no-op.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var evicted []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			evicted = append(evicted, client)
		}
	}

	for _, client := range evicted {
		close(client.send)
		delete(h.clients, client)
		if set, ok := h.byUser[client.identity.UserID]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.byUser, client.identity.UserID)
			}
		}
	}
	h.mu.Unlock()

	rosterChanged := false
	for _, client := range evicted {
		metrics.WSConnections.Dec()
		logging.Warn().
			Str("user_id", client.identity.UserID).
			Str("session_id", client.sessionID).
			Msg("client queue full, evicting slow client")
		if _, removed := h.registry.RemoveBySession(client.sessionID); removed {
			rosterChanged = true
		}
	}
	if rosterChanged {
		h.announcePresence()
	}
}

// logGracefulShutdown closes all clients and logs structured shutdown
// information. ctx.Err() is not logged as an error because cancellation
// is the expected shutdown path.
func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.ClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "realtime-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("realtime hub stopped")
}

// getShutdownReason determines the shutdown reason from the context error.
func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.Canceled:
		return ShutdownReasonContextCanceled
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// closeAllClients closes every connected client in ID order.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.byUser = make(map[string]map[*Client]bool)
	logging.Info().Msg("closed all realtime clients during shutdown")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
