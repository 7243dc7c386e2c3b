// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package realtime

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/metrics"
	"github.com/lexforum/lexforum/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 // 16 KB, chat frames are small

	// typingEventsPerSecond caps how fast a single session may emit
	// TYPING frames; excess frames are dropped, not queued.
	typingEventsPerSecond = 4
	typingBurst           = 8
)

// clientIDCounter generates unique, monotonically increasing IDs for
// clients so broadcast order is stable within a process run.
var clientIDCounter atomic.Uint64

// Client is the middleman between one websocket connection and the hub.
// The identity is bound at handshake time and never changes for the
// lifetime of the connection; the session ID distinguishes this
// connection from any other connection the same user may open.
type Client struct {
	id        uint64
	hub       *Hub
	conn      *websocket.Conn
	send      chan Message
	identity  auth.Identity
	sessionID string

	// joined flips when the client's JOIN frame is accepted. Only the
	// readPump goroutine touches it.
	joined bool

	typing *rate.Limiter
}

// NewClient creates a client bound to the given identity. The identity
// may be zero only in tests; the HTTP layer refuses the upgrade before
// a client without one is ever constructed.
func NewClient(hub *Hub, conn *websocket.Conn, identity auth.Identity) *Client {
	return &Client{
		id:        clientIDCounter.Add(1),
		hub:       hub,
		conn:      conn,
		send:      make(chan Message, 256),
		identity:  identity,
		sessionID: uuid.New().String(),
		typing:    rate.NewLimiter(rate.Limit(typingEventsPerSecond), typingBurst),
	}
}

// ID returns the client's unique identifier for deterministic ordering.
func (c *Client) ID() uint64 {
	return c.id
}

// SessionID returns the connection's session identifier.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Identity returns the identity bound at handshake.
func (c *Client) Identity() auth.Identity {
	return c.identity
}

// readPump pumps frames from the websocket connection into the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close() // best-effort cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame models.Frame
		err := c.conn.ReadJSON(&frame)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("session_id", c.sessionID).Msg("unexpected websocket close error")
			}
			break
		}

		c.hub.HandleFrame(c, &frame)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() // best-effort cleanup
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	metrics.WSConnections.Inc()
	go c.writePump()
	go c.readPump()
}
