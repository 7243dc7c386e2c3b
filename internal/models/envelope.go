// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package models

import (
	"time"

	"github.com/google/uuid"
)

// EnvelopeType classifies a realtime frame.
type EnvelopeType string

const (
	EnvelopeJoin         EnvelopeType = "JOIN"
	EnvelopeChat         EnvelopeType = "CHAT"
	EnvelopeTyping       EnvelopeType = "TYPING"
	EnvelopeStopTyping   EnvelopeType = "STOP_TYPING"
	EnvelopePresencePull EnvelopeType = "PRESENCE_PULL"
)

// Frame is the client-supplied portion of a realtime message. Sender
// identity is deliberately absent: it is always stamped server-side from
// the authenticated connection, never trusted from the wire.
type Frame struct {
	Type       EnvelopeType `json:"type" validate:"required,oneof=JOIN CHAT TYPING STOP_TYPING PRESENCE_PULL"`
	ReceiverID string       `json:"receiver_id,omitempty" validate:"omitempty,max=64"`
	Content    string       `json:"content,omitempty" validate:"max=8192"`
}

// Envelope is a transient realtime message, constructed per inbound frame,
// dispatched, then discarded. Never persisted.
type Envelope struct {
	ID         string       `json:"id"`
	SenderID   string       `json:"sender_id"`
	SenderName string       `json:"sender_name"`
	ReceiverID string       `json:"receiver_id,omitempty"`
	Type       EnvelopeType `json:"type"`
	Content    string       `json:"content,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh ID and timestamp, stamping
// the authenticated sender identity over whatever the client sent.
func NewEnvelope(senderID, senderName string, frame Frame) Envelope {
	return Envelope{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		SenderName: senderName,
		ReceiverID: frame.ReceiverID,
		Type:       frame.Type,
		Content:    frame.Content,
		Timestamp:  time.Now().UTC(),
	}
}

// Private reports whether the envelope is addressed to a single user.
func (e Envelope) Private() bool {
	return e.ReceiverID != ""
}
