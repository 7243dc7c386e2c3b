// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package realtime

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/models"
	"github.com/lexforum/lexforum/internal/presence"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func startHub(t *testing.T) (*Hub, *presence.Registry) {
	t.Helper()
	registry := presence.NewRegistry()
	hub := NewHub(registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.RunWithContext(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop after context cancellation")
		}
	})
	return hub, registry
}

func joinClient(t *testing.T, hub *Hub, userID, displayName string, category models.UserCategory) *Client {
	t.Helper()
	c := NewClient(hub, nil, auth.Identity{
		UserID:      userID,
		DisplayName: displayName,
		Category:    category,
	})
	hub.Register <- c
	waitForClients(t, hub, userID)
	hub.HandleFrame(c, &models.Frame{Type: models.EnvelopeJoin})
	return c
}

// waitForClients blocks until the hub goroutine has admitted the user.
func waitForClients(t *testing.T, hub *Hub, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, ok := hub.byUser[userID]
		hub.mu.RUnlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client for %s never registered", userID)
}

// recvType reads from the client's queue until a message of the wanted
// type arrives, skipping presence churn along the way.
func recvType(t *testing.T, c *Client, wantType string) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %s", wantType)
			}
			if msg.Type == wantType {
				return msg
			}
			if msg.Type != MessageTypePresence {
				t.Fatalf("unexpected message type %s while waiting for %s", msg.Type, wantType)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message type %s", wantType)
		}
	}
}

// assertNoChat verifies no chat message reaches the client within a
// short window; presence messages are ignored.
func assertNoChat(t *testing.T, c *Client) {
	t.Helper()
	timeout := time.After(150 * time.Millisecond)
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if msg.Type == MessageTypePublicChat || msg.Type == MessageTypePrivateChat {
				t.Fatalf("client received unexpected chat message: %+v", msg)
			}
		case <-timeout:
			return
		}
	}
}

func TestJoinRegistersPresence(t *testing.T) {
	hub, registry := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)

	if !registry.IsOnline("alice") {
		t.Error("alice should be online after JOIN")
	}

	msg := recvType(t, alice, MessageTypePresence)
	snapshot, ok := msg.Data.(models.PresenceSnapshot)
	if !ok {
		t.Fatalf("presence payload has wrong type: %T", msg.Data)
	}
	if snapshot.TotalOnline != 1 {
		t.Errorf("total online = %d, want 1", snapshot.TotalOnline)
	}
}

func TestPublicChatReachesEveryone(t *testing.T) {
	hub, _ := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryRegular)
	carol := joinClient(t, hub, "carol", "Carol", models.CategoryProfessional)

	hub.HandleFrame(alice, &models.Frame{Type: models.EnvelopeChat, Content: "hello all"})

	for _, c := range []*Client{alice, bob, carol} {
		msg := recvType(t, c, MessageTypePublicChat)
		envelope, ok := msg.Data.(models.Envelope)
		if !ok {
			t.Fatalf("chat payload has wrong type: %T", msg.Data)
		}
		if envelope.SenderID != "alice" || envelope.Content != "hello all" {
			t.Errorf("unexpected envelope: %+v", envelope)
		}
		if envelope.ID == "" || envelope.Timestamp.IsZero() {
			t.Error("server must stamp envelope ID and timestamp")
		}
	}
}

func TestPrivateChatDoubleDelivery(t *testing.T) {
	hub, _ := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryProfessional)
	carol := joinClient(t, hub, "carol", "Carol", models.CategoryRegular)

	hub.HandleFrame(alice, &models.Frame{
		Type:       models.EnvelopeChat,
		ReceiverID: "bob",
		Content:    "confidential",
	})

	// Receiver gets the envelope.
	bobMsg := recvType(t, bob, MessageTypePrivateChat)
	bobEnvelope := bobMsg.Data.(models.Envelope)
	if bobEnvelope.SenderID != "alice" || bobEnvelope.ReceiverID != "bob" {
		t.Errorf("unexpected envelope at receiver: %+v", bobEnvelope)
	}

	// Sender gets the very same envelope echoed back.
	aliceMsg := recvType(t, alice, MessageTypePrivateChat)
	aliceEnvelope := aliceMsg.Data.(models.Envelope)
	if aliceEnvelope.ID != bobEnvelope.ID {
		t.Errorf("echo envelope ID %s differs from receiver's %s", aliceEnvelope.ID, bobEnvelope.ID)
	}

	// A third party never sees it.
	assertNoChat(t, carol)
}

func TestUnboundSessionFramesAreDropped(t *testing.T) {
	hub, registry := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)

	// A session that never bound an identity.
	ghost := NewClient(hub, nil, auth.Identity{})
	hub.Register <- ghost

	before := registry.CountOnline()
	hub.HandleFrame(ghost, &models.Frame{Type: models.EnvelopeJoin})
	hub.HandleFrame(ghost, &models.Frame{Type: models.EnvelopeChat, Content: "spoofed"})

	if registry.CountOnline() != before {
		t.Error("unbound session must not mutate the presence registry")
	}
	assertNoChat(t, alice)
}

func TestChatBeforeJoinIsDropped(t *testing.T) {
	hub, registry := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)

	// Authenticated but never sent JOIN.
	bob := NewClient(hub, nil, auth.Identity{UserID: "bob", DisplayName: "Bob", Category: models.CategoryRegular})
	hub.Register <- bob
	waitForClients(t, hub, "bob")

	hub.HandleFrame(bob, &models.Frame{Type: models.EnvelopeChat, Content: "too early"})

	if registry.IsOnline("bob") {
		t.Error("bob must not be online before JOIN")
	}
	assertNoChat(t, alice)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	hub, _ := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryRegular)

	hub.HandleFrame(alice, &models.Frame{Type: "SHOUT", Content: "??"})

	assertNoChat(t, bob)
}

func TestNilFrameDoesNotKillSession(t *testing.T) {
	hub, _ := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)

	hub.HandleFrame(alice, nil)

	hub.HandleFrame(alice, &models.Frame{Type: models.EnvelopeChat, Content: "still here"})
	msg := recvType(t, alice, MessageTypePublicChat)
	if msg.Data.(models.Envelope).Content != "still here" {
		t.Error("session should survive a dispatch panic")
	}
}

func TestTypingIndicatorsAreThrottled(t *testing.T) {
	hub, _ := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryRegular)

	const sent = 20
	for i := 0; i < sent; i++ {
		hub.HandleFrame(alice, &models.Frame{Type: models.EnvelopeTyping})
	}

	received := 0
	timeout := time.After(300 * time.Millisecond)
drain:
	for {
		select {
		case msg := <-bob.send:
			if msg.Type == MessageTypePublicTyping {
				received++
			}
		case <-timeout:
			break drain
		}
	}

	if received >= sent {
		t.Errorf("typing throttle let all %d frames through", sent)
	}
	if received == 0 {
		t.Error("typing throttle must not drop everything")
	}
}

func TestDisconnectRemovesPresenceAndAnnounces(t *testing.T) {
	hub, registry := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryRegular)

	// Drain bob's queue up to the two-user roster.
	for {
		msg := recvType(t, bob, MessageTypePresence)
		if msg.Data.(models.PresenceSnapshot).TotalOnline == 2 {
			break
		}
	}

	hub.Unregister <- alice

	deadline := time.Now().Add(2 * time.Second)
	for registry.IsOnline("alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice still online after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for {
		msg := recvType(t, bob, MessageTypePresence)
		if msg.Data.(models.PresenceSnapshot).TotalOnline == 1 {
			return
		}
	}
}

func TestSlowClientEvictionClearsPresence(t *testing.T) {
	hub, registry := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryRegular)

	// Drain bob to the two-user roster so the next presence message he
	// sees is the eviction announcement.
	for {
		msg := recvType(t, bob, MessageTypePresence)
		if msg.Data.(models.PresenceSnapshot).TotalOnline == 2 {
			break
		}
	}

	// Fill alice's queue without draining it; the next fan-out finds it
	// full and evicts her.
	filler := Message{Type: MessageTypePublicChat, Data: "backlog"}
fill:
	for {
		select {
		case alice.send <- filler:
		default:
			break fill
		}
	}
	hub.broadcastToClients(Message{Type: MessageTypePublicChat, Data: "overflow"})

	if registry.IsOnline("alice") {
		t.Error("evicted client must leave the presence registry")
	}

	// Bob gets the overflow message, then the roster without alice.
	recvType(t, bob, MessageTypePublicChat)
	for {
		msg := recvType(t, bob, MessageTypePresence)
		if msg.Data.(models.PresenceSnapshot).TotalOnline == 1 {
			break
		}
	}

	// The transport-level unregister trailing the eviction is a no-op.
	hub.Unregister <- alice
	time.Sleep(50 * time.Millisecond)
	if !registry.IsOnline("bob") || registry.CountOnline() != 1 {
		t.Errorf("roster after trailing unregister: online = %d, want bob only", registry.CountOnline())
	}
}

func TestPresencePullReturnsSnapshotToRequester(t *testing.T) {
	hub, _ := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	bob := joinClient(t, hub, "bob", "Bob", models.CategoryProfessional)

	// Settle both queues on the two-user roster so the next presence
	// message each side sees is unambiguous.
	for _, c := range []*Client{alice, bob} {
		for {
			msg := recvType(t, c, MessageTypePresence)
			if msg.Data.(models.PresenceSnapshot).TotalOnline == 2 {
				break
			}
		}
	}

	hub.HandleFrame(alice, &models.Frame{Type: models.EnvelopePresencePull})

	msg := recvType(t, alice, MessageTypePresence)
	snapshot, ok := msg.Data.(models.PresenceSnapshot)
	if !ok {
		t.Fatalf("pull response has wrong payload type: %T", msg.Data)
	}
	if snapshot.TotalOnline != 2 || len(snapshot.Lawyers) != 1 {
		t.Errorf("unexpected pull snapshot: %+v", snapshot)
	}

	// The pull is unicast: nothing reaches the other client.
	select {
	case extra := <-bob.send:
		t.Errorf("pull must not broadcast, other client received %s", extra.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestChatAdvancesSenderActivity(t *testing.T) {
	hub, registry := startHub(t)

	alice := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	joinClient(t, hub, "bob", "Bob", models.CategoryProfessional)

	before, ok := registry.StatusOf("alice")
	if !ok {
		t.Fatal("alice should be online after JOIN")
	}
	time.Sleep(15 * time.Millisecond)

	hub.HandleFrame(alice, &models.Frame{
		Type:       models.EnvelopeChat,
		ReceiverID: "bob",
		Content:    "need advice",
	})

	after, _ := registry.StatusOf("alice")
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Error("sending chat must advance the sender's last-activity timestamp")
	}
}

func TestReconnectSupersedesOldSession(t *testing.T) {
	hub, registry := startHub(t)

	first := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)
	second := joinClient(t, hub, "alice", "Alice", models.CategoryRegular)

	if first.SessionID() == second.SessionID() {
		t.Fatal("sessions must be distinct")
	}

	// The stale tab disconnecting must not knock the fresh session offline.
	hub.Unregister <- first

	time.Sleep(50 * time.Millisecond)
	if !registry.IsOnline("alice") {
		t.Error("reconnect session should keep alice online after the old session closes")
	}
	if registry.CountOnline() != 1 {
		t.Errorf("online count = %d, want 1", registry.CountOnline())
	}
}
