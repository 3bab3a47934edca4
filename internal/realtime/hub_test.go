package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/iscgrou/skywalker/internal/event"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllMessages(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllMessages: true}}

	msg := &Message{Type: MessageEnvelope, Timestamp: time.Now()}
	if !h.shouldSend(client, msg) {
		t.Error("AllMessages client should receive everything")
	}
}

func TestShouldSend_MessageTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MessageTypes: []MessageType{MessageRiskUpdate, MessageRecommendation},
	}}

	risk := &Message{Type: MessageRiskUpdate}
	rec := &Message{Type: MessageRecommendation}
	env := &Message{Type: MessageEnvelope}

	if !h.shouldSend(client, risk) {
		t.Error("Should receive risk updates")
	}
	if !h.shouldSend(client, rec) {
		t.Error("Should receive recommendations")
	}
	if h.shouldSend(client, env) {
		t.Error("Should NOT receive envelope frames")
	}
}

func TestShouldSend_DomainAndKindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Domains: []string{"security"},
		Kinds:   []string{"security.signal"},
	}}

	matching := &Message{Type: MessageEnvelope, Domain: "security", Kind: "security.signal"}
	wrongDomain := &Message{Type: MessageEnvelope, Domain: "ops", Kind: "security.signal"}
	wrongKind := &Message{Type: MessageEnvelope, Domain: "security", Kind: "user.anomaly"}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on domain and kind")
	}
	if h.shouldSend(client, wrongDomain) {
		t.Error("Should NOT match a filtered-out domain")
	}
	if h.shouldSend(client, wrongKind) {
		t.Error("Should NOT match a filtered-out kind")
	}
}

func TestShouldSend_MinPriorityFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{MinPriority: 4}}

	urgent := &Message{Type: MessageEnvelope, Priority: 5}
	routine := &Message{Type: MessageEnvelope, Priority: 2}
	risk := &Message{Type: MessageRiskUpdate}

	if !h.shouldSend(client, urgent) {
		t.Error("Should receive high-priority envelope")
	}
	if h.shouldSend(client, routine) {
		t.Error("Should NOT receive low-priority envelope")
	}
	if !h.shouldSend(client, risk) {
		t.Error("MinPriority filter should only apply to envelopes")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllMessages
	client := &Client{sub: Subscription{}}

	msg := &Message{Type: MessageEnvelope}
	if !h.shouldSend(client, msg) {
		t.Error("Empty subscription (no filters) should receive messages")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalMessages"].(int64) != 0 {
		t.Errorf("Expected 0 total messages, got %v", stats["totalMessages"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Message{Type: MessageRiskUpdate, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalMessages"].(int64) != 1 {
		t.Errorf("Expected 1 total message, got %v", stats["totalMessages"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllMessages: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastEnvelopeToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllMessages: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastEnvelope(event.New(event.DomainSecurity, event.KindSecuritySignal, "realtime_test"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants recommendations
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{MessageTypes: []MessageType{MessageRecommendation}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an envelope frame (should be filtered out)
	h.Broadcast(&Message{Type: MessageEnvelope, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive envelope frame")
	default:
		// Good - filtered out
	}

	// Send a recommendation (should be received)
	h.Broadcast(&Message{Type: MessageRecommendation, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive recommendation")
	}
}
