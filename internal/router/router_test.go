package router

import (
	"testing"
	"time"

	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

func newTestMessageRouter(t *testing.T) (*MessageRouter, *MemoryOutbox) {
	t.Helper()
	outbox := NewMemoryOutbox()
	r := NewMessageRouter(outbox, NewMemoryFavorites())
	return r, outbox
}

func TestSendPrivateDeliversImmediatelyWhenConnected(t *testing.T) {
	r, outbox := newTestMessageRouter(t)
	peer := wire.PeerID{1}
	tr := transport.NewMemoryTransport(wire.PeerID{0})
	tr.SetConnected(peer, true)
	r.RegisterTransport(tr)

	if err := r.SendPrivate(peer, "m1", []byte("hello")); err != nil {
		t.Fatalf("send private: %v", err)
	}

	sent := tr.SentTo(peer)
	if len(sent) != 1 || string(sent[0]) != "hello" {
		t.Fatalf("expected immediate delivery, got %v", sent)
	}
	entries, _ := outbox.ListByPeer(peer)
	if len(entries) != 1 || entries[0].SentAt == nil {
		t.Fatalf("expected outbox entry to be marked sent")
	}
}

func TestSendPrivateQueuesWhenNoTransportAvailable(t *testing.T) {
	r, outbox := newTestMessageRouter(t)
	peer := wire.PeerID{2}

	if err := r.SendPrivate(peer, "m1", []byte("hello")); err != nil {
		t.Fatalf("send private: %v", err)
	}

	entries, _ := outbox.ListByPeer(peer)
	if len(entries) != 1 || entries[0].SentAt != nil {
		t.Fatalf("expected entry to remain queued with no transport, got %+v", entries)
	}
}

func TestFlushPeerDeliversInFIFOOrder(t *testing.T) {
	r, _ := newTestMessageRouter(t)
	peer := wire.PeerID{3}

	if err := r.SendPrivate(peer, "m1", []byte("one")); err != nil {
		t.Fatalf("send m1: %v", err)
	}
	if err := r.SendPrivate(peer, "m2", []byte("two")); err != nil {
		t.Fatalf("send m2: %v", err)
	}

	tr := transport.NewMemoryTransport(wire.PeerID{0})
	tr.SetConnected(peer, true)
	r.RegisterTransport(tr)
	r.FlushPeer(peer)

	sent := tr.SentTo(peer)
	if len(sent) != 2 || string(sent[0]) != "one" || string(sent[1]) != "two" {
		t.Fatalf("expected FIFO delivery [one two], got %v", sent)
	}
}

func TestFlushPeerRespectsCooldown(t *testing.T) {
	r, _ := newTestMessageRouter(t)
	r.SetResendCooldown(time.Hour)
	peer := wire.PeerID{4}

	tr := transport.NewMemoryTransport(wire.PeerID{0})
	tr.SetConnected(peer, true)
	r.RegisterTransport(tr)

	if err := r.SendPrivate(peer, "m1", []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(tr.SentTo(peer)) != 1 {
		t.Fatalf("expected the first attempt to go out immediately")
	}

	r.FlushPeer(peer)
	if len(tr.SentTo(peer)) != 1 {
		t.Fatalf("expected cooldown to suppress an immediate resend, got %d sends", len(tr.SentTo(peer)))
	}
}

func TestConfirmDeliveryRemovesEntryAndIsIdempotent(t *testing.T) {
	r, outbox := newTestMessageRouter(t)
	peer := wire.PeerID{5}
	_ = r.SendPrivate(peer, "m1", []byte("one"))

	var lastStatus string
	r.OnDeliveryStatus = func(_ wire.PeerID, _ string, status string) { lastStatus = status }

	r.ConfirmDelivery(peer, "m1")
	if lastStatus != "delivered" {
		t.Fatalf("expected delivered status callback, got %q", lastStatus)
	}
	entries, _ := outbox.ListByPeer(peer)
	if len(entries) != 0 {
		t.Fatalf("expected entry removed after confirmation")
	}

	// Second confirmation of the same, already-removed message is a no-op.
	r.ConfirmDelivery(peer, "m1")
}

func TestFlushPeerPrefersConnectedOverReachable(t *testing.T) {
	r, _ := newTestMessageRouter(t)
	peer := wire.PeerID{6}

	reachableOnly := transport.NewMemoryTransport(wire.PeerID{0})
	reachableOnly.SetReachable(peer, true)
	connected := transport.NewMemoryTransport(wire.PeerID{1})
	connected.SetConnected(peer, true)
	r.RegisterTransport(reachableOnly)
	r.RegisterTransport(connected)

	_ = r.SendPrivate(peer, "m1", []byte("x"))

	if len(connected.SentTo(peer)) != 1 {
		t.Fatalf("expected delivery via the connected transport")
	}
	if len(reachableOnly.SentTo(peer)) != 0 {
		t.Fatalf("expected no delivery via the reachable-only transport")
	}
}

func TestMarkFavoriteUpdatesIsFavorite(t *testing.T) {
	r, _ := newTestMessageRouter(t)
	peer := wire.PeerID{7}

	if r.IsFavorite(peer) {
		t.Fatalf("expected peer to start as a non-favorite")
	}
	if err := r.MarkFavorite(peer, true); err != nil {
		t.Fatalf("mark favorite: %v", err)
	}
	if !r.IsFavorite(peer) {
		t.Fatalf("expected peer to be a favorite after marking")
	}
}

func TestPendingPeerIDsReflectsOutstandingEntries(t *testing.T) {
	r, _ := newTestMessageRouter(t)
	peer := wire.PeerID{8}
	_ = r.SendPrivate(peer, "m1", []byte("x"))

	pending := r.PendingPeerIDs()
	if len(pending) != 1 || pending[0] != peer {
		t.Fatalf("expected peer %v pending, got %v", peer, pending)
	}

	r.ConfirmDelivery(peer, "m1")
	if len(r.PendingPeerIDs()) != 0 {
		t.Fatalf("expected no pending peers after confirmation")
	}
}
