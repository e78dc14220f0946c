package relay

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	r := chi.NewRouter()
	hub.Mount(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, wsURL
}

func dialTestClient(t *testing.T, wsURL string, local wire.PeerID) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, fmt.Sprintf("%s/relay/%s", wsURL, local.String()), local)
	if err != nil {
		t.Fatalf("dial relay hub: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForEvent(t *testing.T, c *Client, want transport.EventKind) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("client event channel closed before a %v event arrived", want)
		}
		if ev.Kind != want {
			t.Fatalf("expected event kind %v, got %+v", want, ev)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a %v event", want)
	}
	return transport.Event{}
}

func TestHubRelaysUnicastPacketBetweenClients(t *testing.T) {
	_, wsURL := startTestHub(t)

	alice := dialTestClient(t, wsURL, wire.PeerID{1})
	bob := dialTestClient(t, wsURL, wire.PeerID{2})
	// Give the hub a moment to register both upgraded connections before
	// sending, since registration happens asynchronously from Dial's
	// perspective.
	time.Sleep(100 * time.Millisecond)

	pkt := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypePing,
		SenderID:     wire.PeerID{1},
		RecipientID:  wire.PeerID{2},
		HasRecipient: true,
		TTL:          3,
		Payload:      []byte("ping over relay"),
	}
	raw, err := wire.Encode(pkt, 0)
	if err != nil {
		t.Fatalf("encode packet: %v", err)
	}

	if !alice.SendPacket(wire.PeerID{2}, raw) {
		t.Fatalf("expected send to the hub to succeed")
	}

	ev := waitForEvent(t, bob, transport.EventPacketReceived)
	if ev.Peer != (wire.PeerID{1}) {
		t.Fatalf("expected relayed packet to report sender %v, got %v", wire.PeerID{1}, ev.Peer)
	}
	got, err := wire.Decode(ev.Packet)
	if err != nil {
		t.Fatalf("decode relayed packet: %v", err)
	}
	if string(got.Payload) != "ping over relay" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}

	// The client should also now consider the sender Reachable, having
	// observed a packet from them.
	found := false
	for _, p := range bob.Reachable() {
		if p == (wire.PeerID{1}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bob to mark alice reachable after receiving a packet")
	}
}

func TestHubBroadcastsToEveryPeerExceptSender(t *testing.T) {
	_, wsURL := startTestHub(t)

	alice := dialTestClient(t, wsURL, wire.PeerID{3})
	bob := dialTestClient(t, wsURL, wire.PeerID{4})
	carol := dialTestClient(t, wsURL, wire.PeerID{5})
	time.Sleep(100 * time.Millisecond)

	pkt := &wire.Packet{
		Version:  wire.CurrentVersion,
		Type:     wire.TypePublicMessage,
		SenderID: wire.PeerID{3},
		TTL:      3,
		Payload:  []byte("hello mesh"),
	}
	raw, err := wire.Encode(pkt, 0)
	if err != nil {
		t.Fatalf("encode packet: %v", err)
	}
	if !alice.SendPacket(wire.PeerID{}, raw) {
		t.Fatalf("expected broadcast send to succeed")
	}

	waitForEvent(t, bob, transport.EventPacketReceived)
	waitForEvent(t, carol, transport.EventPacketReceived)
}

func TestClientConnectedIsAlwaysEmpty(t *testing.T) {
	_, wsURL := startTestHub(t)
	c := dialTestClient(t, wsURL, wire.PeerID{6})
	if len(c.Connected()) != 0 {
		t.Fatalf("expected the relay client to never report a Connected peer")
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	_, wsURL := startTestHub(t)
	c := dialTestClient(t, wsURL, wire.PeerID{7})
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
