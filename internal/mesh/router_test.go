package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	received []*wire.Packet
}

func (d *recordingDispatcher) HandleLocal(fromTransport transport.Transport, pkt *wire.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, pkt)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func newTestRouter(t *testing.T, local wire.PeerID, cfg Config, d Dispatcher) *Router {
	t.Helper()
	r, err := NewRouter(local, cfg, d)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func TestHandleInboundDispatchesUnicastAddressedToLocal(t *testing.T) {
	local := wire.PeerID{1}
	d := &recordingDispatcher{}
	r := newTestRouter(t, local, DefaultConfig(), d)
	tr := transport.NewMemoryTransport(wire.PeerID{9})
	r.RegisterTransport(tr)

	pkt := &wire.Packet{Version: wire.CurrentVersion, Type: wire.TypePing, SenderID: wire.PeerID{2}, RecipientID: local, HasRecipient: true, TTL: 3, Payload: []byte("ping")}
	raw, _ := wire.Encode(pkt, 0)

	r.HandleInbound(tr, raw)
	if d.count() != 1 {
		t.Fatalf("expected 1 dispatched packet, got %d", d.count())
	}
}

func TestHandleInboundDedupesRepeatedPacket(t *testing.T) {
	local := wire.PeerID{1}
	d := &recordingDispatcher{}
	r := newTestRouter(t, local, DefaultConfig(), d)
	tr := transport.NewMemoryTransport(wire.PeerID{9})
	r.RegisterTransport(tr)

	pkt := &wire.Packet{Version: wire.CurrentVersion, Type: wire.TypePing, SenderID: wire.PeerID{2}, RecipientID: local, HasRecipient: true, TTL: 3, Payload: []byte("ping")}
	raw, _ := wire.Encode(pkt, 0)

	r.HandleInbound(tr, raw)
	r.HandleInbound(tr, raw)
	if d.count() != 1 {
		t.Fatalf("expected duplicate packet to be suppressed, dispatched %d times", d.count())
	}
}

func TestHandleInboundDoesNotForwardWhenTTLExhausted(t *testing.T) {
	local := wire.PeerID{1}
	d := &recordingDispatcher{}
	cfg := DefaultConfig()
	r := newTestRouter(t, local, cfg, d)
	inbound := transport.NewMemoryTransport(wire.PeerID{9})
	outbound := transport.NewMemoryTransport(wire.PeerID{10})
	outbound.SetConnected(wire.PeerID{}, true)
	r.RegisterTransport(inbound)
	r.RegisterTransport(outbound)

	pkt := &wire.Packet{Version: wire.CurrentVersion, Type: wire.TypePublicMessage, SenderID: wire.PeerID{2}, TTL: 1, Payload: []byte("broadcast")}
	raw, _ := wire.Encode(pkt, 0)

	r.HandleInbound(inbound, raw)
	if len(outbound.SentTo(wire.PeerID{})) != 0 {
		t.Fatalf("expected no forwarding with ttl=1 (forwarded packet would carry ttl=0)")
	}
}

func TestHandleInboundForwardsBroadcastWithDecrementedTTL(t *testing.T) {
	local := wire.PeerID{1}
	d := &recordingDispatcher{}
	cfg := DefaultConfig()
	r := newTestRouter(t, local, cfg, d)
	inbound := transport.NewMemoryTransport(wire.PeerID{9})
	outbound := transport.NewMemoryTransport(wire.PeerID{10})
	// Broadcast forwards carry a zero RecipientID; MemoryTransport treats
	// the zero PeerID as any other destination key, so mark it connected.
	outbound.SetConnected(wire.PeerID{}, true)
	r.RegisterTransport(inbound)
	r.RegisterTransport(outbound)

	pkt := &wire.Packet{Version: wire.CurrentVersion, Type: wire.TypePublicMessage, SenderID: wire.PeerID{2}, TTL: 3, Payload: []byte("broadcast")}
	raw, _ := wire.Encode(pkt, 0)

	r.HandleInbound(inbound, raw)

	sent := outbound.SentTo(wire.PeerID{})
	if len(sent) != 1 {
		t.Fatalf("expected 1 forwarded packet, got %d", len(sent))
	}
	forwarded, err := wire.Decode(sent[0])
	if err != nil {
		t.Fatalf("decode forwarded packet: %v", err)
	}
	if forwarded.TTL != 2 {
		t.Fatalf("expected decremented ttl 2, got %d", forwarded.TTL)
	}
	// Broadcast packets are both forwarded and dispatched locally.
	if d.count() != 1 {
		t.Fatalf("expected broadcast packet to also dispatch locally, got %d", d.count())
	}
}

func TestFragmentAndSendReassemblesAcrossTheWire(t *testing.T) {
	sender := wire.PeerID{1}
	receiverLocal := wire.PeerID{2}
	d := &recordingDispatcher{}
	senderRouter := newTestRouter(t, sender, Config{RelayEnabled: true, MaxFragmentSize: 8, DedupCapacity: 64, DedupWindow: time.Minute, ReassemblyTimeout: time.Minute}, d)
	receiverRouter := newTestRouter(t, receiverLocal, DefaultConfig(), d)

	pkt := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeFileMetadata,
		SenderID:     sender,
		RecipientID:  receiverLocal,
		HasRecipient: true,
		TTL:          3,
		Payload:      []byte("this payload is definitely longer than eight bytes"),
	}
	transferID := wire.NewTransferID()

	var frames [][]byte
	err := senderRouter.FragmentAndSend(pkt, transferID, func(raw []byte) error {
		frames = append(frames, raw)
		return nil
	})
	if err != nil {
		t.Fatalf("fragment and send: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected the payload to be split into multiple fragments, got %d", len(frames))
	}

	dummyTransport := transport.NewMemoryTransport(wire.PeerID{99})
	for _, raw := range frames {
		receiverRouter.HandleInbound(dummyTransport, raw)
	}
	if d.count() != 1 {
		t.Fatalf("expected exactly 1 reassembled packet dispatched, got %d", d.count())
	}
	reassembled := d.received[0]
	if string(reassembled.Payload) != string(pkt.Payload) {
		t.Fatalf("reassembled payload mismatch: %q != %q", reassembled.Payload, pkt.Payload)
	}
	if reassembled.Type != wire.TypeFileMetadata {
		t.Fatalf("expected reassembled packet to keep its original type %d, got %d", wire.TypeFileMetadata, reassembled.Type)
	}
}
