// Package transport defines BitChat's uniform transport abstraction
// (spec.md §4.5): a transport offers unicast send, a current
// connected-peer set, a reachable-but-not-connected set, and a stream
// of observable events. BLE and Internet-relay transports are external
// collaborators conforming to this interface; internal/transport/relay
// provides the websocket-based relay implementation, and this package
// also provides a deterministic in-memory transport used by tests
// (spec.md §9 Design Notes: "Testing uses a
// deterministic in-memory transport that records sent frames in
// order").
package transport

import (
	"sync"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// EventKind enumerates the observable events a Transport emits
// (spec.md §4.5).
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventPacketReceived
	EventDeliveryConfirmed
	EventReadReceiptReceived
)

// Event is a single observable transport event.
type Event struct {
	Kind      EventKind
	Peer      wire.PeerID
	Packet    []byte // raw framed packet bytes, set for EventPacketReceived
	MessageID string // set for EventDeliveryConfirmed / EventReadReceiptReceived
}

// Transport is the abstract collaborator the mesh and message router
// layers send through and receive events from (spec.md §4.5). A
// conforming transport MUST NOT reorder messages submitted for the
// same destination peer.
type Transport interface {
	// LocalID is this transport's local peer identifier.
	LocalID() wire.PeerID

	// Connected returns peers this transport currently holds a live
	// link to.
	Connected() []wire.PeerID

	// Reachable returns peers not currently Connected but still
	// plausibly reachable (e.g. BLE retention window, or a mutual-
	// favorite relay hop).
	Reachable() []wire.PeerID

	// SendPacket submits a fully-framed wire packet for delivery to
	// "to". It returns true when the transport has committed to
	// carrying it (not necessarily yet delivered), and false when it
	// must be queued externally — a false return is not a terminal
	// failure (spec.md §4.5, §7 BackpressureFromTransport).
	SendPacket(to wire.PeerID, raw []byte) bool

	// Events returns the channel of observable transport events. It is
	// closed when the transport is closed.
	Events() <-chan Event

	Close() error
}

// MemoryTransport is a deterministic, in-process Transport used by
// tests: it records every accepted send, in order, per destination
// peer, and lets the test control the Connected/Reachable sets and
// inject inbound events.
type MemoryTransport struct {
	local wire.PeerID

	mu         sync.Mutex
	connected  map[wire.PeerID]bool
	reachable  map[wire.PeerID]bool
	sentByPeer map[wire.PeerID][][]byte
	// AcceptSend, if set, decides whether SendPacket returns true for a
	// given peer; defaults to "true iff peer is Connected or
	// Reachable".
	AcceptSend func(to wire.PeerID) bool

	events chan Event
	closed bool
}

// NewMemoryTransport creates a MemoryTransport identified by local.
func NewMemoryTransport(local wire.PeerID) *MemoryTransport {
	return &MemoryTransport{
		local:      local,
		connected:  make(map[wire.PeerID]bool),
		reachable:  make(map[wire.PeerID]bool),
		sentByPeer: make(map[wire.PeerID][][]byte),
		events:     make(chan Event, 256),
	}
}

func (m *MemoryTransport) LocalID() wire.PeerID { return m.local }

func (m *MemoryTransport) Connected() []wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.PeerID, 0, len(m.connected))
	for p := range m.connected {
		out = append(out, p)
	}
	return out
}

func (m *MemoryTransport) Reachable() []wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.PeerID, 0, len(m.reachable))
	for p := range m.reachable {
		out = append(out, p)
	}
	return out
}

// SetConnected marks peer as connected or not, emitting the
// corresponding event.
func (m *MemoryTransport) SetConnected(peer wire.PeerID, connected bool) {
	m.mu.Lock()
	was := m.connected[peer]
	if connected {
		m.connected[peer] = true
	} else {
		delete(m.connected, peer)
	}
	m.mu.Unlock()

	if connected && !was {
		m.emit(Event{Kind: EventPeerConnected, Peer: peer})
	} else if !connected && was {
		m.emit(Event{Kind: EventPeerDisconnected, Peer: peer})
	}
}

// SetReachable marks peer as reachable-but-not-connected (e.g. a
// retention window or relay hop).
func (m *MemoryTransport) SetReachable(peer wire.PeerID, reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reachable {
		m.reachable[peer] = true
	} else {
		delete(m.reachable, peer)
	}
}

func (m *MemoryTransport) SendPacket(to wire.PeerID, raw []byte) bool {
	m.mu.Lock()
	accept := m.AcceptSend
	defer func() {
		m.mu.Unlock()
	}()

	ok := true
	if accept != nil {
		ok = accept(to)
	} else {
		ok = m.connected[to] || m.reachable[to]
	}
	if !ok {
		return false
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.sentByPeer[to] = append(m.sentByPeer[to], cp)
	return true
}

// SentTo returns, in send order, the raw packets SendPacket accepted
// for delivery to peer. Used by tests to assert FIFO ordering.
func (m *MemoryTransport) SentTo(peer wire.PeerID) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sentByPeer[peer]))
	copy(out, m.sentByPeer[peer])
	return out
}

// Deliver injects an inbound packet as if it had arrived from peer.
func (m *MemoryTransport) Deliver(from wire.PeerID, raw []byte) {
	m.emit(Event{Kind: EventPacketReceived, Peer: from, Packet: raw})
}

// ConfirmDelivery injects a delivery-confirmed event for messageID.
func (m *MemoryTransport) ConfirmDelivery(from wire.PeerID, messageID string) {
	m.emit(Event{Kind: EventDeliveryConfirmed, Peer: from, MessageID: messageID})
}

func (m *MemoryTransport) emit(ev Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		// Bounded buffer: when it is full the new event is dropped
		// rather than blocking the caller.
	}
}

func (m *MemoryTransport) Events() <-chan Event { return m.events }

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}
