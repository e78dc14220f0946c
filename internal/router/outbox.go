// Package router implements the message router and outbox (spec.md
// §4.6): per-destination transport selection, a persistent FIFO
// outbox with resend cooldowns, and delivery/read-receipt accounting.
// Grounded on the teacher's LeaseManager in portal/lease.go — a
// mutex-guarded map keyed by an identifier, a background ttlWorker
// sweeping expired entries, and callback-based notification on
// removal — generalized here from service leases to per-peer,
// per-message outbox entries with a resend cooldown instead of a hard
// expiry.
package router

import (
	"time"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// OutboxEntry is a single pending outbound message (spec.md §3).
type OutboxEntry struct {
	MessageID    string
	PeerID       wire.PeerID
	Payload      []byte
	CreatedAt    time.Time
	SentAt       *time.Time // nil means "never successfully handed to a transport"
	AttemptCount int
}

// Outbox is the durable, per-peer FIFO queue of messages awaiting
// confirmed delivery (spec.md §3 OutboxEntry, §6 persisted state
// layout: "outbox log ... must survive a restart and replay FIFO per
// peer"). internal/store provides the pebble-backed implementation;
// MemoryOutbox below is used by tests and non-persistent embeddings.
type Outbox interface {
	// Put inserts a new entry or overwrites an existing one with the
	// same (PeerID, MessageID), preserving original creation order.
	Put(e *OutboxEntry) error
	// ListByPeer returns peerID's entries in FIFO (creation) order.
	ListByPeer(peerID wire.PeerID) ([]*OutboxEntry, error)
	// Remove deletes the entry, if any; safe to call when absent.
	Remove(peerID wire.PeerID, messageID string) error
	// PendingPeers returns every peer with at least one entry.
	PendingPeers() ([]wire.PeerID, error)
}

// MemoryOutbox is a non-persistent Outbox implementation.
type MemoryOutbox struct {
	byPeer map[wire.PeerID][]*OutboxEntry
}

// NewMemoryOutbox returns an empty in-memory Outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{byPeer: make(map[wire.PeerID][]*OutboxEntry)}
}

func (m *MemoryOutbox) Put(e *OutboxEntry) error {
	list := m.byPeer[e.PeerID]
	for i, existing := range list {
		if existing.MessageID == e.MessageID {
			list[i] = e
			return nil
		}
	}
	m.byPeer[e.PeerID] = append(list, e)
	return nil
}

func (m *MemoryOutbox) ListByPeer(peerID wire.PeerID) ([]*OutboxEntry, error) {
	list := m.byPeer[peerID]
	out := make([]*OutboxEntry, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryOutbox) Remove(peerID wire.PeerID, messageID string) error {
	list := m.byPeer[peerID]
	for i, e := range list {
		if e.MessageID == messageID {
			m.byPeer[peerID] = append(list[:i:i], list[i+1:]...)
			if len(m.byPeer[peerID]) == 0 {
				delete(m.byPeer, peerID)
			}
			return nil
		}
	}
	return nil
}

func (m *MemoryOutbox) PendingPeers() ([]wire.PeerID, error) {
	out := make([]wire.PeerID, 0, len(m.byPeer))
	for p, list := range m.byPeer {
		if len(list) > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}
