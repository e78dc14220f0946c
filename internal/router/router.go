package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// DefaultResendCooldown is the minimum time between resend attempts
// for a single outbox entry (spec.md §6, default 5000ms).
const DefaultResendCooldown = 5 * time.Second

// Favorites tracks the small mutual-favorite peer set, updated from
// FavoriteNotification payloads (SPEC_FULL.md item 5: supplemented from spec.md
// §4.6's "mutual-favorite relay" reachability rule and §6's persisted
// favorites list). internal/store provides a persistent
// implementation; MemoryFavorites is used by tests.
type Favorites interface {
	IsFavorite(peer wire.PeerID) bool
	SetFavorite(peer wire.PeerID, favorite bool) error
}

// MemoryFavorites is a non-persistent Favorites implementation.
type MemoryFavorites struct {
	mu   sync.Mutex
	favs map[wire.PeerID]bool
}

func NewMemoryFavorites() *MemoryFavorites {
	return &MemoryFavorites{favs: make(map[wire.PeerID]bool)}
}

func (f *MemoryFavorites) IsFavorite(peer wire.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.favs[peer]
}

func (f *MemoryFavorites) SetFavorite(peer wire.PeerID, favorite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if favorite {
		f.favs[peer] = true
	} else {
		delete(f.favs, peer)
	}
	return nil
}

// MessageRouter picks the right transport per destination peer,
// persists outbound messages until confirmed, and guarantees per-peer
// FIFO across reconnects (spec.md §4.6).
//
// Lock discipline (spec.md §5): meta (the transport list and cooldown
// markers) is guarded by mu, held only for short map/slice operations.
// Each peer additionally gets its own serialization mutex so that a
// flush and a concurrent send for the SAME peer cannot interleave
// outbox entries, without ever holding mu across a transport.SendPacket
// call or blocking unrelated peers.
type MessageRouter struct {
	mu         sync.Mutex
	transports []transport.Transport
	outbox     Outbox
	favorites  Favorites
	cooldown   time.Duration
	peerLocks  map[wire.PeerID]*sync.Mutex

	// cooldownReset holds per-peer cooldown-reset markers: any entry
	// whose SentAt predates the marker is treated as due for resend
	// regardless of the normal cooldown (spec.md §4.6: "A new
	// sendPrivate to a peer with pending messages implicitly resets
	// cooldowns for that peer's queue").
	cooldownReset map[wire.PeerID]time.Time

	// OnDeliveryStatus, if set, is invoked with a human-facing status
	// string ("pending", "sent", "delivered") whenever an entry's
	// status changes (spec.md §7: "a message remains in 'pending'
	// state until delivery confirmation; it never silently
	// disappears").
	OnDeliveryStatus func(peerID wire.PeerID, messageID string, status string)
}

// NewMessageRouter constructs a MessageRouter over the given outbox
// and favorites store, with the default resend cooldown.
func NewMessageRouter(outbox Outbox, favorites Favorites) *MessageRouter {
	return &MessageRouter{
		outbox:        outbox,
		favorites:     favorites,
		cooldown:      DefaultResendCooldown,
		peerLocks:     make(map[wire.PeerID]*sync.Mutex),
		cooldownReset: make(map[wire.PeerID]time.Time),
	}
}

// SetResendCooldown overrides the default resend cooldown (spec.md §6
// resendCooldownMs).
func (r *MessageRouter) SetResendCooldown(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown = d
}

// RegisterTransport adds t to the set of transports this router may
// select among.
func (r *MessageRouter) RegisterTransport(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
}

func (r *MessageRouter) peerLock(peerID wire.PeerID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.peerLocks[peerID]
	if !ok {
		pl = &sync.Mutex{}
		r.peerLocks[peerID] = pl
	}
	return pl
}

func (r *MessageRouter) snapshotTransports() []transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Transport, len(r.transports))
	copy(out, r.transports)
	return out
}

func (r *MessageRouter) cooldownFor(peerID wire.PeerID) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooldown
}

func (r *MessageRouter) resetMarker(peerID wire.PeerID) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooldownReset[peerID]
}

// selection describes which tier of transport.Transport satisfied
// peer-transport selection (spec.md §4.6 step 1-3).
type selection int

const (
	selectionNone selection = iota
	selectionConnected
	selectionReachable
)

// selectTransport implements spec.md §4.6's three-step preference
// order: a transport reporting the peer Connected, else one reporting
// it Reachable (including via a mutual-favorite relay), else none.
func (r *MessageRouter) selectTransport(peerID wire.PeerID) (transport.Transport, selection) {
	transports := r.snapshotTransports()
	var reachableCandidate transport.Transport

	for _, t := range transports {
		for _, p := range t.Connected() {
			if p == peerID {
				return t, selectionConnected
			}
		}
	}
	for _, t := range transports {
		for _, p := range t.Reachable() {
			if p == peerID && reachableCandidate == nil {
				reachableCandidate = t
			}
		}
	}
	if reachableCandidate != nil {
		return reachableCandidate, selectionReachable
	}
	return nil, selectionNone
}

// SelectTransport exposes the same Connected-then-Reachable transport
// preference FlushPeer uses internally, for callers (such as handshake
// delivery) that need to send a packet outside the outbox path.
func (r *MessageRouter) SelectTransport(peerID wire.PeerID) transport.Transport {
	t, _ := r.selectTransport(peerID)
	return t
}

// SendPrivate creates or updates an outbox entry for (peerID,
// messageID) and attempts immediate delivery, implicitly resetting
// the cooldown for every other pending entry to peerID so that fresh
// user intent retries stalled sends first, in order (spec.md §4.6).
// payload must already be a fully framed, ready-to-transmit packet.
func (r *MessageRouter) SendPrivate(peerID wire.PeerID, messageID string, payload []byte) error {
	r.mu.Lock()
	r.cooldownReset[peerID] = time.Now()
	r.mu.Unlock()

	entry := &OutboxEntry{
		MessageID: messageID,
		PeerID:    peerID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := r.outbox.Put(entry); err != nil {
		return fmt.Errorf("router: persist outbox entry: %w", err)
	}
	r.statusChanged(peerID, messageID, "pending")

	r.FlushPeer(peerID)
	return nil
}

// attempt performs one send attempt for entry, mutating its
// SentAt/AttemptCount and persisting the result (spec.md §4.6: "if the
// chosen transport returns true, set sentAt = now ... If it returns
// false, leave sentAt unset"). Must be called without r.mu held: it
// calls into the transport.
func (r *MessageRouter) attempt(t transport.Transport, entry *OutboxEntry) {
	entry.AttemptCount++
	ok := t.SendPacket(entry.PeerID, entry.Payload)
	if ok {
		now := time.Now()
		entry.SentAt = &now
		r.statusChanged(entry.PeerID, entry.MessageID, "sent")
	} else {
		entry.SentAt = nil
		log.Debug().Str("peer", entry.PeerID.String()).Str("message", entry.MessageID).
			Msg("router: transport signaled backpressure, message remains queued")
	}
	if err := r.outbox.Put(entry); err != nil {
		log.Warn().Err(err).Msg("router: failed to persist outbox entry after send attempt")
	}
}

// FlushPeer iterates peerID's outbox entries in FIFO order, resending
// each that is due (unsent, or past cooldown) over the currently
// selected transport. A peer with no usable transport is left
// untouched; its entries remain queued (spec.md §4.6, §7
// TransportUnreachable). The per-peer lock, not the router-wide lock,
// serializes this against concurrent flushes/sends for the same peer
// (spec.md §5: "a flush and a send cannot interleave entries for the
// same peer").
func (r *MessageRouter) FlushPeer(peerID wire.PeerID) {
	pl := r.peerLock(peerID)
	pl.Lock()
	defer pl.Unlock()

	t, sel := r.selectTransport(peerID)
	if sel == selectionNone {
		return
	}

	entries, err := r.outbox.ListByPeer(peerID)
	if err != nil {
		log.Warn().Err(err).Msg("router: failed to list outbox entries")
		return
	}
	resetAt := r.resetMarker(peerID)
	cooldown := r.cooldownFor(peerID)

	for _, entry := range entries {
		due := entry.SentAt == nil
		if !due && entry.SentAt.Before(resetAt) {
			due = true
		}
		if !due && time.Since(*entry.SentAt) >= cooldown {
			due = true
		}
		if due {
			r.attempt(t, entry)
		}
	}
}

// FlushAllOutbox flushes every peer with at least one pending entry
// (spec.md §4.6).
func (r *MessageRouter) FlushAllOutbox() {
	peers, err := r.outbox.PendingPeers()
	if err != nil {
		log.Warn().Err(err).Msg("router: failed to list pending peers")
		return
	}
	for _, p := range peers {
		r.FlushPeer(p)
	}
}

// ResetSendState clears the sentAt cooldown anchor for every pending
// entry addressed to peerID, called on peer reconnect or after a
// successful rehandshake (spec.md §4.6).
func (r *MessageRouter) ResetSendState(peerID wire.PeerID) {
	r.mu.Lock()
	r.cooldownReset[peerID] = time.Now()
	r.mu.Unlock()
}

// ConfirmDelivery removes the outbox entry for messageID and notifies
// the application. It is safe to call zero, one, or many times
// (spec.md §4.6, §8 idempotence property): only the first call has
// any effect, later calls are no-ops because the entry is already
// gone.
func (r *MessageRouter) ConfirmDelivery(peerID wire.PeerID, messageID string) {
	pl := r.peerLock(peerID)
	pl.Lock()
	entries, err := r.outbox.ListByPeer(peerID)
	found := false
	if err == nil {
		for _, e := range entries {
			if e.MessageID == messageID {
				found = true
				break
			}
		}
		if found {
			err = r.outbox.Remove(peerID, messageID)
		}
	}
	pl.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("router: failed to remove confirmed outbox entry")
		return
	}
	if found {
		r.statusChanged(peerID, messageID, "delivered")
	}
}

// PendingPeerIDs exposes every peer with at least one pending outbox
// entry, for observability (spec.md §4.6).
func (r *MessageRouter) PendingPeerIDs() []wire.PeerID {
	peers, err := r.outbox.PendingPeers()
	if err != nil {
		log.Warn().Err(err).Msg("router: failed to list pending peers")
		return nil
	}
	return peers
}

// MarkFavorite updates the favorites set in response to a
// FavoriteNotification payload (SPEC_FULL.md item 5).
func (r *MessageRouter) MarkFavorite(peerID wire.PeerID, favorite bool) error {
	return r.favorites.SetFavorite(peerID, favorite)
}

// IsFavorite reports whether peerID is in the favorites set. Transport
// selection does not consult it; its Reachable tier uses only each
// transport's own Reachable list.
func (r *MessageRouter) IsFavorite(peerID wire.PeerID) bool {
	return r.favorites.IsFavorite(peerID)
}

func (r *MessageRouter) statusChanged(peerID wire.PeerID, messageID, status string) {
	if r.OnDeliveryStatus != nil {
		r.OnDeliveryStatus(peerID, messageID, status)
	}
}
