// Package mesh implements the packet router at the core of the offline
// mesh: header validation, TTL-bounded flood forwarding, dedup, and
// fragmentation/reassembly of oversized payloads, generalized from a
// single relay hop to an arbitrary set of registered transports, using
// github.com/hashicorp/golang-lru/v2 for the bounded dedup set.
package mesh

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// Config holds the router's tunable parameters.
type Config struct {
	RelayEnabled      bool
	MaxFragmentSize   int           // 128..4096, default 400
	DedupCapacity     int           // default 1024
	DedupWindow       time.Duration // default 60s
	ReassemblyTimeout time.Duration // default 30s
}

// DefaultConfig returns the router's documented default tuning.
func DefaultConfig() Config {
	return Config{
		RelayEnabled:      true,
		MaxFragmentSize:   400,
		DedupCapacity:     1024,
		DedupWindow:       60 * time.Second,
		ReassemblyTimeout: 30 * time.Second,
	}
}

// Dispatcher receives packets addressed to the local peer (broadcast,
// or unicast with a matching recipientID) after TTL/dedup/reassembly
// processing. The session manager and typed codecs sit behind this
// interface in the full data-flow pipeline.
type Dispatcher interface {
	HandleLocal(fromTransport transport.Transport, pkt *wire.Packet)
}

type dedupEntry struct {
	at time.Time
}

type reassemblyState struct {
	total        uint16
	originalType byte
	parts        map[uint16][]byte
	firstSeen    time.Time
	// header fields captured from the first fragment carrier packet,
	// reused to rebuild the reassembled packet.
	template wire.Packet
}

// Router is the packet router at the core of the offline mesh.
type Router struct {
	local      wire.PeerID
	cfg        Config
	dispatcher Dispatcher

	mu         sync.Mutex
	transports map[transport.Transport]struct{}

	dedupMu sync.Mutex
	dedup   *lru.Cache[string, time.Time]

	reassemblyMu sync.Mutex
	reassembly   map[wire.TransferID]*reassemblyState
}

// ErrUnknownTransport is returned by RemoveTransport for a transport
// that was never registered.
var ErrUnknownTransport = errors.New("mesh: unknown transport")

// NewRouter constructs a Router for the local peer.
func NewRouter(local wire.PeerID, cfg Config, dispatcher Dispatcher) (*Router, error) {
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("mesh: new dedup cache: %w", err)
	}
	return &Router{
		local:      local,
		cfg:        cfg,
		dispatcher: dispatcher,
		transports: make(map[transport.Transport]struct{}),
		dedup:      cache,
		reassembly: make(map[wire.TransferID]*reassemblyState),
	}, nil
}

// RegisterTransport adds t to the set the router forwards through.
func (r *Router) RegisterTransport(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t] = struct{}{}
}

// RemoveTransport removes t from the forwarding set.
func (r *Router) RemoveTransport(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, t)
}

// dedupKey computes a (senderID, payload-hash) key used to suppress
// repeated delivery of the same packet. The mesh layer has no notion
// of messageID (that lives in the typed payload), so a truncated
// payload hash stands in for it.
func dedupKey(pkt *wire.Packet) string {
	sum := sha256.Sum256(pkt.Payload)
	return pkt.SenderID.String() + ":" + string(sum[:16])
}

// seenRecently reports whether key was inserted within the dedup
// window, inserting it if not.
func (r *Router) seenRecently(key string) bool {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	if at, ok := r.dedup.Get(key); ok {
		if time.Since(at) < r.cfg.DedupWindow {
			return true
		}
		// Outside the window: treat as a fresh arrival.
	}
	r.dedup.Add(key, time.Now())
	return false
}

// HandleInbound parses, validates, deduplicates, reassembles, and
// forwards-or-dispatches a raw packet received from fromTransport.
func (r *Router) HandleInbound(fromTransport transport.Transport, raw []byte) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		log.Debug().Err(err).Msg("mesh: dropping malformed packet")
		return
	}

	key := dedupKey(pkt)
	if r.seenRecently(key) {
		log.Debug().Str("sender", pkt.SenderID.String()).Msg("mesh: dropping duplicate packet")
		return
	}

	if pkt.Type == wire.TypeFragment {
		complete, reassembled := r.handleFragment(pkt)
		if !complete {
			return
		}
		pkt = reassembled
	}

	local := pkt.HasRecipient && pkt.RecipientID == r.local
	broadcast := pkt.Broadcast()

	if pkt.HasRecipient && !local {
		r.maybeForward(fromTransport, pkt)
		return
	}

	if broadcast {
		r.maybeForward(fromTransport, pkt)
	}
	r.dispatcher.HandleLocal(fromTransport, pkt)
}

// maybeForward relays pkt with ttl-1 to every other registered
// transport when relaying is enabled and hops remain; a packet whose
// TTL has reached zero is never transmitted.
func (r *Router) maybeForward(inbound transport.Transport, pkt *wire.Packet) {
	if !r.cfg.RelayEnabled || pkt.TTL <= 1 {
		return
	}
	forwarded := *pkt
	forwarded.TTL = pkt.TTL - 1

	raw, err := wire.Encode(&forwarded, 0)
	if err != nil {
		log.Warn().Err(err).Msg("mesh: failed to re-encode packet for forwarding")
		return
	}

	r.mu.Lock()
	targets := make([]transport.Transport, 0, len(r.transports))
	for t := range r.transports {
		if t != inbound {
			targets = append(targets, t)
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		var to wire.PeerID
		if forwarded.HasRecipient {
			to = forwarded.RecipientID
		}
		t.SendPacket(to, raw)
	}
}

// handleFragment appends a fragment to its transfer's reassembly
// buffer and, once complete, returns the reassembled original packet
// (spec.md §3 Fragment, §4.4 step 4) with its pre-fragmentation Type
// restored from the fragment payload's originalType field — the carrier
// packets themselves all carry Type == TypeFragment for routing, so
// that byte is the only place the real type survives the trip.
// Duplicate fragments are idempotent and arrival order is irrelevant.
func (r *Router) handleFragment(carrier *wire.Packet) (complete bool, reassembled *wire.Packet) {
	frag, err := wire.DecodeFragment(carrier.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("mesh: dropping malformed fragment")
		return false, nil
	}

	r.reassemblyMu.Lock()
	defer r.reassemblyMu.Unlock()

	r.evictExpiredReassembly()

	st, ok := r.reassembly[frag.TransferID]
	if !ok {
		st = &reassemblyState{
			total:        frag.Total,
			originalType: frag.OriginalType,
			parts:        make(map[uint16][]byte),
			firstSeen:    time.Now(),
			template:     *carrier,
		}
		r.reassembly[frag.TransferID] = st
	}
	if _, dup := st.parts[frag.Index]; !dup {
		st.parts[frag.Index] = frag.Slice
	}

	if uint16(len(st.parts)) < st.total {
		return false, nil
	}

	delete(r.reassembly, frag.TransferID)

	var buf []byte
	for i := uint16(0); i < st.total; i++ {
		buf = append(buf, st.parts[i]...)
	}
	out := st.template
	out.Type = st.originalType
	out.Payload = buf
	return true, &out
}

func (r *Router) evictExpiredReassembly() {
	cutoff := time.Now().Add(-r.cfg.ReassemblyTimeout)
	for id, st := range r.reassembly {
		if st.firstSeen.Before(cutoff) {
			delete(r.reassembly, id)
		}
	}
}

// FragmentAndSend splits pkt's payload into TypeFragment carrier
// packets when it exceeds MaxFragmentSize, or sends pkt unmodified
// otherwise. Sending is delegated to send, typically a MessageRouter's
// transport-selection/outbox path.
func (r *Router) FragmentAndSend(pkt *wire.Packet, transferID wire.TransferID, send func(raw []byte) error) error {
	maxFrag := r.cfg.MaxFragmentSize
	if maxFrag <= 0 {
		maxFrag = 400
	}
	if len(pkt.Payload) <= maxFrag {
		raw, err := wire.Encode(pkt, 0)
		if err != nil {
			return err
		}
		return send(raw)
	}

	total := (len(pkt.Payload) + maxFrag - 1) / maxFrag
	for i := 0; i < total; i++ {
		start := i * maxFrag
		end := min(start+maxFrag, len(pkt.Payload))
		fragPayload, err := wire.EncodeFragment(&wire.FragmentPayload{
			TransferID:   transferID,
			Index:        uint16(i),
			Total:        uint16(total),
			OriginalType: pkt.Type,
			Slice:        pkt.Payload[start:end],
		})
		if err != nil {
			return err
		}
		carrier := *pkt
		carrier.Type = wire.TypeFragment
		carrier.Payload = fragPayload
		raw, err := wire.Encode(&carrier, 0)
		if err != nil {
			return err
		}
		if err := send(raw); err != nil {
			return err
		}
	}
	return nil
}
