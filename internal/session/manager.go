// Package session implements the per-peer Noise session registry
// (spec.md §4.3): it owns the local static identity, maps remote peer
// identifiers to noiseproto.Session instances, and enforces the
// rehandshake and downgrade-prevention rules the spec describes in
// prose. Grounded on the teacher's Handshaker/SecureConnection split in
// portal/core/cryptoops/handshaker.go — the Manager plays the role the
// teacher's caller plays around a Handshaker, generalized from a single
// blocking handshake over one connection to many concurrent per-peer
// handshakes driven by discrete inbound messages.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permissionlesstech/bitchat-core/internal/identity"
	"github.com/permissionlesstech/bitchat-core/internal/noiseproto"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

var (
	// ErrNoSession is returned by Encrypt when no established session
	// exists for the peer; the caller should InitiateHandshake.
	ErrNoSession = errors.New("session: no established session for peer")
	// ErrHandshakeDropped is returned when an incoming handshake
	// message is rejected to prevent a downgrade of an already
	// established session (spec.md §4.3).
	ErrHandshakeDropped = errors.New("session: handshake message dropped (established session active)")
	// ErrPeerUnreachable names the condition reported through
	// Manager.OnPeerUnreachable after too many consecutive handshake
	// failures within the tracking window (spec.md §7, SPEC_FULL.md
	// item 6); no Manager method returns it.
	ErrPeerUnreachable = errors.New("session: peer unreachable after repeated handshake failures")
)

// Default tuning constants (spec.md §6, SPEC_FULL.md item 6).
const (
	DefaultHandshakeGrace    = 2 * time.Second
	DefaultFailureWindow     = 60 * time.Second
	DefaultFailureThreshold  = 3
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultRekeyAfterRecords = noiseproto.DefaultRekeyRecords
)

type peerState struct {
	sess          *noiseproto.Session
	establishedAt time.Time
}

// Manager owns the local identity and the {remotePeerID -> Session}
// registry (spec.md §4.3).
type Manager struct {
	mu    sync.Mutex
	id    *identity.IdentityKey
	peers map[wire.PeerID]*peerState

	// failures tracks recent handshake-failure timestamps per peer
	// independently of peerState, since a failed handshake attempt
	// removes its peerState entirely (so a fresh attempt can start
	// clean) but PeerUnreachable must still see failures accumulate
	// across separate attempts within the window (spec.md §7,
	// SPEC_FULL.md item 6).
	failures map[wire.PeerID][]time.Time

	handshakeGrace   time.Duration
	failureWindow    time.Duration
	failureThreshold int
	rekeyAfter       uint64

	// OnPeerUnreachable, if set, is invoked (outside the lock) when a
	// peer crosses the consecutive-failure threshold.
	OnPeerUnreachable func(wire.PeerID)
}

// NewManager constructs a Manager for the given local identity.
func NewManager(id *identity.IdentityKey) *Manager {
	return &Manager{
		id:               id,
		peers:            make(map[wire.PeerID]*peerState),
		failures:         make(map[wire.PeerID][]time.Time),
		handshakeGrace:   DefaultHandshakeGrace,
		failureWindow:    DefaultFailureWindow,
		failureThreshold: DefaultFailureThreshold,
		rekeyAfter:       DefaultRekeyAfterRecords,
	}
}

// HasEstablishedSession reports whether peerID currently has a fully
// established Noise session.
func (m *Manager) HasEstablishedSession(peerID wire.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[peerID]
	return ok && ps.sess.State() == noiseproto.StateEstablished
}

// RemoveSession discards any session state for peerID (spec.md §4.3,
// §4.2 lifecycle: "destroyed on peer forget, decrypt failure beyond
// retry, or explicit rekey").
func (m *Manager) RemoveSession(peerID wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// InitiateHandshake creates a session as initiator for peerID, replacing
// any session that is not yet established (including one still
// handshaking), and returns the first XX message. It fails if peerID
// already has an established session.
func (m *Manager) InitiateHandshake(peerID wire.PeerID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps, ok := m.peers[peerID]; ok && ps.sess.State() == noiseproto.StateEstablished {
		return nil, fmt.Errorf("session: peer %s already has an established session", peerID)
	}

	sess := noiseproto.New(noiseproto.RoleInitiator, m.id, m.rekeyAfter)
	msg, err := sess.StartHandshake()
	if err != nil {
		return nil, err
	}
	m.peers[peerID] = &peerState{sess: sess}
	return msg, nil
}

// HandleIncomingHandshake processes a handshake message from peerID.
// It returns the reply to send (nil if the pattern calls for none at
// this step) and whether the handshake is now Established.
//
// A handshake message from a peer with an already-Established session
// is accepted only once that session's age exceeds the grace window,
// otherwise it is dropped — this prevents an attacker from forcing a
// downgrade by replaying or injecting a fresh handshake attempt
// against a live session (spec.md §4.3).
func (m *Manager) HandleIncomingHandshake(peerID wire.PeerID, msg []byte) (reply []byte, established bool, err error) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	if ok && ps.sess.State() == noiseproto.StateEstablished {
		if time.Since(ps.establishedAt) < m.handshakeGrace {
			m.mu.Unlock()
			return nil, false, ErrHandshakeDropped
		}
		// Past the grace window: allow a fresh handshake to supersede it.
		ok = false
	}
	if !ok {
		ps = &peerState{sess: noiseproto.New(noiseproto.RoleResponder, m.id, m.rekeyAfter)}
		m.peers[peerID] = ps
	}
	sess := ps.sess
	m.mu.Unlock()

	reply, done, err := sess.ProcessHandshakeMessage(msg)
	if err != nil {
		m.recordHandshakeFailure(peerID)
		return nil, false, err
	}
	if done {
		m.mu.Lock()
		ps.establishedAt = time.Now()
		delete(m.failures, peerID)
		m.mu.Unlock()
		log.Debug().Str("peer", peerID.String()).Msg("session: noise handshake established (responder)")
	}
	return reply, done, nil
}

// CompleteOutboundHandshake feeds the responder's reply back into an
// initiator session started by InitiateHandshake.
func (m *Manager) CompleteOutboundHandshake(peerID wire.PeerID, msg []byte) (reply []byte, established bool, err error) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("session: no in-progress handshake for peer %s", peerID)
	}

	reply, done, err := ps.sess.ProcessHandshakeMessage(msg)
	if err != nil {
		m.recordHandshakeFailure(peerID)
		return nil, false, err
	}
	if done {
		m.mu.Lock()
		ps.establishedAt = time.Now()
		delete(m.failures, peerID)
		m.mu.Unlock()
		log.Debug().Str("peer", peerID.String()).Msg("session: noise handshake established (initiator)")
	}
	return reply, done, nil
}

// recordHandshakeFailure tracks consecutive handshake failures and
// invokes OnPeerUnreachable with the peer once the threshold
// is crossed within the failure window (SPEC_FULL.md item 6).
func (m *Manager) recordHandshakeFailure(peerID wire.PeerID) {
	m.mu.Lock()
	delete(m.peers, peerID)

	now := time.Now()
	cutoff := now.Add(-m.failureWindow)
	var kept []time.Time
	for _, t := range m.failures[peerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.failures[peerID] = kept

	unreachable := len(kept) >= m.failureThreshold
	cb := m.OnPeerUnreachable
	m.mu.Unlock()

	if unreachable && cb != nil {
		cb(peerID)
	}
}

// Encrypt encrypts plaintext for delivery to peerID using its
// established session. Returns ErrNoSession if none exists.
func (m *Manager) Encrypt(peerID wire.PeerID, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok || ps.sess.State() != noiseproto.StateEstablished {
		return nil, ErrNoSession
	}
	return ps.sess.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext received from peerID. On any failure the
// session is removed so the next outbound attempt triggers a fresh XX
// handshake (spec.md §4.2, §4.3, §7 DecryptFailure).
func (m *Manager) Decrypt(peerID wire.PeerID, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok || ps.sess.State() != noiseproto.StateEstablished {
		return nil, ErrNoSession
	}

	plaintext, err := ps.sess.Decrypt(ciphertext)
	if err != nil {
		log.Warn().Str("peer", peerID.String()).Err(err).Msg("session: decrypt failed, discarding session")
		m.RemoveSession(peerID)
		return nil, err
	}
	return plaintext, nil
}
