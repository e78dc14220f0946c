// Package noiseproto implements the Noise_XX_25519_ChaChaPoly_SHA256
// handshake state machine and AEAD record cipher backing BitChat's
// per-peer secure sessions. It drives the pattern via
// github.com/flynn/noise; because mesh packets can duplicate or arrive
// out of order, each record is framed with an explicit 8-byte
// big-endian nonce on the wire rather than trusting in-order delivery
// from the transport, and the session detects and rejects any gap or
// repeat itself.
package noiseproto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/permissionlesstech/bitchat-core/internal/identity"
)

var (
	// ErrHandshakeFailed is returned for any cryptographic or
	// out-of-order failure while processing handshake messages.
	ErrHandshakeFailed = errors.New("noiseproto: handshake failed")
	// ErrNotEstablished is returned by Encrypt/Decrypt before the
	// handshake has completed.
	ErrNotEstablished = errors.New("noiseproto: session not established")
	// ErrDecryptFailed is returned on AEAD tag mismatch.
	ErrDecryptFailed = errors.New("noiseproto: decryption failed")
	// ErrReplayedNonce is returned when a record's wire nonce does not
	// match the next expected value — covers both replay and
	// out-of-order delivery.
	ErrReplayedNonce = errors.New("noiseproto: nonce replay or reorder detected")
	// ErrSessionFailed is returned by any operation on a session that
	// has already transitioned to Failed.
	ErrSessionFailed = errors.New("noiseproto: session is in the failed state")
)

// noisePrologue binds every handshake to BitChat's protocol identity so
// it cannot be confused with an unrelated Noise_XX deployment.
const noisePrologue = "bitchat/noise-xx/1"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// identityPayloadSize is [32B Ed25519 pubkey][64B Ed25519 signature].
const identityPayloadSize = 32 + 64

// DefaultRekeyRecords is the record count after which a cipher state
// rekeys itself, keeping any single session comfortably below the
// AEAD's safe usage limit on a long-lived mesh connection.
const DefaultRekeyRecords = 1 << 20

// Role identifies which side of the XX pattern a Session plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State is a Noise session's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is a single Noise_XX handshake-and-record session between
// the local identity and one remote peer; every peer gets its own.
type Session struct {
	role  Role
	state State
	step  int // number of handshake messages processed so far
	fail  error

	id *identity.IdentityKey
	hs *noise.HandshakeState

	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	sendNonce  uint64
	recvNonce  uint64

	rekeyAfter    uint64
	sentRecords   uint64
	receivedCount uint64

	remoteFingerprint string
}

// New creates a fresh, Uninitialized session for the given role. The
// identity's X25519-derived keypair is used as the Noise static key.
func New(role Role, id *identity.IdentityKey, rekeyAfter uint64) *Session {
	if rekeyAfter == 0 {
		rekeyAfter = DefaultRekeyRecords
	}
	return &Session{
		role:       role,
		state:      StateUninitialized,
		id:         id,
		rekeyAfter: rekeyAfter,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// FailureReason returns the error that moved a Failed session into
// that state, or nil.
func (s *Session) FailureReason() error { return s.fail }

// RemoteFingerprint returns the verified remote identity fingerprint,
// valid once State() == StateEstablished.
func (s *Session) RemoteFingerprint() string { return s.remoteFingerprint }

func (s *Session) markFailed(reason error) error {
	s.state = StateFailed
	s.fail = reason
	return reason
}

func (s *Session) newHandshakeState() error {
	xpriv, xpub := s.id.X25519StaticKeypair()
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     s.role == RoleInitiator,
		StaticKeypair: noise.DHKey{Private: xpriv, Public: xpub},
		Prologue:      []byte(noisePrologue),
	})
	if err != nil {
		return s.markFailed(fmt.Errorf("%w: init: %w", ErrHandshakeFailed, err))
	}
	s.hs = hs
	s.state = StateHandshaking
	return nil
}

// StartHandshake begins the handshake as the initiator, returning the
// first XX message (→ e). Only valid from StateUninitialized.
func (s *Session) StartHandshake() ([]byte, error) {
	if s.role != RoleInitiator {
		return nil, fmt.Errorf("%w: StartHandshake called on a responder session", ErrHandshakeFailed)
	}
	if s.state != StateUninitialized {
		return nil, fmt.Errorf("%w: StartHandshake called in state %s", ErrHandshakeFailed, s.state)
	}
	if err := s.newHandshakeState(); err != nil {
		return nil, err
	}
	msg, _, _, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, s.markFailed(fmt.Errorf("%w: write message 1: %w", ErrHandshakeFailed, err))
	}
	s.step = 1
	return msg, nil
}

// ProcessHandshakeMessage consumes one incoming XX handshake message
// and, if the pattern calls for a reply at this step, returns it. done
// reports whether this call completed the handshake (state becomes
// Established). A responder session in StateUninitialized transitions
// to Handshaking on its first call.
func (s *Session) ProcessHandshakeMessage(msg []byte) (reply []byte, done bool, err error) {
	if s.state == StateFailed {
		return nil, false, ErrSessionFailed
	}

	if s.role == RoleResponder && s.state == StateUninitialized {
		if err := s.newHandshakeState(); err != nil {
			return nil, false, err
		}
	}
	if s.state != StateHandshaking {
		return nil, false, fmt.Errorf("%w: handshake message received in state %s", ErrHandshakeFailed, s.state)
	}

	switch {
	case s.role == RoleInitiator && s.step == 1:
		// ← message 2: e, ee, s, es + responder identity payload.
		payload, _, _, err := s.hs.ReadMessage(nil, msg)
		if err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: read message 2: %w", ErrHandshakeFailed, err))
		}
		fp, err := identity.VerifyIdentityBinding(payload, s.hs.PeerStatic())
		if err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
		}
		s.remoteFingerprint = fp

		// → message 3: s, se + our identity payload. Completes the pattern.
		_, ourPub := s.id.X25519StaticKeypair()
		ourPayload := s.id.MakeIdentityBinding(ourPub)
		out, cs1, cs2, err := s.hs.WriteMessage(nil, ourPayload)
		if err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: write message 3: %w", ErrHandshakeFailed, err))
		}
		s.step = 2
		s.establish(cs1, cs2)
		return out, true, nil

	case s.role == RoleResponder && s.step == 0:
		// ← message 1: e.
		if _, _, _, err := s.hs.ReadMessage(nil, msg); err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: read message 1: %w", ErrHandshakeFailed, err))
		}
		// → message 2: e, ee, s, es + our identity payload.
		_, ourPub := s.id.X25519StaticKeypair()
		ourPayload := s.id.MakeIdentityBinding(ourPub)
		out, _, _, err := s.hs.WriteMessage(nil, ourPayload)
		if err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: write message 2: %w", ErrHandshakeFailed, err))
		}
		s.step = 1
		return out, false, nil

	case s.role == RoleResponder && s.step == 1:
		// ← message 3: s, se + initiator identity payload. Completes the pattern.
		payload, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
		if err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: read message 3: %w", ErrHandshakeFailed, err))
		}
		fp, err := identity.VerifyIdentityBinding(payload, s.hs.PeerStatic())
		if err != nil {
			return nil, false, s.markFailed(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
		}
		s.remoteFingerprint = fp
		s.step = 2
		s.establish(cs2, cs1) // responder encrypts with cs2, decrypts with cs1
		return nil, true, nil

	default:
		return nil, false, s.markFailed(fmt.Errorf("%w: unexpected handshake message at step %d", ErrHandshakeFailed, s.step))
	}
}

func (s *Session) establish(sendCipher, recvCipher *noise.CipherState) {
	s.sendCipher = sendCipher
	s.recvCipher = recvCipher
	s.sendNonce = 0
	s.recvNonce = 0
	s.hs = nil
	s.state = StateEstablished
}

// Encrypt produces a self-contained record ready to carry as a Noise
// session's application payload: {8-byte big-endian nonce}{ciphertext
// || 16-byte tag}. Encrypting the same plaintext twice yields different
// ciphertexts because the nonce always advances.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s.state != StateEstablished {
		if s.state == StateFailed {
			return nil, ErrSessionFailed
		}
		return nil, ErrNotEstablished
	}

	out := make([]byte, 8, 8+len(plaintext)+16)
	binary.BigEndian.PutUint64(out, s.sendNonce)

	ciphertext, err := s.sendCipher.Encrypt(out, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("noiseproto: encrypt: %w", err)
	}
	s.sendNonce++
	s.sentRecords++
	if s.rekeyAfter > 0 && s.sentRecords%s.rekeyAfter == 0 {
		s.sendCipher.Rekey()
	}
	return ciphertext, nil
}

// Decrypt parses and opens a record produced by the peer's Encrypt. A
// wire nonce that does not exactly equal the next expected value is
// rejected as a replay or reorder and the session is marked Failed, as
// is any AEAD tag mismatch.
func (s *Session) Decrypt(record []byte) ([]byte, error) {
	if s.state != StateEstablished {
		if s.state == StateFailed {
			return nil, ErrSessionFailed
		}
		return nil, ErrNotEstablished
	}
	if len(record) < 8 {
		return nil, s.markFailed(fmt.Errorf("%w: record shorter than nonce prefix", ErrDecryptFailed))
	}

	wireNonce := binary.BigEndian.Uint64(record[:8])
	if wireNonce != s.recvNonce {
		return nil, s.markFailed(fmt.Errorf("%w: got nonce %d, expected %d", ErrReplayedNonce, wireNonce, s.recvNonce))
	}

	plaintext, err := s.recvCipher.Decrypt(nil, nil, record[8:])
	if err != nil {
		return nil, s.markFailed(fmt.Errorf("%w: %w", ErrDecryptFailed, err))
	}
	s.recvNonce++
	s.receivedCount++
	if s.rekeyAfter > 0 && s.receivedCount%s.rekeyAfter == 0 {
		s.recvCipher.Rekey()
	}
	return plaintext, nil
}
