package noiseproto

import (
	"bytes"
	"testing"

	"github.com/permissionlesstech/bitchat-core/internal/identity"
)

func newTestIdentity(t *testing.T) *identity.IdentityKey {
	t.Helper()
	id, err := identity.NewIdentityKey()
	if err != nil {
		t.Fatalf("new identity key: %v", err)
	}
	t.Cleanup(id.Close)
	return id
}

// runHandshake drives initiator and responder sessions through the
// three-message XX pattern and returns them both Established.
func runHandshake(t *testing.T) (initiator, responder *Session) {
	t.Helper()
	initiatorID := newTestIdentity(t)
	responderID := newTestIdentity(t)

	initiator = New(RoleInitiator, initiatorID, 0)
	responder = New(RoleResponder, responderID, 0)

	msg1, err := initiator.StartHandshake()
	if err != nil {
		t.Fatalf("start handshake: %v", err)
	}

	msg2, done, err := responder.ProcessHandshakeMessage(msg1)
	if err != nil || done {
		t.Fatalf("responder message 1: done=%v err=%v", done, err)
	}

	msg3, done, err := initiator.ProcessHandshakeMessage(msg2)
	if err != nil || !done {
		t.Fatalf("initiator message 2: done=%v err=%v", done, err)
	}

	_, done, err = responder.ProcessHandshakeMessage(msg3)
	if err != nil || !done {
		t.Fatalf("responder message 3: done=%v err=%v", done, err)
	}

	if initiator.State() != StateEstablished || responder.State() != StateEstablished {
		t.Fatalf("expected both sessions established: initiator=%s responder=%s", initiator.State(), responder.State())
	}
	return initiator, responder
}

func TestHandshakeEstablishesWithVerifiedFingerprints(t *testing.T) {
	initiator, responder := runHandshake(t)
	if initiator.RemoteFingerprint() == "" || responder.RemoteFingerprint() == "" {
		t.Fatalf("expected both sides to record a remote fingerprint")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	initiator, responder := runHandshake(t)

	plaintext := []byte("hello over the mesh")
	record, err := initiator.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := responder.Decrypt(record)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: %q != %q", got, plaintext)
	}
}

func TestEncryptAdvancesNonceEachCall(t *testing.T) {
	initiator, responder := runHandshake(t)

	for i := 0; i < 3; i++ {
		record, err := initiator.Encrypt([]byte("message"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if _, err := responder.Decrypt(record); err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
	}
}

func TestDecryptRejectsCorruptedRecord(t *testing.T) {
	initiator, responder := runHandshake(t)

	record, err := initiator.Encrypt([]byte("tamper me"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	record[len(record)-1] ^= 0xFF

	if _, err := responder.Decrypt(record); err == nil {
		t.Fatalf("expected decrypt to reject a tampered record")
	}
	if responder.State() != StateFailed {
		t.Fatalf("expected session to be marked Failed after a decrypt failure")
	}
}

func TestDecryptRejectsReplayedRecord(t *testing.T) {
	initiator, responder := runHandshake(t)

	record, err := initiator.Encrypt([]byte("only once"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := responder.Decrypt(record); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := responder.Decrypt(record); err == nil {
		t.Fatalf("expected replayed record to be rejected")
	}
	if responder.State() != StateFailed {
		t.Fatalf("expected session to be marked Failed after a replay")
	}
}

func TestEncryptRekeysAfterConfiguredRecordCount(t *testing.T) {
	initiatorID := newTestIdentity(t)
	responderID := newTestIdentity(t)
	initiator := New(RoleInitiator, initiatorID, 2)
	responder := New(RoleResponder, responderID, 2)

	msg1, _ := initiator.StartHandshake()
	msg2, _, _ := responder.ProcessHandshakeMessage(msg1)
	msg3, _, _ := initiator.ProcessHandshakeMessage(msg2)
	responder.ProcessHandshakeMessage(msg3)

	for i := 0; i < 5; i++ {
		record, err := initiator.Encrypt([]byte("keep going"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if _, err := responder.Decrypt(record); err != nil {
			t.Fatalf("decrypt %d after rekey boundary: %v", i, err)
		}
	}
}

func TestEncryptBeforeEstablishedFails(t *testing.T) {
	id := newTestIdentity(t)
	s := New(RoleInitiator, id, 0)
	if _, err := s.Encrypt([]byte("too early")); err == nil {
		t.Fatalf("expected error encrypting before handshake establishes")
	}
}
