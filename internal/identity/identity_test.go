package identity

import (
	"bytes"
	"testing"
)

func TestIdentityKeyBlobRoundTrip(t *testing.T) {
	key, err := NewIdentityKey()
	if err != nil {
		t.Fatalf("new identity key: %v", err)
	}
	defer key.Close()

	blob := key.Blob()
	restored, err := FromBlob(blob)
	if err != nil {
		t.Fatalf("from blob: %v", err)
	}
	defer restored.Close()

	if restored.Fingerprint() != key.Fingerprint() {
		t.Fatalf("fingerprint mismatch after restore: %s != %s", restored.Fingerprint(), key.Fingerprint())
	}
	if !bytes.Equal(restored.PublicKey(), key.PublicKey()) {
		t.Fatalf("public key mismatch after restore")
	}

	_, pub1 := key.X25519StaticKeypair()
	_, pub2 := restored.X25519StaticKeypair()
	if !bytes.Equal(pub1, pub2) {
		t.Fatalf("derived x25519 static key mismatch after restore")
	}
}

func TestIdentityBindingRoundTrip(t *testing.T) {
	key, err := NewIdentityKey()
	if err != nil {
		t.Fatalf("new identity key: %v", err)
	}
	defer key.Close()

	_, x25519Pub := key.X25519StaticKeypair()
	binding := key.MakeIdentityBinding(x25519Pub)

	fingerprint, err := VerifyIdentityBinding(binding, x25519Pub)
	if err != nil {
		t.Fatalf("verify identity binding: %v", err)
	}
	if fingerprint != key.Fingerprint() {
		t.Fatalf("recovered fingerprint mismatch: %s != %s", fingerprint, key.Fingerprint())
	}
}

func TestIdentityBindingRejectsTamperedStaticKey(t *testing.T) {
	key, err := NewIdentityKey()
	if err != nil {
		t.Fatalf("new identity key: %v", err)
	}
	defer key.Close()

	_, x25519Pub := key.X25519StaticKeypair()
	binding := key.MakeIdentityBinding(x25519Pub)

	tampered := append([]byte(nil), x25519Pub...)
	tampered[0] ^= 0xFF

	if _, err := VerifyIdentityBinding(binding, tampered); err == nil {
		t.Fatalf("expected verification failure for a binding checked against the wrong static key")
	}
}

func TestLoadOrCreatePersistsAcrossCalls(t *testing.T) {
	store := NewMemoryKeyStore()

	first, err := LoadOrCreate(store)
	if err != nil {
		t.Fatalf("load or create (first): %v", err)
	}
	defer first.Close()

	second, err := LoadOrCreate(store)
	if err != nil {
		t.Fatalf("load or create (second): %v", err)
	}
	defer second.Close()

	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("expected the same identity to be reloaded, got different fingerprints")
	}
}

func TestDeriveFingerprintStable(t *testing.T) {
	key, err := NewIdentityKey()
	if err != nil {
		t.Fatalf("new identity key: %v", err)
	}
	defer key.Close()

	if got, want := DeriveFingerprint(key.PublicKey()), key.Fingerprint(); got != want {
		t.Fatalf("DeriveFingerprint mismatch: %s != %s", got, want)
	}
}
