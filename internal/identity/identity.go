// Package identity implements BitChat's long-lived IdentityKey (spec.md
// §3 IdentityKey, §4.2 handshake identity binding) and the abstract
// KeyStore interface an embedding application persists it through
// (spec.md §6). Grounded on the teacher's Ed25519-plus-derived-X25519
// credential in portal/core/cryptoops/sig.go: the persisted key is an
// Ed25519 signing keypair, and the Noise XX static key is an X25519
// key deterministically derived from it via SHA-512(seed) with RFC
// 7748 clamping, exactly as gosuda/relaydns does for both its portal
// and relaydns handshakers.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"errors"
	"fmt"
)

// fingerprintMagic domain-separates BitChat's peer fingerprint derivation
// from any other HMAC use of the same identity key.
const fingerprintMagic = "BITCHAT_IDENTITY_FINGERPRINT_V1"

// DeriveFingerprint computes the stable, human-shareable fingerprint for
// an Ed25519 public key: unpadded base32 of HMAC-SHA256(magic, pubkey)
// truncated to 16 bytes. This is the long-lived counterpart to the
// ephemeral wire.PeerID; it never changes across process restarts.
func DeriveFingerprint(pub ed25519.PublicKey) string {
	h := hmac.New(sha256.New, []byte(fingerprintMagic))
	h.Write(pub)
	sum := h.Sum(nil)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:16])
}

var (
	// ErrInvalidKeyBlob is returned when a stored identity blob is the
	// wrong length or otherwise malformed.
	ErrInvalidKeyBlob = errors.New("identity: invalid key blob")
)

const blobSize = ed25519.PrivateKeySize // 64 bytes; public key is recoverable from the seed

// IdentityKey is the long-lived asymmetric key pair backing a BitChat
// install (spec.md §3). It owns an Ed25519 signing key and derives a
// matching X25519 key agreement key for use as the Noise XX static
// keypair, plus the stable fingerprint used to recognize a peer across
// sessions.
type IdentityKey struct {
	priv        ed25519.PrivateKey
	pub         ed25519.PublicKey
	fingerprint string

	x25519Priv []byte
	x25519Pub  []byte
}

// NewIdentityKey generates a fresh random identity key pair.
func NewIdentityKey() (*IdentityKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return fromPrivateKey(priv, pub), nil
}

// FromBlob reconstructs an IdentityKey from the bytes saved by
// KeyStore.SaveIdentityKey (the raw 64-byte Ed25519 private key).
func FromBlob(blob []byte) (*IdentityKey, error) {
	if len(blob) != blobSize {
		return nil, ErrInvalidKeyBlob
	}
	priv := make(ed25519.PrivateKey, blobSize)
	copy(priv, blob)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidKeyBlob
	}
	return fromPrivateKey(priv, pub), nil
}

func fromPrivateKey(priv ed25519.PrivateKey, pub ed25519.PublicKey) *IdentityKey {
	id := &IdentityKey{
		priv:        priv,
		pub:         pub,
		fingerprint: DeriveFingerprint(pub),
	}
	id.x25519Priv, id.x25519Pub = deriveX25519(priv)
	return id
}

// deriveX25519 converts an Ed25519 seed into an X25519 keypair following
// the standard conversion: SHA-512(seed)[:32] with RFC 7748 clamping.
func deriveX25519(priv ed25519.PrivateKey) (privOut, pubOut []byte) {
	h := sha512.Sum512(priv.Seed())
	defer wipe(h[:])

	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	key := make([]byte, 32)
	copy(key, h[:32])

	curve := ecdh.X25519()
	xpriv, err := curve.NewPrivateKey(key)
	if err != nil {
		// A clamped 32-byte scalar is always a valid X25519 private key.
		panic("identity: derived x25519 key rejected: " + err.Error())
	}
	return key, xpriv.PublicKey().Bytes()
}

// Blob returns the bytes to persist via KeyStore.SaveIdentityKey.
func (k *IdentityKey) Blob() []byte {
	out := make([]byte, blobSize)
	copy(out, k.priv)
	return out
}

// Fingerprint returns the stable peer fingerprint derived from the
// Ed25519 public key.
func (k *IdentityKey) Fingerprint() string { return k.fingerprint }

// PublicKey returns the Ed25519 public key.
func (k *IdentityKey) PublicKey() ed25519.PublicKey { return k.pub }

// Sign signs data (typically an X25519 static public key presented
// during a Noise handshake) with the Ed25519 private key.
func (k *IdentityKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// X25519StaticKeypair returns the (private, public) key agreement
// keypair used as the Noise XX static key.
func (k *IdentityKey) X25519StaticKeypair() (priv, pub []byte) {
	return k.x25519Priv, k.x25519Pub
}

// Close zeroizes the in-memory key material. The IdentityKey must not
// be used afterward.
func (k *IdentityKey) Close() {
	wipe(k.priv)
	wipe(k.x25519Priv)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// VerifyIdentityBinding checks an identity payload received during a
// Noise handshake: [32B Ed25519 pubkey][64B signature over the peer's
// X25519 static public key]. It returns the remote fingerprint on
// success.
func VerifyIdentityBinding(payload, remoteX25519Static []byte) (fingerprint string, err error) {
	const payloadSize = ed25519.PublicKeySize + ed25519.SignatureSize
	if len(payload) != payloadSize {
		return "", fmt.Errorf("identity: malformed handshake identity payload (%d bytes)", len(payload))
	}
	edPub := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	sig := payload[ed25519.PublicKeySize:]
	if !ed25519.Verify(edPub, remoteX25519Static, sig) {
		return "", fmt.Errorf("identity: signature over x25519 static key does not verify")
	}
	return DeriveFingerprint(edPub), nil
}

// MakeIdentityBinding constructs the identity payload this key sends
// during a Noise handshake, binding its Ed25519 identity to the
// supplied X25519 static public key.
func (k *IdentityKey) MakeIdentityBinding(x25519Static []byte) []byte {
	out := make([]byte, ed25519.PublicKeySize+ed25519.SignatureSize)
	copy(out[:ed25519.PublicKeySize], k.pub)
	copy(out[ed25519.PublicKeySize:], k.Sign(x25519Static))
	return out
}

// KeyStore is the abstract persistence collaborator the core consumes
// (spec.md §6). Concrete keychain/KV implementations live outside the
// core; internal/store provides a pebble-backed one.
type KeyStore interface {
	SaveIdentityKey(blob []byte, name string) bool
	GetIdentityKey(name string) ([]byte, bool)
	DeleteIdentityKey(name string) bool
	VerifyIdentityKeyExists(name string) bool
}

// SecureClear overwrites b in place, matching the KeyStore contract's
// secureClear operation for any caller holding raw key bytes outside
// an IdentityKey (spec.md §6).
func SecureClear(b []byte) { wipe(b) }

// DefaultIdentityName is the KeyStore entry name used for the single
// per-install identity (spec.md §3: "created once per install").
const DefaultIdentityName = "bitchat-identity"

// LoadOrCreate loads the persisted identity from store, or generates
// and persists a fresh one if none exists (spec.md §3 lifecycle:
// "created on first launch").
func LoadOrCreate(store KeyStore) (*IdentityKey, error) {
	if blob, ok := store.GetIdentityKey(DefaultIdentityName); ok {
		key, err := FromBlob(blob)
		if err != nil {
			return nil, fmt.Errorf("identity: load: %w", err)
		}
		return key, nil
	}

	key, err := NewIdentityKey()
	if err != nil {
		return nil, err
	}
	if !store.SaveIdentityKey(key.Blob(), DefaultIdentityName) {
		return nil, fmt.Errorf("identity: failed to persist freshly generated key")
	}
	return key, nil
}
