// Package store provides the durable, embedded-KV-backed persistence
// layer consumed by the core (spec.md §6: "a directory containing
// {identity key blob, outbox log ..., optional favorites list}").
// Grounded on SPEC_FULL.md's domain-stack wiring of
// github.com/cockroachdb/pebble — carried directly in the teacher's
// go.mod but unused in the retrieved tree — as the embedded LSM store
// backing both the KeyStore and the Outbox/favorites state that must
// "survive a restart and replay FIFO per peer".
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/permissionlesstech/bitchat-core/internal/identity"
	"github.com/permissionlesstech/bitchat-core/internal/router"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

const (
	identityPrefix = "id/"
	outboxPrefix   = "ob/"
	favoritePrefix = "fav/"
)

// Store is a pebble-backed KeyStore, Outbox, and Favorites
// implementation sharing a single on-disk database.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) the pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- identity.KeyStore -------------------------------------------------

var _ identity.KeyStore = (*Store)(nil)

func (s *Store) SaveIdentityKey(blob []byte, name string) bool {
	if err := s.db.Set([]byte(identityPrefix+name), blob, pebble.Sync); err != nil {
		log.Error().Err(err).Str("name", name).Msg("store: failed to save identity key")
		return false
	}
	return true
}

func (s *Store) GetIdentityKey(name string) ([]byte, bool) {
	val, closer, err := s.db.Get([]byte(identityPrefix + name))
	if err != nil {
		return nil, false
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

func (s *Store) DeleteIdentityKey(name string) bool {
	if err := s.db.Delete([]byte(identityPrefix+name), pebble.Sync); err != nil {
		log.Error().Err(err).Str("name", name).Msg("store: failed to delete identity key")
		return false
	}
	return true
}

func (s *Store) VerifyIdentityKeyExists(name string) bool {
	_, closer, err := s.db.Get([]byte(identityPrefix + name))
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// --- router.Outbox ------------------------------------------------------

var _ router.Outbox = (*Store)(nil)

type outboxRecord struct {
	MessageID    string     `json:"message_id"`
	PeerID       string     `json:"peer_id"`
	Payload      []byte     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}

// outboxKey orders entries for the same peer chronologically: the
// creation timestamp (nanoseconds since epoch, zero-padded) sorts
// lexicographically the same as numerically, so a prefix scan over a
// peer yields FIFO order directly from pebble's key ordering.
func outboxKey(peerID wire.PeerID, createdAt time.Time, messageID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", outboxPrefix, peerID.String(), createdAt.UnixNano(), messageID))
}

func (s *Store) outboxKeyForExisting(peerID wire.PeerID, messageID string) ([]byte, bool) {
	prefix := []byte(fmt.Sprintf("%s%s/", outboxPrefix, peerID.String()))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, false
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec outboxRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.MessageID == messageID {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			return key, true
		}
	}
	return nil, false
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix was all 0xff, unbounded
}

func (s *Store) Put(e *router.OutboxEntry) error {
	// An update to an existing (peer, messageID) entry reuses its
	// original key so FIFO order (by original CreatedAt) is preserved.
	key, exists := s.outboxKeyForExisting(e.PeerID, e.MessageID)
	createdAt := e.CreatedAt
	if exists {
		// Recover the original CreatedAt from the record stored under
		// the existing key rather than trusting the caller, which may
		// pass a fresh CreatedAt on what is logically an update.
		if rec, err := s.getOutboxRecord(key); err == nil {
			createdAt = rec.CreatedAt
		}
	} else {
		key = outboxKey(e.PeerID, e.CreatedAt, e.MessageID)
	}

	rec := outboxRecord{
		MessageID:    e.MessageID,
		PeerID:       e.PeerID.String(),
		Payload:      e.Payload,
		CreatedAt:    createdAt,
		SentAt:       e.SentAt,
		AttemptCount: e.AttemptCount,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal outbox entry: %w", err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *Store) getOutboxRecord(key []byte) (outboxRecord, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return outboxRecord{}, err
	}
	defer closer.Close()
	var rec outboxRecord
	err = json.Unmarshal(val, &rec)
	return rec, err
}

func (s *Store) ListByPeer(peerID wire.PeerID) ([]*router.OutboxEntry, error) {
	prefix := []byte(fmt.Sprintf("%s%s/", outboxPrefix, peerID.String()))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("store: list outbox for %s: %w", peerID, err)
	}
	defer iter.Close()

	var out []*router.OutboxEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var rec outboxRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			log.Warn().Err(err).Msg("store: skipping corrupt outbox record")
			continue
		}
		out = append(out, &router.OutboxEntry{
			MessageID:    rec.MessageID,
			PeerID:       peerID,
			Payload:      rec.Payload,
			CreatedAt:    rec.CreatedAt,
			SentAt:       rec.SentAt,
			AttemptCount: rec.AttemptCount,
		})
	}
	return out, nil
}

func (s *Store) Remove(peerID wire.PeerID, messageID string) error {
	key, exists := s.outboxKeyForExisting(peerID, messageID)
	if !exists {
		return nil
	}
	return s.db.Delete(key, pebble.Sync)
}

func (s *Store) PendingPeers() ([]wire.PeerID, error) {
	prefix := []byte(outboxPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("store: list pending peers: %w", err)
	}
	defer iter.Close()

	seen := make(map[string]struct{})
	var out []wire.PeerID
	for iter.First(); iter.Valid(); iter.Next() {
		rest := bytes.TrimPrefix(iter.Key(), prefix)
		slash := bytes.IndexByte(rest, '/')
		if slash < 0 {
			continue
		}
		peerStr := string(rest[:slash])
		if _, ok := seen[peerStr]; ok {
			continue
		}
		seen[peerStr] = struct{}{}
		out = append(out, parsePeerIDHex(peerStr))
	}
	return out, nil
}

func parsePeerIDHex(s string) wire.PeerID {
	var out wire.PeerID
	if len(s) != 16 {
		return out
	}
	for i := 0; i < 8; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err == nil {
			out[i] = b
		}
	}
	return out
}

// --- router.Favorites ----------------------------------------------------

var _ router.Favorites = (*Store)(nil)

func (s *Store) IsFavorite(peer wire.PeerID) bool {
	_, closer, err := s.db.Get([]byte(favoritePrefix + peer.String()))
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

func (s *Store) SetFavorite(peer wire.PeerID, favorite bool) error {
	key := []byte(favoritePrefix + peer.String())
	if favorite {
		return s.db.Set(key, []byte{1}, pebble.Sync)
	}
	return s.db.Delete(key, pebble.Sync)
}

// Favorites returns every peer currently marked favorite.
func (s *Store) Favorites() ([]wire.PeerID, error) {
	prefix := []byte(favoritePrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("store: list favorites: %w", err)
	}
	defer iter.Close()

	var out []wire.PeerID
	for iter.First(); iter.Valid(); iter.Next() {
		rest := bytes.TrimPrefix(iter.Key(), prefix)
		out = append(out, parsePeerIDHex(string(rest)))
	}
	return out, nil
}
