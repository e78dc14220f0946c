package identity

import "sync"

// MemoryKeyStore is a non-persistent KeyStore used by tests and by
// embedding applications that do not need identity persistence across
// restarts. internal/store provides the durable, pebble-backed
// implementation used by cmd/bitchatd.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryKeyStore returns an empty in-memory KeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (m *MemoryKeyStore) SaveIdentityKey(blob []byte, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.keys[name] = cp
	return true
}

func (m *MemoryKeyStore) GetIdentityKey(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.keys[name]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, true
}

func (m *MemoryKeyStore) DeleteIdentityKey(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blob, ok := m.keys[name]; ok {
		SecureClear(blob)
		delete(m.keys, name)
		return true
	}
	return false
}

func (m *MemoryKeyStore) VerifyIdentityKeyExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[name]
	return ok
}
