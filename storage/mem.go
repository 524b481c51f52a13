package storage

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// MemKV is an in-memory Storage implementation used in tests and ephemeral
// deployments. Values are RLP-encoded exactly as the bolt backend encodes
// them so both stores accept the same record types.
type MemKV struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte
}

// NewMemKV constructs an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

// KVPut stores the RLP encoding of value under key.
func (m *MemKV) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[string(key)] = encoded
	m.mu.Unlock()
	return nil
}

// KVGet decodes the stored value into out, reporting whether the key existed.
func (m *MemKV) KVGet(key []byte, out interface{}) (bool, error) {
	m.mu.RLock()
	encoded, ok := m.values[string(key)]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key. Deleting a missing key is a
// no-op.
func (m *MemKV) KVDelete(key []byte) error {
	m.mu.Lock()
	delete(m.values, string(key))
	m.mu.Unlock()
	return nil
}

// KVAppend appends a raw entry to the list stored under key.
func (m *MemKV) KVAppend(key []byte, value []byte) error {
	m.mu.Lock()
	entry := append([]byte(nil), value...)
	m.lists[string(key)] = append(m.lists[string(key)], entry)
	m.mu.Unlock()
	return nil
}

// KVGetList copies the raw list entries stored under key into out, which must
// be a *[][]byte.
func (m *MemKV) KVGetList(key []byte, out interface{}) error {
	target, ok := out.(*[][]byte)
	if !ok {
		return fmt.Errorf("storage: list target must be *[][]byte, got %T", out)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([][]byte, 0, len(m.lists[string(key)]))
	for _, entry := range m.lists[string(key)] {
		entries = append(entries, append([]byte(nil), entry...))
	}
	*target = entries
	return nil
}
