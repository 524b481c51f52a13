package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketValues = []byte("values")
	bucketLists  = []byte("lists")
)

// BoltKV is a bbolt-backed Storage implementation. Scalar records live in one
// bucket keyed directly; list entries live in per-key nested buckets ordered
// by insertion sequence.
type BoltKV struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path and prepares the
// required buckets.
func OpenBolt(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketValues); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLists)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &BoltKV{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KVPut stores the RLP encoding of value under key.
func (s *BoltKV) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Put(key, encoded)
	})
}

// KVGet decodes the stored value into out, reporting whether the key existed.
func (s *BoltKV) KVGet(key []byte, out interface{}) (bool, error) {
	var encoded []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketValues).Get(key); raw != nil {
			encoded = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if encoded == nil {
		return false, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key. Deleting a missing key is a
// no-op.
func (s *BoltKV) KVDelete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Delete(key)
	})
}

// KVAppend appends a raw entry to the list stored under key.
func (s *BoltKV) KVAppend(key []byte, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		list, err := tx.Bucket(bucketLists).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		seq, err := list.NextSequence()
		if err != nil {
			return err
		}
		return list.Put(sequenceKey(seq), value)
	})
}

// KVGetList copies the raw list entries stored under key into out, which must
// be a *[][]byte. Entries are returned in append order.
func (s *BoltKV) KVGetList(key []byte, out interface{}) error {
	target, ok := out.(*[][]byte)
	if !ok {
		return fmt.Errorf("storage: list target must be *[][]byte, got %T", out)
	}
	entries := make([][]byte, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		list := tx.Bucket(bucketLists).Bucket(key)
		if list == nil {
			return nil
		}
		return list.ForEach(func(_, v []byte) error {
			entries = append(entries, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return err
	}
	*target = entries
	return nil
}

func sequenceKey(seq uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(seq >> (56 - 8*i))
	}
	return buf
}
