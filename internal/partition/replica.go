package partition

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
	bolt "go.etcd.io/bbolt"
)

const (
	replicaFileName  = "replicas.db"
	replicaBucketKey = "replicas"
)

// ReplicaStore holds blocks kept as replicas, separate from the primary
// store. Values are an 8 byte big-endian stored_at in unix nanos followed
// by the framed block.
type ReplicaStore struct {
	db *bolt.DB
}

// ReplicaEntry is one replica as seen by ForEach.
type ReplicaEntry struct {
	Key      *big.Int
	Data     []byte
	StoredAt time.Time
}

func openReplicaStore(dir string) (*ReplicaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, replicaFileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(replicaBucketKey))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ReplicaStore{db: db}, nil
}

// Put stores a replica. A zero storedAt means now.
func (r *ReplicaStore) Put(key *big.Int, data []byte, storedAt time.Time) error {
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	value := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(value, uint64(storedAt.UnixNano()))
	copy(value[8:], data)

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(replicaBucketKey))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", replicaBucketKey)
		}
		return bucket.Put([]byte(hash.KeyToHex(key)), value)
	})
}

// Get returns a replica and the time it was stored.
func (r *ReplicaStore) Get(key *big.Int) ([]byte, time.Time, error) {
	var (
		data     []byte
		storedAt time.Time
	)
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(replicaBucketKey))
		if bucket == nil {
			return pkg.ErrNoData
		}
		value := bucket.Get([]byte(hash.KeyToHex(key)))
		if value == nil {
			return pkg.ErrNoData
		}
		var err error
		data, storedAt, err = decodeReplica(value)
		return err
	})
	return data, storedAt, err
}

// Delete removes a replica.
func (r *ReplicaStore) Delete(key *big.Int) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(replicaBucketKey))
		if bucket == nil {
			return pkg.ErrNoData
		}
		k := []byte(hash.KeyToHex(key))
		if bucket.Get(k) == nil {
			return pkg.ErrNoData
		}
		return bucket.Delete(k)
	})
}

// DeleteIf removes a replica only when pred holds for its current data,
// read and deleted in one transaction. It reports whether it deleted.
func (r *ReplicaStore) DeleteIf(key *big.Int, pred func(data []byte) bool) (bool, error) {
	deleted := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(replicaBucketKey))
		if bucket == nil {
			return pkg.ErrNoData
		}
		k := []byte(hash.KeyToHex(key))
		value := bucket.Get(k)
		if value == nil {
			return pkg.ErrNoData
		}
		data, _, err := decodeReplica(value)
		if err != nil || !pred(data) {
			return err
		}
		deleted = true
		return bucket.Delete(k)
	})
	if err != nil {
		deleted = false
	}
	return deleted, err
}

// ForEach calls fn for each replica in key order. Data is copied out of
// the transaction so fn may keep it.
func (r *ReplicaStore) ForEach(fn func(ReplicaEntry) error) error {
	return r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(replicaBucketKey))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			key, err := hash.ParseKey(string(k))
			if err != nil {
				return nil
			}
			data, storedAt, err := decodeReplica(v)
			if err != nil {
				return err
			}
			return fn(ReplicaEntry{Key: key, Data: data, StoredAt: storedAt})
		})
	})
}

// Count returns the number of replicas held.
func (r *ReplicaStore) Count() int {
	n := 0
	_ = r.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket([]byte(replicaBucketKey)); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n
}

func (r *ReplicaStore) Close() error {
	return r.db.Close()
}

func decodeReplica(value []byte) ([]byte, time.Time, error) {
	if len(value) < 8 {
		return nil, time.Time{}, fmt.Errorf("%w: short replica record", pkg.ErrCorruptBlock)
	}
	storedAt := time.Unix(0, int64(binary.BigEndian.Uint64(value[:8])))
	data := make([]byte, len(value)-8)
	copy(data, value[8:])
	return data, storedAt, nil
}
