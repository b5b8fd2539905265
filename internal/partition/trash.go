package partition

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/zde37/rangedht/pkg/hash"
	bolt "go.etcd.io/bbolt"
)

// trashedBucketKey holds when each trashed key entered trash. Block files
// keep their stored_at modification time, so the file time cannot age the
// trash.
const trashedBucketKey = "trashed"

// trashBlock records the trash time of e and moves it into trash.
func (s *Store) trashBlock(e Entry) error {
	if err := s.markTrashed(time.Now(), e.Key); err != nil {
		return err
	}
	return moveBlock(e, s.trashPath())
}

func (s *Store) markTrashed(at time.Time, keys ...*big.Int) error {
	if len(keys) == 0 {
		return nil
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(at.UnixNano()))

	return s.replicas.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(trashedBucketKey))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := bucket.Put([]byte(hash.KeyToHex(k)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) clearTrashed(keys ...*big.Int) error {
	if len(keys) == 0 {
		return nil
	}
	return s.replicas.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(trashedBucketKey))
		if bucket == nil {
			return nil
		}
		for _, k := range keys {
			if err := bucket.Delete([]byte(hash.KeyToHex(k))); err != nil {
				return err
			}
		}
		return nil
	})
}

// trashTimes returns the recorded trash time of every marked key.
func (s *Store) trashTimes() (map[string]time.Time, error) {
	times := make(map[string]time.Time)
	err := s.replicas.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(trashedBucketKey))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				times[string(k)] = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			}
			return nil
		})
	})
	return times, err
}
