package partition

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fullPartition(t *testing.T, s *Store) *Partition {
	t.Helper()
	p, err := s.NewPartition(hash.MinKey(), hash.MaxKey())
	require.NoError(t, err)
	return p
}

// spreadKeys returns n keys spread over the whole space.
func spreadKeys(n int) []*big.Int {
	keys := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, hash.HashData([]byte(fmt.Sprintf("key-%d", i))))
	}
	return keys
}

func TestOpenLocksHome(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home, nil)
	require.NoError(t, err)

	_, err = Open(home, nil)
	assert.Error(t, err, "second open of the same home must fail")

	require.NoError(t, s.Close())
	s2, err := Open(home, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)
	p, err := s.NewPartition(big.NewInt(100), big.NewInt(200))
	require.NoError(t, err)

	tests := []struct {
		name             string
		key              int64
		allowReservation bool
		wantErr          error
		wantDir          string
	}{
		{name: "inside range", key: 150, wantDir: p.Dir()},
		{name: "range start", key: 100, wantDir: p.Dir()},
		{name: "outside with reservation", key: 500, allowReservation: true, wantDir: s.reservationPath()},
		{name: "outside without reservation", key: 501, wantErr: pkg.ErrRangeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := big.NewInt(tt.key)
			data := []byte(tt.name)
			err := p.Put(key, data, time.Time{}, tt.allowReservation)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.FileExists(t, filepath.Join(tt.wantDir, hash.KeyToHex(key)))

			got, err := p.Get(key)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}

	_, err = p.Get(big.NewInt(199))
	assert.ErrorIs(t, err, pkg.ErrNoData)
}

func TestGetFallsBackToTrash(t *testing.T) {
	s := openTestStore(t)
	key := big.NewInt(7)
	require.NoError(t, writeBlock(s.trashPath(), key, []byte("old"), time.Time{}))

	p, err := s.newPartition(big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)

	got, err := p.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
}

func TestPutIfNewer(t *testing.T) {
	s := openTestStore(t)
	p := fullPartition(t, s)
	key := big.NewInt(42)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, p.Put(key, []byte("v2"), now, false))

	err := p.PutIfNewer(key, []byte("v1"), now.Add(-time.Hour), false)
	assert.ErrorIs(t, err, pkg.ErrOldData)

	require.NoError(t, p.PutIfNewer(key, []byte("v3"), now.Add(time.Hour), false))
	got, err := p.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)

	ts, ok := p.StoredAt(key)
	require.True(t, ok)
	assert.True(t, ts.Equal(now.Add(time.Hour)))
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	p, err := s.NewPartition(big.NewInt(0), big.NewInt(10))
	require.NoError(t, err)

	require.NoError(t, p.Put(big.NewInt(5), []byte("x"), time.Time{}, false))
	require.NoError(t, p.Put(big.NewInt(50), []byte("y"), time.Time{}, true))

	require.NoError(t, p.Delete(big.NewInt(5)))
	require.NoError(t, p.Delete(big.NewInt(50)))
	assert.ErrorIs(t, p.Delete(big.NewInt(5)), pkg.ErrNoData)
	assert.Equal(t, 0, p.Count())
}

func TestSplitValidation(t *testing.T) {
	s := openTestStore(t)
	p, err := s.NewPartition(big.NewInt(0), big.NewInt(100))
	require.NoError(t, err)

	tests := []struct {
		name       string
		start, end int64
	}{
		{name: "whole range", start: 0, end: 100},
		{name: "no shared endpoint", start: 10, end: 90},
		{name: "inverted", start: 60, end: 50},
		{name: "outside", start: 50, end: 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.Split(big.NewInt(tt.start), big.NewInt(tt.end))
			assert.ErrorIs(t, err, pkg.ErrInvalidSplit)
		})
	}
}

func TestSplitSides(t *testing.T) {
	tests := []struct {
		name                   string
		start, end             int64
		retainedS, retainedE   int64
		handedOffS, handedOffE int64
	}{
		{name: "hand off upper", start: 51, end: 100, retainedS: 0, retainedE: 50, handedOffS: 51, handedOffE: 100},
		{name: "hand off lower", start: 0, end: 30, retainedS: 31, retainedE: 100, handedOffS: 0, handedOffE: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			p, err := s.NewPartition(big.NewInt(0), big.NewInt(100))
			require.NoError(t, err)
			for i := int64(0); i <= 100; i += 10 {
				require.NoError(t, p.Put(big.NewInt(i), []byte{byte(i)}, time.Time{}, false))
			}

			retained, handedOff, err := p.Split(big.NewInt(tt.start), big.NewInt(tt.end))
			require.NoError(t, err)

			assert.Equal(t, tt.retainedS, retained.Start().Int64())
			assert.Equal(t, tt.retainedE, retained.End().Int64())
			assert.Equal(t, tt.handedOffS, handedOff.Start().Int64())
			assert.Equal(t, tt.handedOffE, handedOff.End().Int64())

			for e := range retained.Entries() {
				assert.True(t, retained.Contains(e.Key))
			}
			for e := range handedOff.Entries() {
				assert.True(t, handedOff.Contains(e.Key))
			}
			assert.Equal(t, 11, retained.Count()+handedOff.Count())
			assert.Equal(t, 11, p.Count())

			_, _, err = p.Split(big.NewInt(tt.start), big.NewInt(tt.end))
			assert.ErrorIs(t, err, pkg.ErrPartitionBusy)
		})
	}
}

func TestSplitJoinPreservesData(t *testing.T) {
	s := openTestStore(t)
	p := fullPartition(t, s)

	keys := spreadKeys(64)
	for i, k := range keys {
		require.NoError(t, p.Put(k, []byte(fmt.Sprintf("value-%d", i)), time.Time{}, false))
	}

	before := make(map[string][]byte, len(keys))
	for _, k := range keys {
		data, err := p.Get(k)
		require.NoError(t, err)
		before[hash.KeyToHex(k)] = data
	}

	mid := hash.Midpoint(hash.MinKey(), hash.MaxKey())
	_, handedOff, err := p.Split(hash.Next(mid), hash.MaxKey())
	require.NoError(t, err)

	// reads and writes go through the children while split
	for _, k := range keys {
		data, err := p.Get(k)
		require.NoError(t, err)
		assert.Equal(t, before[hash.KeyToHex(k)], data)
	}
	extra := hash.MaxKey()
	require.NoError(t, p.Put(extra, []byte("late"), time.Time{}, false))
	assert.FileExists(t, filepath.Join(handedOff.Dir(), hash.KeyToHex(extra)))

	require.NoError(t, p.JoinChildren())
	assert.Nil(t, p.Children())
	assert.NoDirExists(t, handedOff.Dir())

	for _, k := range keys {
		data, err := p.Get(k)
		require.NoError(t, err)
		assert.Equal(t, before[hash.KeyToHex(k)], data)
	}
	data, err := p.Get(extra)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), data)

	assert.ErrorIs(t, p.JoinChildren(), pkg.ErrPartitionBusy)
	assert.ErrorIs(t, handedOff.Put(extra, nil, time.Time{}, false), ErrRetired)
}

func TestSplitDrainsWriters(t *testing.T) {
	s := openTestStore(t)
	p := fullPartition(t, s)

	keys := spreadKeys(200)
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k *big.Int) {
			defer wg.Done()
			assert.NoError(t, p.Put(k, []byte{byte(i)}, time.Time{}, false))
		}(i, k)
	}

	mid := hash.Midpoint(hash.MinKey(), hash.MaxKey())
	retained, handedOff, err := p.Split(hash.Next(mid), hash.MaxKey())
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, 0, p.Inflight())
	assert.Equal(t, len(keys), retained.Count()+handedOff.Count()+countEntries(p.Dir()))
	assert.Equal(t, 0, countEntries(p.Dir()), "no block may stay in the parent after split")
}

func countEntries(dir string) int {
	n := 0
	for range entries(dir) {
		n++
	}
	return n
}

func TestDetach(t *testing.T) {
	s := openTestStore(t)
	p := fullPartition(t, s)
	keys := spreadKeys(32)
	for _, k := range keys {
		require.NoError(t, p.Put(k, []byte("v"), time.Time{}, false))
	}

	mid := hash.Midpoint(hash.MinKey(), hash.MaxKey())
	retained, handedOff, err := p.Split(hash.Next(mid), hash.MaxKey())
	require.NoError(t, err)
	handedCount := handedOff.Count()

	live, err := p.Detach(handedOff)
	require.NoError(t, err)
	assert.Same(t, retained, live)
	assert.NoDirExists(t, p.Dir())
	assert.NoDirExists(t, handedOff.Dir())

	trashed := 0
	for range s.IterTrash() {
		trashed++
	}
	assert.Equal(t, handedCount, trashed)

	assert.ErrorIs(t, p.Put(hash.MaxKey(), []byte("x"), time.Time{}, false), ErrRetired)
	require.NoError(t, live.Put(hash.MinKey(), []byte("x"), time.Time{}, false))

	_, err = p.Detach(handedOff)
	assert.ErrorIs(t, err, ErrRetired)
}

func TestTrashRestore(t *testing.T) {
	s := openTestStore(t)
	p, err := s.NewPartition(big.NewInt(0), big.NewInt(100))
	require.NoError(t, err)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, p.Put(big.NewInt(i*10), []byte("v"), time.Time{}, false))
	}

	n, err := p.MoveToTrash()
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.NoDirExists(t, p.Dir())

	again, err := s.NewPartition(big.NewInt(0), big.NewInt(45))
	require.NoError(t, err)
	assert.Equal(t, 5, again.Count(), "only keys inside the new range are restored")

	_, err = again.Get(big.NewInt(90))
	assert.NoError(t, err, "remaining keys are still readable from trash")
}

func TestEmptyTrash(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, writeBlock(s.trashPath(), big.NewInt(1), []byte("a"), time.Time{}))
	require.NoError(t, writeBlock(s.trashPath(), big.NewInt(2), []byte("b"), time.Time{}))
	require.NoError(t, s.markTrashed(time.Now().Add(-2*time.Hour), big.NewInt(1)))
	require.NoError(t, s.markTrashed(time.Now(), big.NewInt(2)))

	n, err := s.EmptyTrashOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	times, err := s.trashTimes()
	require.NoError(t, err)
	assert.NotContains(t, times, hash.KeyToHex(big.NewInt(1)))
	assert.Contains(t, times, hash.KeyToHex(big.NewInt(2)))
}

func TestEmptyTrashAgesByTrashTime(t *testing.T) {
	s := openTestStore(t)
	p, err := s.NewPartition(big.NewInt(0), big.NewInt(100))
	require.NoError(t, err)
	storedAt := time.Now().Add(-48 * time.Hour)
	require.NoError(t, p.Put(big.NewInt(5), []byte("old block"), storedAt, false))

	_, err = p.MoveToTrash()
	require.NoError(t, err)

	n, err := s.EmptyTrashOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "a block just trashed is kept whatever its stored_at")

	again, err := s.NewPartition(big.NewInt(0), big.NewInt(100))
	require.NoError(t, err)
	data, err := again.Get(big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, []byte("old block"), data)

	ts, ok := again.StoredAt(big.NewInt(5))
	require.True(t, ok)
	assert.WithinDuration(t, storedAt, ts, time.Second, "restore keeps stored_at")

	times, err := s.trashTimes()
	require.NoError(t, err)
	assert.Empty(t, times, "restore clears the trash record")
}

func TestEmptyTrashKeepsUnrecordedBlocks(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, writeBlock(s.trashPath(), big.NewInt(7), []byte("leftover"), old))

	n, err := s.EmptyTrashOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	times, err := s.trashTimes()
	require.NoError(t, err)
	assert.Contains(t, times, hash.KeyToHex(big.NewInt(7)), "first sweep records the block")
}

func TestDiscover(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home, nil)
	require.NoError(t, err)

	none, err := s.Discover()
	require.NoError(t, err)
	assert.Nil(t, none)

	big1, err := s.NewPartition(big.NewInt(0), big.NewInt(1000))
	require.NoError(t, err)
	small, err := s.NewPartition(big.NewInt(2000), big.NewInt(2010))
	require.NoError(t, err)
	require.NoError(t, big1.Put(big.NewInt(5), []byte("keep"), time.Time{}, false))
	require.NoError(t, small.Put(big.NewInt(2005), []byte("stale"), time.Time{}, false))
	// crash leftover: a trashed block that belongs to the survivor
	require.NoError(t, writeBlock(s.trashPath(), big.NewInt(6), []byte("restored"), time.Time{}))
	require.NoError(t, s.Close())

	s, err = Open(home, nil)
	require.NoError(t, err)
	defer s.Close()

	live, err := s.Discover()
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, int64(0), live.Start().Int64())
	assert.Equal(t, int64(1000), live.End().Int64())
	assert.NoDirExists(t, small.Dir())

	data, err := live.Get(big.NewInt(6))
	require.NoError(t, err)
	assert.Equal(t, []byte("restored"), data)
	assert.Equal(t, 2, live.Count())

	_, err = os.Stat(filepath.Join(s.trashPath(), hash.KeyToHex(big.NewInt(2005))))
	assert.NoError(t, err, "stale range blocks land in trash")
}

func TestReservationIteration(t *testing.T) {
	s := openTestStore(t)
	p, err := s.NewPartition(big.NewInt(0), big.NewInt(10))
	require.NoError(t, err)

	for i := int64(100); i < 105; i++ {
		require.NoError(t, p.Put(big.NewInt(i), []byte("r"), time.Time{}, true))
	}

	seen := 0
	for e := range s.IterReservation() {
		data, err := e.Read()
		require.NoError(t, err)
		assert.Equal(t, []byte("r"), data)
		seen++
	}
	assert.Equal(t, 5, seen)

	// the sequence is restartable and sees removals
	require.NoError(t, s.RemoveReservation(big.NewInt(100)))
	seen = 0
	for range s.IterReservation() {
		seen++
	}
	assert.Equal(t, 4, seen)

	// early break
	for range s.IterReservation() {
		break
	}
}

func TestReplicaStore(t *testing.T) {
	s := openTestStore(t)
	r := s.Replicas()
	ts := time.Unix(1700000000, 0)

	require.NoError(t, r.Put(big.NewInt(1), []byte("one"), ts))
	require.NoError(t, r.Put(big.NewInt(2), []byte("two"), time.Time{}))

	data, storedAt, err := r.Get(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
	assert.True(t, storedAt.Equal(ts))
	assert.Equal(t, 2, r.Count())

	var keys []int64
	require.NoError(t, r.ForEach(func(e ReplicaEntry) error {
		keys = append(keys, e.Key.Int64())
		return nil
	}))
	assert.Equal(t, []int64{1, 2}, keys)

	require.NoError(t, r.Delete(big.NewInt(1)))
	_, _, err = r.Get(big.NewInt(1))
	assert.ErrorIs(t, err, pkg.ErrNoData)
	assert.ErrorIs(t, r.Delete(big.NewInt(1)), pkg.ErrNoData)
}

func TestReplicaDeleteIf(t *testing.T) {
	s := openTestStore(t)
	r := s.Replicas()
	require.NoError(t, r.Put(big.NewInt(1), []byte("bad"), time.Time{}))
	isBad := func(data []byte) bool { return string(data) == "bad" }

	tests := []struct {
		name    string
		before  func()
		deleted bool
		err     error
	}{
		{name: "predicate holds", deleted: true},
		{name: "missing key", err: pkg.ErrNoData},
		{
			name:   "replaced before delete",
			before: func() { require.NoError(t, r.Put(big.NewInt(1), []byte("good"), time.Time{})) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.before != nil {
				tt.before()
			}
			deleted, err := r.DeleteIf(big.NewInt(1), isBad)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.deleted, deleted)
		})
	}

	data, _, err := r.Get(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), data)
}

func TestFreePercent(t *testing.T) {
	s := openTestStore(t)
	free, err := s.FreePercent()
	require.NoError(t, err)
	assert.True(t, free >= 0 && free <= 100)
}
