// Package partition manages the on-disk slice of the key space owned by a
// node: range directories, the reservation area, trash and replicas.
package partition

import (
	"fmt"
	"iter"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
	"go.uber.org/multierr"
)

const (
	lockFileName   = ".lock"
	reservationDir = "reservation_range"
	trashDir       = "trash"
)

// Store owns a node home directory.
type Store struct {
	home     string
	lock     *flock.Flock
	replicas *ReplicaStore
	logger   *pkg.Logger
}

// Open locks home and opens the replica store. A second Open of the same
// home fails while the first is alive.
func Open(home string, logger *pkg.Logger) (*Store, error) {
	if logger == nil {
		logger = pkg.Nop()
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return nil, fmt.Errorf("failed to create home %s: %w", home, err)
	}

	lock := flock.New(filepath.Join(home, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock home %s: %w", home, err)
	}
	if !locked {
		return nil, fmt.Errorf("home %s is used by another node", home)
	}

	for _, dir := range []string{reservationDir, trashDir} {
		if err := os.MkdirAll(filepath.Join(home, dir), 0755); err != nil {
			_ = lock.Unlock()
			return nil, err
		}
	}

	replicas, err := openReplicaStore(home)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open replica store: %w", err)
	}

	return &Store{
		home:     home,
		lock:     lock,
		replicas: replicas,
		logger:   logger.WithFields(pkg.Fields{"component": "partition"}),
	}, nil
}

// Close releases the replica store and the home lock.
func (s *Store) Close() error {
	var err error
	err = multierr.Append(err, s.replicas.Close())
	err = multierr.Append(err, s.lock.Unlock())
	return err
}

// Home returns the home directory.
func (s *Store) Home() string { return s.home }

// Replicas returns the replica store.
func (s *Store) Replicas() *ReplicaStore { return s.replicas }

func (s *Store) reservationPath() string { return filepath.Join(s.home, reservationDir) }
func (s *Store) trashPath() string       { return filepath.Join(s.home, trashDir) }

func rangeDirName(start, end *big.Int) string {
	return hash.KeyToHex(start) + "_" + hash.KeyToHex(end)
}

func parseRangeDirName(name string) (*big.Int, *big.Int, bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 2 {
		return nil, nil, false
	}
	start, err := hash.ParseKey(parts[0])
	if err != nil {
		return nil, nil, false
	}
	end, err := hash.ParseKey(parts[1])
	if err != nil || start.Cmp(end) > 0 {
		return nil, nil, false
	}
	return start, end, true
}

// NewPartition creates (or reopens) the directory for [start, end] and
// restores matching blocks from trash.
func (s *Store) NewPartition(start, end *big.Int) (*Partition, error) {
	p, err := s.newPartition(start, end)
	if err != nil {
		return nil, err
	}
	if n, err := p.RestoreFromTrash(); err != nil {
		return nil, err
	} else if n > 0 {
		s.logger.Info().Int("restored", n).Str("range", p.String()).Msg("Restored blocks from trash")
	}
	return p, nil
}

func (s *Store) newPartition(start, end *big.Int) (*Partition, error) {
	if !hash.IsValidKey(start) || !hash.IsValidKey(end) || start.Cmp(end) > 0 {
		return nil, fmt.Errorf("%w: bad partition bounds", pkg.ErrInvalidKey)
	}
	dir := filepath.Join(s.home, rangeDirName(start, end))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return newPartition(s, new(big.Int).Set(start), new(big.Int).Set(end), dir), nil
}

// Discover scans the range directories, keeps the largest as the live
// partition, trashes the rest and restores trash into the survivor. It
// returns nil when the home holds no range.
func (s *Store) Discover() (*Partition, error) {
	des, err := os.ReadDir(s.home)
	if err != nil {
		return nil, err
	}

	var found []*Partition
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		start, end, ok := parseRangeDirName(de.Name())
		if !ok {
			continue
		}
		found = append(found, newPartition(s, start, end, filepath.Join(s.home, de.Name())))
	}
	if len(found) == 0 {
		return nil, nil
	}

	live := found[0]
	for _, p := range found[1:] {
		if p.Size().Cmp(live.Size()) > 0 {
			live = p
		}
	}

	for _, p := range found {
		if p == live {
			continue
		}
		n, err := p.MoveToTrash()
		if err != nil {
			return nil, fmt.Errorf("failed to trash stale range %s: %w", p, err)
		}
		s.logger.Info().Str("range", p.String()).Int("blocks", n).Msg("Trashed stale range directory")
	}

	n, err := live.RestoreFromTrash()
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("range", live.String()).Int("restored", n).Msg("Discovered local range")
	return live, nil
}

// IterReservation yields blocks parked outside the owned range. Each range
// over the sequence rescans the directory.
func (s *Store) IterReservation() iter.Seq[Entry] {
	return entries(s.reservationPath())
}

// GetReservation reads a parked block.
func (s *Store) GetReservation(key *big.Int) ([]byte, error) {
	return readBlock(s.reservationPath(), key)
}

// RemoveReservation deletes a parked block.
func (s *Store) RemoveReservation(key *big.Int) error {
	return removeBlock(s.reservationPath(), key)
}

// IterTrash yields trashed blocks.
func (s *Store) IterTrash() iter.Seq[Entry] {
	return entries(s.trashPath())
}

// EmptyTrashOlderThan removes blocks that entered trash at least maxAge
// ago. A trashed block with no record, such as a crash leftover, is
// recorded as trashed now and kept.
func (s *Store) EmptyTrashOlderThan(maxAge time.Duration) (int, error) {
	times, err := s.trashTimes()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	cutoff := now.Add(-maxAge)
	var (
		removed  []*big.Int
		unmarked []*big.Int
		errs     error
	)
	for e := range s.IterTrash() {
		at, ok := times[hash.KeyToHex(e.Key)]
		if !ok {
			unmarked = append(unmarked, e.Key)
			continue
		}
		if at.After(cutoff) {
			continue
		}
		if err := os.Remove(e.Path); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, e.Key)
	}
	errs = multierr.Append(errs, s.clearTrashed(removed...))
	errs = multierr.Append(errs, s.markTrashed(now, unmarked...))
	return len(removed), errs
}

// FreePercent returns the free share of the volume holding home.
func (s *Store) FreePercent() (float64, error) {
	usage, err := disk.Usage(s.home)
	if err != nil {
		return 0, err
	}
	return 100 - usage.UsedPercent, nil
}
