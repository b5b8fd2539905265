package partition

import (
	"errors"
	"fmt"
	"iter"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
	"go.uber.org/multierr"
)

// ErrRetired is returned by writes that reach a partition which was merged
// away or trashed. Callers should re-fetch the live partition.
var ErrRetired = errors.New("partition retired")

// Partition is the physical store of one owned range. During a split it
// holds two children [low, high] and routes writes into them.
type Partition struct {
	store *Store
	start *big.Int
	end   *big.Int
	dir   string

	mu       sync.Mutex
	cond     *sync.Cond
	blocked  bool
	retired  bool
	inflight int
	children []*Partition
}

func newPartition(s *Store, start, end *big.Int, dir string) *Partition {
	p := &Partition{store: s, start: start, end: end, dir: dir}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start returns the first key of the range.
func (p *Partition) Start() *big.Int { return new(big.Int).Set(p.start) }

// End returns the last key of the range.
func (p *Partition) End() *big.Int { return new(big.Int).Set(p.end) }

// Dir returns the range directory.
func (p *Partition) Dir() string { return p.dir }

// Size returns the number of keys in the range.
func (p *Partition) Size() *big.Int { return hash.RangeSize(p.start, p.end) }

// Contains reports whether key is inside the range.
func (p *Partition) Contains(key *big.Int) bool { return hash.Contains(key, p.start, p.end) }

// Replicas returns the node replica store.
func (p *Partition) Replicas() *ReplicaStore { return p.store.replicas }

func (p *Partition) String() string {
	return rangeDirName(p.start, p.end)
}

// Children returns the split children, or nil.
func (p *Partition) Children() []*Partition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.children) == 0 {
		return nil
	}
	return []*Partition{p.children[0], p.children[1]}
}

// Inflight returns the number of writes in progress on this partition.
func (p *Partition) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// acquire finds the leaf partition that takes a write for key and counts
// the write as in flight there. The returned partition must be released.
func (p *Partition) acquire(key *big.Int) (*Partition, error) {
	for {
		p.mu.Lock()
		for p.blocked && !p.retired {
			p.cond.Wait()
		}
		if p.retired {
			p.mu.Unlock()
			return nil, ErrRetired
		}
		if len(p.children) == 0 {
			p.inflight++
			p.mu.Unlock()
			return p, nil
		}

		var child *Partition
		for _, c := range p.children {
			if c.Contains(key) {
				child = c
				break
			}
		}
		if child == nil {
			// outside both children, so outside this range too
			p.inflight++
			p.mu.Unlock()
			return p, nil
		}
		p.mu.Unlock()

		leaf, err := child.acquire(key)
		if errors.Is(err, ErrRetired) {
			// the child was joined or trashed while we waited; route again
			continue
		}
		return leaf, err
	}
}

func (p *Partition) release() {
	p.mu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// block stops new writers and waits for in-flight writes to finish.
// Reads are not affected.
func (p *Partition) block() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.blocked && !p.retired {
		p.cond.Wait()
	}
	if p.retired {
		return ErrRetired
	}
	p.blocked = true
	for p.inflight > 0 {
		p.cond.Wait()
	}
	return nil
}

func (p *Partition) unblock() {
	p.mu.Lock()
	p.blocked = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Partition) retire() {
	p.mu.Lock()
	p.retired = true
	p.blocked = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Put stores data under key. Keys outside the range go to the reservation
// area when allowReservation is set and fail with ErrRangeNotFound otherwise.
// A zero storedAt stamps the block with the current time.
func (p *Partition) Put(key *big.Int, data []byte, storedAt time.Time, allowReservation bool) error {
	leaf, err := p.acquire(key)
	if err != nil {
		return err
	}
	defer leaf.release()

	if leaf.Contains(key) {
		return writeBlock(leaf.dir, key, data, storedAt)
	}
	if !allowReservation {
		return fmt.Errorf("%w: %s is outside %s", pkg.ErrRangeNotFound, hash.KeyToHex(key), leaf)
	}
	return writeBlock(p.store.reservationPath(), key, data, storedAt)
}

// PutIfNewer is Put that refuses with ErrOldData when the local copy was
// stored after storedAt.
func (p *Partition) PutIfNewer(key *big.Int, data []byte, storedAt time.Time, allowReservation bool) error {
	if current, ok := p.StoredAt(key); ok && current.After(storedAt) {
		return fmt.Errorf("%w: local copy stored at %s", pkg.ErrOldData, current.Format(time.RFC3339Nano))
	}
	return p.Put(key, data, storedAt, allowReservation)
}

// Get returns the block stored under key. Mid-split the children are asked
// first. Otherwise the primary store, the reservation area and the trash are
// checked in that order.
func (p *Partition) Get(key *big.Int) ([]byte, error) {
	for _, c := range p.Children() {
		if !c.Contains(key) {
			continue
		}
		data, err := c.Get(key)
		if err == nil || !errors.Is(err, pkg.ErrNoData) {
			return data, err
		}
	}

	for _, dir := range []string{p.dir, p.store.reservationPath(), p.store.trashPath()} {
		data, err := readBlock(dir, key)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, pkg.ErrNoData) {
			return nil, err
		}
	}
	return nil, pkg.ErrNoData
}

// StoredAt returns the modification time of the primary copy of key.
func (p *Partition) StoredAt(key *big.Int) (time.Time, bool) {
	for _, c := range p.Children() {
		if c.Contains(key) {
			if ts, ok := c.StoredAt(key); ok {
				return ts, true
			}
		}
	}
	return statBlock(p.dir, key)
}

// Delete removes the primary copy of key.
func (p *Partition) Delete(key *big.Int) error {
	leaf, err := p.acquire(key)
	if err != nil {
		return err
	}
	defer leaf.release()

	err = removeBlock(leaf.dir, key)
	if errors.Is(err, pkg.ErrNoData) {
		return removeBlock(p.store.reservationPath(), key)
	}
	return err
}

// Entries yields the primary blocks of this partition including those
// held by split children.
func (p *Partition) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, c := range p.Children() {
			for e := range c.Entries() {
				if !yield(e) {
					return
				}
			}
		}
		for e := range entries(p.dir) {
			if !yield(e) {
				return
			}
		}
	}
}

// Count returns the number of primary blocks.
func (p *Partition) Count() int {
	n := 0
	for range p.Entries() {
		n++
	}
	return n
}

// Split cuts the range in two. The requested bounds must share exactly one
// endpoint with the range; the requested side is the one handed off.
// Writers are held back while blocks are moved into the children.
func (p *Partition) Split(start, end *big.Int) (retained, handedOff *Partition, err error) {
	if start == nil || end == nil || start.Cmp(end) > 0 || !p.Contains(start) || !p.Contains(end) {
		return nil, nil, fmt.Errorf("%w: [%s, %s] is not inside %s", pkg.ErrInvalidSplit, hash.KeyToHex(start), hash.KeyToHex(end), p)
	}
	sharesStart := start.Cmp(p.start) == 0
	sharesEnd := end.Cmp(p.end) == 0
	if sharesStart == sharesEnd {
		return nil, nil, fmt.Errorf("%w: [%s, %s] must share exactly one endpoint with %s", pkg.ErrInvalidSplit, hash.KeyToHex(start), hash.KeyToHex(end), p)
	}

	if err := p.block(); err != nil {
		return nil, nil, err
	}
	defer p.unblock()

	p.mu.Lock()
	already := len(p.children) > 0
	p.mu.Unlock()
	if already {
		return nil, nil, fmt.Errorf("%w: %s is already split", pkg.ErrPartitionBusy, p)
	}

	var low, high *Partition
	if sharesStart {
		handedOff, err = p.store.newPartition(start, end)
		if err == nil {
			retained, err = p.store.newPartition(hash.Next(end), p.end)
		}
		low, high = handedOff, retained
	} else {
		retained, err = p.store.newPartition(p.start, hash.Prev(start))
		if err == nil {
			handedOff, err = p.store.newPartition(start, end)
		}
		low, high = retained, handedOff
	}
	if err != nil {
		return nil, nil, err
	}

	for e := range entries(p.dir) {
		dst := low
		if high.Contains(e.Key) {
			dst = high
		}
		if err := moveBlock(e, dst.dir); err != nil {
			// put back what already moved
			_ = mergeInto(p.dir, low, high)
			return nil, nil, fmt.Errorf("failed to split %s: %w", p, err)
		}
	}

	p.mu.Lock()
	p.children = []*Partition{low, high}
	p.mu.Unlock()

	p.store.logger.Info().Str("range", p.String()).Str("retained", retained.String()).
		Str("handed_off", handedOff.String()).Msg("Partition split")
	return retained, handedOff, nil
}

// JoinChildren merges the split children back and removes their directories.
func (p *Partition) JoinChildren() error {
	if err := p.block(); err != nil {
		return err
	}
	defer p.unblock()

	p.mu.Lock()
	children := p.children
	p.mu.Unlock()
	if len(children) == 0 {
		return fmt.Errorf("%w: %s has no children", pkg.ErrPartitionBusy, p)
	}

	for _, c := range children {
		if err := c.block(); err != nil && !errors.Is(err, ErrRetired) {
			return err
		}
	}
	if err := mergeInto(p.dir, children...); err != nil {
		for _, c := range children {
			c.unblock()
		}
		return fmt.Errorf("failed to join %s: %w", p, err)
	}
	for _, c := range children {
		c.retire()
	}

	p.mu.Lock()
	p.children = nil
	p.mu.Unlock()

	p.store.logger.Info().Str("range", p.String()).Msg("Partition children joined")
	return nil
}

func mergeInto(dir string, children ...*Partition) error {
	var errs error
	for _, c := range children {
		for e := range entries(c.dir) {
			if err := moveBlock(e, dir); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if errs == nil {
			errs = multierr.Append(errs, removeDirIfExists(c.dir))
		}
	}
	return errs
}

// Detach ends a split after a confirmed handoff. The handed-off child is
// trashed, this partition is retired and the retained child is returned
// as the new live partition.
func (p *Partition) Detach(handedOff *Partition) (*Partition, error) {
	if err := p.block(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	children := p.children
	p.mu.Unlock()

	var retained *Partition
	for _, c := range children {
		if c != handedOff {
			retained = c
		}
	}
	if len(children) != 2 || retained == nil || retained == handedOff {
		p.unblock()
		return nil, fmt.Errorf("%w: %s is not a child of %s", pkg.ErrPartitionBusy, handedOff, p)
	}

	if err := handedOff.block(); err != nil && !errors.Is(err, ErrRetired) {
		p.unblock()
		return nil, err
	}
	if _, err := handedOff.moveToTrash(); err != nil {
		handedOff.unblock()
		p.unblock()
		return nil, err
	}
	handedOff.retire()

	// retained becomes standalone before writers blocked on p are woken
	p.mu.Lock()
	p.children = nil
	p.mu.Unlock()
	p.retire()

	if err := removeDirIfExists(p.dir); err != nil {
		p.store.logger.Warn().Err(err).Str("range", p.String()).Msg("Failed to remove split parent directory")
	}
	return retained, nil
}

// MoveToTrash moves every primary block to trash and removes the range
// directory.
func (p *Partition) MoveToTrash() (int, error) {
	if err := p.block(); err != nil {
		return 0, err
	}
	n, err := p.moveToTrash()
	if err != nil {
		p.unblock()
		return n, err
	}
	p.retire()
	return n, nil
}

func (p *Partition) moveToTrash() (int, error) {
	n := 0
	for e := range entries(p.dir) {
		if err := p.store.trashBlock(e); err != nil {
			return n, err
		}
		n++
	}
	return n, removeDirIfExists(p.dir)
}

// RestoreFromTrash moves trashed blocks inside the range back into the
// primary store unless a primary copy already exists.
func (p *Partition) RestoreFromTrash() (int, error) {
	n := 0
	for e := range p.store.IterTrash() {
		if !p.Contains(e.Key) {
			continue
		}
		if _, exists := statBlock(p.dir, e.Key); exists {
			continue
		}
		if err := moveBlock(e, p.dir); err != nil {
			return n, err
		}
		if err := p.store.clearTrashed(e.Key); err != nil {
			p.store.logger.Warn().Err(err).Str("key", hash.KeyToHex(e.Key)[:8]).Msg("Failed to clear trash record")
		}
		n++
	}
	return n, nil
}

func removeDirIfExists(dir string) error {
	err := os.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
