// Package ranges keeps the sorted directory of hash ranges and their owners.
package ranges

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/btree"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

const btreeDegree = 16

// Range is an inclusive [Start, End] slice of the key space owned by Owner.
type Range struct {
	Start *big.Int
	End   *big.Int
	Owner string
}

// NewRange builds a range, rejecting inverted or out-of-space bounds.
func NewRange(start, end *big.Int, owner string) (Range, error) {
	if !hash.IsValidKey(start) || !hash.IsValidKey(end) {
		return Range{}, pkg.ErrInvalidKey
	}
	if start.Cmp(end) > 0 {
		return Range{}, fmt.Errorf("%w: start %s after end %s", pkg.ErrInvalidKey, hash.KeyToHex(start), hash.KeyToHex(end))
	}
	return Range{Start: new(big.Int).Set(start), End: new(big.Int).Set(end), Owner: owner}, nil
}

// Contains reports whether key falls in the range.
func (r Range) Contains(key *big.Int) bool {
	return hash.Contains(key, r.Start, r.End)
}

// Size returns the number of keys covered.
func (r Range) Size() *big.Int {
	return hash.RangeSize(r.Start, r.End)
}

// Equal compares bounds and owner.
func (r Range) Equal(o Range) bool {
	return r.Start.Cmp(o.Start) == 0 && r.End.Cmp(o.End) == 0 && r.Owner == o.Owner
}

// SameBounds compares bounds only.
func (r Range) SameBounds(o Range) bool {
	return r.Start.Cmp(o.Start) == 0 && r.End.Cmp(o.End) == 0
}

func (r Range) String() string {
	return fmt.Sprintf("[%s..%s]@%s", hash.KeyToHex(r.Start)[:8], hash.KeyToHex(r.End)[:8], r.Owner)
}

type rangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Owner string `json:"owner"`
}

// MarshalJSON encodes bounds as 40 char hex.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(rangeJSON{Start: hash.KeyToHex(r.Start), End: hash.KeyToHex(r.End), Owner: r.Owner})
}

// UnmarshalJSON decodes and validates a range.
func (r *Range) UnmarshalJSON(data []byte) error {
	var raw rangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := hash.ParseKey(raw.Start)
	if err != nil {
		return err
	}
	end, err := hash.ParseKey(raw.End)
	if err != nil {
		return err
	}
	parsed, err := NewRange(start, end, raw.Owner)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func less(a, b Range) bool {
	return a.Start.Cmp(b.Start) < 0
}

// Table is the sorted, non-overlapping set of ranges with a modification index
// bumped on every structural change.
type Table struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[Range]
	modIndex uint64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{tree: btree.NewG[Range](btreeDegree, less)}
}

// Find returns the range containing key.
func (t *Table) Find(key *big.Int) (Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return find(t.tree, key)
}

func find(tree *btree.BTreeG[Range], key *big.Int) (Range, bool) {
	if key == nil {
		return Range{}, false
	}
	var (
		found Range
		ok    bool
	)
	tree.DescendLessOrEqual(Range{Start: key}, func(r Range) bool {
		if key.Cmp(r.End) <= 0 {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// overlaps reports whether r intersects any range in tree.
func overlaps(tree *btree.BTreeG[Range], r Range) bool {
	if _, ok := find(tree, r.Start); ok {
		return true
	}
	if _, ok := find(tree, r.End); ok {
		return true
	}
	// a range strictly inside (start, end)
	inside := false
	tree.AscendGreaterOrEqual(Range{Start: r.Start}, func(o Range) bool {
		inside = o.Start.Cmp(r.End) <= 0
		return false
	})
	return inside
}

func insert(tree *btree.BTreeG[Range], r Range) error {
	if overlaps(tree, r) {
		return fmt.Errorf("%w: %s", pkg.ErrRangeConflict, r)
	}
	tree.ReplaceOrInsert(r)
	return nil
}

func remove(tree *btree.BTreeG[Range], key *big.Int) (Range, error) {
	r, ok := find(tree, key)
	if !ok {
		return Range{}, fmt.Errorf("%w: %s", pkg.ErrRangeNotFound, hash.KeyToHex(key))
	}
	tree.Delete(r)
	return r, nil
}

// Append inserts [start, end] for owner. It fails with ErrRangeConflict when
// the new range overlaps an existing one.
func (t *Table) Append(start, end *big.Int, owner string) error {
	r, err := NewRange(start, end, owner)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := insert(t.tree, r); err != nil {
		return err
	}
	t.modIndex++
	return nil
}

// Remove deletes the range containing key.
func (t *Table) Remove(key *big.Int) (Range, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := remove(t.tree, key)
	if err != nil {
		return Range{}, err
	}
	t.modIndex++
	return r, nil
}

// ApplyBatch removes the ranges containing each key in removeKeys, then
// appends appendRanges. Either the whole batch applies and the modification
// index is bumped once, or nothing changes.
func (t *Table) ApplyBatch(removeKeys []*big.Int, appendRanges []Range) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	staged := t.tree.Clone()
	for _, k := range removeKeys {
		if _, err := remove(staged, k); err != nil {
			return err
		}
	}
	for _, r := range appendRanges {
		if _, err := NewRange(r.Start, r.End, r.Owner); err != nil {
			return err
		}
		if err := insert(staged, r); err != nil {
			return err
		}
	}

	t.tree = staged
	t.modIndex++
	return nil
}

// Contains reports whether every range in rs is present with the same owner.
func (t *Table) Contains(rs ...Range) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range rs {
		got, ok := find(t.tree, r.Start)
		if !ok || !got.Equal(r) {
			return false
		}
	}
	return true
}

// ModIndex returns the modification index.
func (t *Table) ModIndex() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modIndex
}

// Len returns the number of ranges.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Ranges returns all ranges sorted by start.
func (t *Table) Ranges() []Range {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Range, 0, t.tree.Len())
	t.tree.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Largest returns the widest range for which skip returns false.
func (t *Table) Largest(skip func(Range) bool) (Range, bool) {
	var (
		best Range
		ok   bool
	)
	for _, r := range t.Ranges() {
		if skip != nil && skip(r) {
			continue
		}
		if !ok || r.Size().Cmp(best.Size()) > 0 {
			best, ok = r, true
		}
	}
	return best, ok
}

// Gaps returns the uncovered stretches of the key space.
func (t *Table) Gaps() []Range {
	var gaps []Range
	next := hash.MinKey()
	done := false
	for _, r := range t.Ranges() {
		if r.Start.Cmp(next) > 0 {
			gaps = append(gaps, Range{Start: next, End: hash.Prev(r.Start)})
		}
		if r.End.Cmp(hash.MaxKey()) == 0 {
			done = true
			break
		}
		next = hash.Next(r.End)
	}
	if !done {
		gaps = append(gaps, Range{Start: next, End: hash.MaxKey()})
	}
	return gaps
}

// Snapshot is the serialized form of a table.
type Snapshot struct {
	ModIndex uint64  `json:"mod_index"`
	Ranges   []Range `json:"ranges"`
}

// Dump serializes the table.
func (t *Table) Dump() ([]byte, error) {
	t.mu.RLock()
	snap := Snapshot{ModIndex: t.modIndex, Ranges: make([]Range, 0, t.tree.Len())}
	t.tree.Ascend(func(r Range) bool {
		snap.Ranges = append(snap.Ranges, r)
		return true
	})
	t.mu.RUnlock()
	return json.Marshal(snap)
}

// Load replaces the table with a dump. The current contents are kept when
// the dump is malformed or overlapping.
func (t *Table) Load(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode range table: %w", err)
	}
	return t.Replace(snap)
}

// Replace swaps in the ranges of snap.
func (t *Table) Replace(snap Snapshot) error {
	tree := btree.NewG[Range](btreeDegree, less)
	for _, r := range snap.Ranges {
		if err := insert(tree, r); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.tree = tree
	t.modIndex = snap.ModIndex
	t.mu.Unlock()
	return nil
}
