// Package correlator tracks in-flight message ids so duplicate deliveries
// are dropped and responses find the call that is waiting for them.
package correlator

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of message ids remembered.
const DefaultCapacity = 10000

// Record is the state kept per message id.
type Record[T any] struct {
	MessageID     string
	Operation     string
	Sender        string
	ResponseCount int
	SideData      map[string]any

	waiter chan T
}

// Correlator is a fixed capacity FIFO of message records. Lookups use Peek
// so reading an id never refreshes its position; the oldest inserted id is
// always the next one evicted.
type Correlator[T any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Record[T]]
}

// New creates a correlator holding at most capacity ids.
func New[T any](capacity int) (*Correlator[T], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, *Record[T]](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create correlator: %w", err)
	}
	return &Correlator[T]{cache: cache}, nil
}

// RegisterIfAbsent inserts rec under id unless the id is already known.
// It returns false for an id that is being or has been processed.
func (c *Correlator[T]) RegisterIfAbsent(id string, rec *Record[T]) bool {
	if rec == nil {
		rec = &Record[T]{}
	}
	rec.MessageID = id
	if rec.SideData == nil {
		rec.SideData = make(map[string]any)
	}
	found, _ := c.cache.ContainsOrAdd(id, rec)
	return !found
}

// Get returns a copy of the record for id.
func (c *Correlator[T]) Get(id string) (Record[T], bool) {
	rec, ok := c.cache.Peek(id)
	if !ok {
		return Record[T]{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *rec
	cp.SideData = make(map[string]any, len(rec.SideData))
	for k, v := range rec.SideData {
		cp.SideData[k] = v
	}
	cp.waiter = nil
	return cp, true
}

// Update applies fn to the record for id.
func (c *Correlator[T]) Update(id string, fn func(*Record[T])) bool {
	rec, ok := c.cache.Peek(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(rec)
	return true
}

// Remove forgets id.
func (c *Correlator[T]) Remove(id string) {
	c.cache.Remove(id)
}

// Expect attaches a one-shot waiter to id. The channel receives the first
// response resolved for id.
func (c *Correlator[T]) Expect(id string) (<-chan T, bool) {
	rec, ok := c.cache.Peek(id)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.waiter == nil {
		rec.waiter = make(chan T, 1)
	}
	return rec.waiter, true
}

// Resolve counts a response for id and hands it to a waiting caller. It
// returns the record and whether a waiter took the response.
func (c *Correlator[T]) Resolve(id string, resp T) (Record[T], bool, bool) {
	rec, ok := c.cache.Peek(id)
	if !ok {
		return Record[T]{}, false, false
	}

	c.mu.Lock()
	rec.ResponseCount++
	waiter := rec.waiter
	rec.waiter = nil
	cp := *rec
	cp.waiter = nil
	c.mu.Unlock()

	if waiter == nil {
		return cp, true, false
	}
	waiter <- resp
	return cp, true, true
}

// Len returns the number of remembered ids.
func (c *Correlator[T]) Len() int {
	return c.cache.Len()
}
