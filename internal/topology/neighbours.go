package topology

import (
	"fmt"
	"slices"
	"time"
)

// NeighbourType is the direction of a neighbour relation.
type NeighbourType string

const (
	// Superior neighbours are the peers this node escalates and forwards to.
	Superior NeighbourType = "superior"
	// Upper neighbours are the peers that hold this node as their Superior.
	Upper NeighbourType = "upper"
)

// Opposite returns the relation the peer keeps for this node.
func (t NeighbourType) Opposite() NeighbourType {
	if t == Superior {
		return Upper
	}
	return Superior
}

// ParseNeighbourType validates a wire value.
func ParseNeighbourType(s string) (NeighbourType, error) {
	switch NeighbourType(s) {
	case Superior, Upper:
		return NeighbourType(s), nil
	}
	return "", fmt.Errorf("unknown neighbour type %q", s)
}

// neighbourSet holds both directions for one node type.
type neighbourSet map[NeighbourType][]string

// nodeSet returns the set for nodeType, creating it. Caller holds nbMu.
func (o *Operator) nodeSet(nodeType string) neighbourSet {
	set, ok := o.neighbours[nodeType]
	if !ok {
		set = neighbourSet{Superior: nil, Upper: nil}
		o.neighbours[nodeType] = set
	}
	return set
}

// Neighbours returns the neighbours of this node's own type in t.
func (o *Operator) Neighbours(t NeighbourType) []string {
	return o.NeighboursOf(o.Config().NodeType, t)
}

// NeighboursOf returns the neighbours of nodeType in t.
func (o *Operator) NeighboursOf(nodeType string, t NeighbourType) []string {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	return slices.Clone(o.nodeSet(nodeType)[t])
}

// IsNeighbour reports whether addr is in t.
func (o *Operator) IsNeighbour(t NeighbourType, addr string) bool {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	return slices.Contains(o.nodeSet(o.Config().NodeType)[t], addr)
}

// SetNeighbour adds addr to t unless it is already there. It returns true
// when the set changed.
func (o *Operator) SetNeighbour(t NeighbourType, addr string) bool {
	added, _ := o.appendNeighbour(o.Config().NodeType, t, addr, 0)
	return added
}

// appendNeighbour adds addr when the set has fewer than limit entries. A
// limit of 0 means no limit. It reports whether addr was added and whether
// it is in the set afterwards.
func (o *Operator) appendNeighbour(nodeType string, t NeighbourType, addr string, limit int) (added, present bool) {
	if addr == "" || addr == o.self {
		return false, false
	}

	o.nbMu.Lock()
	set := o.nodeSet(nodeType)
	switch {
	case slices.Contains(set[t], addr):
		present = true
	case limit > 0 && len(set[t]) >= limit:
	default:
		set[t] = append(set[t], addr)
		if t == Upper {
			o.lastSeen[addr] = o.clock.Now()
		} else {
			o.failures[addr] = 0
		}
		added, present = true, true
	}
	count := len(set[t])
	o.nbMu.Unlock()

	if added {
		o.logger.Info().Str("peer", addr).Str("direction", string(t)).Msg("Neighbour added")
		o.Emit(Event{Type: EventNeighbourAdded, Peer: addr, Direction: string(t), Message: "neighbour added"})
		o.metrics.SetNeighbours(string(t), count)
	}
	return added, present
}

// RemoveNeighbour drops addr from t and schedules a rebalance. It returns
// true when the set changed.
func (o *Operator) RemoveNeighbour(t NeighbourType, addr string) bool {
	return o.removeNeighbour(o.Config().NodeType, t, addr, "removed", 0)
}

// removeNeighbour drops addr when the set has more than minKeep entries.
func (o *Operator) removeNeighbour(nodeType string, t NeighbourType, addr, reason string, minKeep int) bool {
	o.nbMu.Lock()
	set := o.nodeSet(nodeType)
	idx := slices.Index(set[t], addr)
	if idx < 0 || len(set[t]) <= minKeep {
		o.nbMu.Unlock()
		return false
	}
	set[t] = slices.Delete(set[t], idx, idx+1)
	if !slices.Contains(set[t.Opposite()], addr) {
		delete(o.lastSeen, addr)
		delete(o.failures, addr)
	} else if t == Upper {
		delete(o.lastSeen, addr)
	} else {
		delete(o.failures, addr)
	}
	remaining := len(set[t])
	o.nbMu.Unlock()

	o.logger.Info().Str("peer", addr).Str("direction", string(t)).Str("reason", reason).Msg("Neighbour removed")
	o.Emit(Event{Type: EventNeighbourRemoved, Peer: addr, Direction: string(t), Message: reason})
	o.metrics.SetNeighbours(string(t), remaining)
	o.TriggerRebalance()
	return true
}

// touchUpper records a keep-alive from an Upper neighbour.
func (o *Operator) touchUpper(nodeType, addr string) bool {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	if !slices.Contains(o.nodeSet(nodeType)[Upper], addr) {
		return false
	}
	o.lastSeen[addr] = o.clock.Now()
	return true
}

// staleUppers returns Upper neighbours silent for longer than maxWait.
func (o *Operator) staleUppers(nodeType string, maxWait time.Duration) []string {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	now := o.clock.Now()
	var stale []string
	for _, addr := range o.nodeSet(nodeType)[Upper] {
		if now.Sub(o.lastSeen[addr]) > maxWait {
			stale = append(stale, addr)
		}
	}
	return stale
}

// recordFailure bumps the keep-alive failure counter of a Superior.
func (o *Operator) recordFailure(addr string) int {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	o.failures[addr]++
	return o.failures[addr]
}

func (o *Operator) resetFailures(addr string) {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	o.failures[addr] = 0
}

// allNeighbours returns Superior then Upper neighbours without duplicates.
func (o *Operator) allNeighbours(nodeType string) []string {
	o.nbMu.Lock()
	defer o.nbMu.Unlock()
	set := o.nodeSet(nodeType)
	out := slices.Clone(set[Superior])
	for _, addr := range set[Upper] {
		if !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}
