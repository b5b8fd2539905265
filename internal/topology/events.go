package topology

// Topology event types
const (
	EventNeighbourAdded   = "neighbour_added"
	EventNeighbourRemoved = "neighbour_removed"
	EventRebalance        = "rebalance"
	EventStatusChanged    = "status_changed"
	EventRangesUpdated    = "ranges_updated"
)

// Event describes a change in the node topology or DHT state.
type Event struct {
	Type      string `json:"type"`
	Node      string `json:"node"`           // node that emitted the event
	Peer      string `json:"peer,omitempty"` // neighbour involved, if any
	Direction string `json:"direction,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EventFunc receives events. It is called synchronously and must not block.
type EventFunc func(Event)

// Emit stamps and publishes an event.
func (o *Operator) Emit(ev Event) {
	if o.onEvent == nil {
		return
	}
	ev.Node = o.self
	if ev.Timestamp == 0 {
		ev.Timestamp = o.clock.Now().Unix()
	}
	o.onEvent(ev)
}
