package topology

import "context"

type (
	ManageNeighbourParams = manageNeighbourParams
	DiscoveryParams       = discoveryParams
)

func (o *Operator) ManageNeighbour(ctx context.Context, addr string, p ManageNeighbourParams) (bool, error) {
	return o.manageNeighbour(ctx, addr, p)
}

// PendingRebalances exposes the rebalance trigger queue.
func (o *Operator) PendingRebalances() chan struct{} { return o.rebalanceCh }

// Refused reports whether addr is in the refusal cache for t.
func (o *Operator) Refused(t NeighbourType, addr string) bool {
	return o.refusals[t].Contains(addr)
}
