package topology

import (
	"context"
	"fmt"
	"slices"
)

// Topology methods
const (
	MethodDiscovery       = "DiscoveryOperation"
	MethodManageNeighbour = "ManageNeighbour"
	MethodKeepAlive       = "KeepAlive"
)

// ManageNeighbour operations
const (
	NeighbourAppend = "append"
	NeighbourRemove = "remove"
)

type discoveryParams struct {
	Node         string `json:"node"`
	NodeType     string `json:"node_type"`
	Rebalance    bool   `json:"rebalance,omitempty"`
	NeedUpper    int    `json:"need_upper"`
	NeedSuperior int    `json:"need_superior"`

	// nodes the requester already holds in each direction
	ExcludeUpper    []string `json:"exclude_upper,omitempty"`
	ExcludeSuperior []string `json:"exclude_superior,omitempty"`
}

// DiscoveryResult lists the nodes paired with the requester.
type DiscoveryResult struct {
	Uppers    []string `json:"uppers"`
	Superiors []string `json:"superiors"`
}

type manageNeighbourParams struct {
	Operation     string `json:"operation"`
	NeighbourType string `json:"neighbour_type"`
	Node          string `json:"node"`
	NodeType      string `json:"node_type"`
	Force         bool   `json:"force,omitempty"`
}

type manageNeighbourResult struct {
	Changed bool `json:"changed"`
}

// Discover asks the bootstrap nodes, in order, to weave this node into the
// mesh. The first node without bootstrap peers is the whole network.
func (o *Operator) Discover(ctx context.Context, bootstrap []string) error {
	cfg := o.Config()
	peers := slices.DeleteFunc(slices.Clone(bootstrap), func(addr string) bool { return addr == o.self || addr == "" })
	if len(peers) == 0 {
		o.logger.Info().Msg("No bootstrap nodes, starting as first node")
		return nil
	}

	var lastErr error
	for _, peer := range peers {
		var res DiscoveryResult
		err := o.Call(ctx, peer, MethodDiscovery, discoveryParams{
			Node:         o.self,
			NodeType:     cfg.NodeType,
			NeedUpper:    cfg.NeighbourFanout,
			NeedSuperior: cfg.NeighbourFanout,
		}, &res)
		if err != nil {
			o.logger.Warn().Err(err).Str("bootstrap", peer).Msg("Discovery failed")
			lastErr = err
			continue
		}
		o.logger.Info().
			Str("bootstrap", peer).
			Strs("superiors", res.Superiors).
			Strs("uppers", res.Uppers).
			Msg("Discovery completed")
		return nil
	}
	return fmt.Errorf("discovery through %d bootstrap nodes failed: %w", len(peers), lastErr)
}

// discoveryOperation pairs the requester with this node and its neighbours.
// For every Upper slot a candidate is asked to record the requester as its
// Superior, then the requester is told to record the candidate as Upper.
// Superior slots mirror this walking the candidates from the other end.
type discoveryOperation struct {
	o *Operator
}

func (d *discoveryOperation) Process(ctx context.Context, req *Request) (*Response, error) {
	var p discoveryParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	o := d.o
	if p.Node == "" || p.Node == o.self {
		return Fail(RCError, "invalid discovery node %q", p.Node), nil
	}
	if p.NodeType == "" {
		p.NodeType = o.Config().NodeType
	}

	candidates := []string{o.self}
	for _, addr := range o.allNeighbours(p.NodeType) {
		if !slices.Contains(candidates, addr) {
			candidates = append(candidates, addr)
		}
	}
	candidates = slices.DeleteFunc(candidates, func(addr string) bool { return addr == p.Node })

	var res DiscoveryResult
	for _, c := range candidates {
		if len(res.Uppers) >= p.NeedUpper {
			break
		}
		if !slices.Contains(p.ExcludeUpper, c) && d.pair(ctx, p.NodeType, p.Node, c, Upper) {
			res.Uppers = append(res.Uppers, c)
		}
	}
	for _, c := range slices.Backward(candidates) {
		if len(res.Superiors) >= p.NeedSuperior {
			break
		}
		if !slices.Contains(p.ExcludeSuperior, c) && d.pair(ctx, p.NodeType, p.Node, c, Superior) {
			res.Superiors = append(res.Superiors, c)
		}
	}

	o.logger.Info().
		Str("node", p.Node).
		Bool("rebalance", p.Rebalance).
		Strs("superiors", res.Superiors).
		Strs("uppers", res.Uppers).
		Msg("Discovery request served")
	return OK(res)
}

// pair makes candidate the t-neighbour of node. The candidate side is
// recorded first and rolled back if the node side refuses.
func (d *discoveryOperation) pair(ctx context.Context, nodeType, node, candidate string, t NeighbourType) bool {
	o := d.o
	added, err := o.manageNeighbour(ctx, candidate, manageNeighbourParams{
		Operation:     NeighbourAppend,
		NeighbourType: string(t.Opposite()),
		Node:          node,
		NodeType:      nodeType,
	})
	if err != nil {
		o.logger.Debug().Err(err).Str("candidate", candidate).Str("node", node).Msg("Candidate refused neighbour")
		return false
	}

	if _, err := o.manageNeighbour(ctx, node, manageNeighbourParams{
		Operation:     NeighbourAppend,
		NeighbourType: string(t),
		Node:          candidate,
		NodeType:      nodeType,
	}); err != nil {
		o.logger.Debug().Err(err).Str("candidate", candidate).Str("node", node).Msg("Node refused neighbour")
		if added {
			if _, err := o.manageNeighbour(ctx, candidate, manageNeighbourParams{
				Operation:     NeighbourRemove,
				NeighbourType: string(t.Opposite()),
				Node:          node,
				NodeType:      nodeType,
				Force:         true,
			}); err != nil {
				o.logger.Warn().Err(err).Str("candidate", candidate).Msg("Failed to roll back neighbour")
			}
		}
		return false
	}
	return true
}

// manageNeighbour runs ManageNeighbour on addr, locally when addr is self.
func (o *Operator) manageNeighbour(ctx context.Context, addr string, p manageNeighbourParams) (bool, error) {
	var res manageNeighbourResult
	if err := o.Call(ctx, addr, MethodManageNeighbour, p, &res); err != nil {
		return false, err
	}
	return res.Changed, nil
}

// manageNeighbourOperation appends or removes a neighbour on request of a
// peer. Appends stop at fanout+1 entries; removes keep at least fanout.
type manageNeighbourOperation struct {
	o *Operator
}

func (m *manageNeighbourOperation) Process(_ context.Context, req *Request) (*Response, error) {
	var p manageNeighbourParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	t, err := ParseNeighbourType(p.NeighbourType)
	if err != nil {
		return Fail(RCError, "%v", err), nil
	}
	o := m.o
	cfg := o.Config()
	if p.NodeType == "" {
		p.NodeType = cfg.NodeType
	}

	switch p.Operation {
	case NeighbourAppend:
		added, present := o.appendNeighbour(p.NodeType, t, p.Node, cfg.NeighbourFanout+1)
		if !present {
			return Fail(RCDontAppend, "%s neighbours full", t), nil
		}
		return OK(manageNeighbourResult{Changed: added})

	case NeighbourRemove:
		if !slices.Contains(o.NeighboursOf(p.NodeType, t), p.Node) {
			return OK(manageNeighbourResult{})
		}
		minKeep := cfg.NeighbourFanout
		if p.Force {
			minKeep = 0
		}
		if !o.removeNeighbour(p.NodeType, t, p.Node, "removed by peer", minKeep) {
			return Fail(RCDontRemove, "%s neighbours at fanout", t), nil
		}
		return OK(manageNeighbourResult{Changed: true})
	}
	return Fail(RCError, "unknown neighbour operation %q", p.Operation), nil
}
