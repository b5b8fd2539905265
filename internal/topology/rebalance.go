package topology

import (
	"context"
	"errors"
	"slices"

	"github.com/zde37/rangedht/pkg"
)

// TriggerRebalance schedules a rebalance without blocking.
func (o *Operator) TriggerRebalance() {
	select {
	case o.rebalanceCh <- struct{}{}:
	default:
	}
}

func (o *Operator) rebalanceLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.rebalanceCh:
			o.Rebalance(o.ctx)
		}
	}
}

// Rebalance moves the neighbour counts towards the fanout: surplus
// neighbours are released one per direction, and a deficit is filled by
// asking a neighbour or bootstrap node to run discovery for us.
func (o *Operator) Rebalance(ctx context.Context) {
	cfg := o.Config()
	fanout := cfg.NeighbourFanout

	for _, t := range []NeighbourType{Superior, Upper} {
		if len(o.Neighbours(t)) > fanout {
			o.dropSurplus(ctx, t)
		}
	}

	needSuperior := fanout - len(o.Neighbours(Superior))
	needUpper := fanout - len(o.Neighbours(Upper))
	if needSuperior <= 0 && needUpper <= 0 {
		return
	}
	o.requestNeighbours(ctx, max(needSuperior, 0), max(needUpper, 0))
}

// dropSurplus asks one t-neighbour to release us, trying peers that are
// also in the opposite direction first.
func (o *Operator) dropSurplus(ctx context.Context, t NeighbourType) {
	cfg := o.Config()
	current := o.Neighbours(t)
	opposite := o.Neighbours(t.Opposite())

	var candidates []string
	for _, addr := range slices.Backward(current) {
		if slices.Contains(opposite, addr) {
			candidates = append(candidates, addr)
		}
	}
	for _, addr := range slices.Backward(current) {
		if !slices.Contains(opposite, addr) {
			candidates = append(candidates, addr)
		}
	}

	refusals := o.refusals[t]
	for _, addr := range candidates {
		if refusals.Contains(addr) {
			continue
		}
		_, err := o.manageNeighbour(ctx, addr, manageNeighbourParams{
			Operation:     NeighbourRemove,
			NeighbourType: string(t.Opposite()),
			Node:          o.self,
			NodeType:      cfg.NodeType,
		})
		var remote *RemoteError
		switch {
		case err == nil:
			if o.removeNeighbour(cfg.NodeType, t, addr, "rebalance", cfg.NeighbourFanout) {
				o.Emit(Event{Type: EventRebalance, Peer: addr, Direction: string(t), Message: "surplus neighbour released"})
			}
			return
		case errors.As(err, &remote) && remote.Code == RCDontRemove:
			refusals.Add(addr, struct{}{})
		case errors.Is(err, pkg.ErrOperationTimeout):
			o.logger.Debug().Err(err).Str("peer", addr).Msg("Surplus neighbour unreachable")
		default:
			o.logger.Debug().Err(err).Str("peer", addr).Msg("Surplus neighbour release failed")
		}
	}
}

// requestNeighbours asks helpers to pair us with more nodes.
func (o *Operator) requestNeighbours(ctx context.Context, needSuperior, needUpper int) {
	cfg := o.Config()
	helpers := o.allNeighbours(cfg.NodeType)
	for _, addr := range cfg.BootstrapNodes {
		if addr != o.self && !slices.Contains(helpers, addr) {
			helpers = append(helpers, addr)
		}
	}
	if len(helpers) == 0 {
		return
	}
	o.Emit(Event{Type: EventRebalance, Message: "neighbour deficit"})

	for _, helper := range helpers {
		if needSuperior <= 0 && needUpper <= 0 {
			return
		}
		var res DiscoveryResult
		err := o.Call(ctx, helper, MethodDiscovery, discoveryParams{
			Node:            o.self,
			NodeType:        cfg.NodeType,
			Rebalance:       true,
			NeedUpper:       needUpper,
			NeedSuperior:    needSuperior,
			ExcludeUpper:    o.Neighbours(Upper),
			ExcludeSuperior: o.Neighbours(Superior),
		}, &res)
		if err != nil {
			o.logger.Debug().Err(err).Str("helper", helper).Msg("Rebalance discovery failed")
			continue
		}
		needSuperior -= len(res.Superiors)
		needUpper -= len(res.Uppers)
	}
}
