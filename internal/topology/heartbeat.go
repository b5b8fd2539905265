package topology

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/zde37/rangedht/pkg"
	"golang.org/x/sync/errgroup"
)

type keepAliveParams struct {
	Node     string `json:"node"`
	NodeType string `json:"node_type"`
}

// keepAliveOperation answers a Superior check from one of our Uppers.
type keepAliveOperation struct {
	o *Operator
}

func (k *keepAliveOperation) Process(_ context.Context, req *Request) (*Response, error) {
	var p keepAliveParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.NodeType == "" {
		p.NodeType = k.o.Config().NodeType
	}
	if !k.o.touchUpper(p.NodeType, p.Node) {
		return Fail(RCNotMyNeighbour, "%s is not an upper neighbour", p.Node), nil
	}
	return OK(nil)
}

func (o *Operator) checkNeighboursLoop(ticker *clock.Ticker) {
	defer o.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.CheckNeighbours(o.ctx)
			o.TriggerRebalance()
		}
	}
}

// CheckNeighbours sends KeepAlive to every Superior and drops those that
// deny the relation or fail KeepAliveTryCount times in a row. Uppers that
// have been silent for longer than KeepAliveMaxWait are dropped too.
func (o *Operator) CheckNeighbours(ctx context.Context) {
	cfg := o.Config()
	params := keepAliveParams{Node: o.self, NodeType: cfg.NodeType}

	var g errgroup.Group
	for _, addr := range o.Neighbours(Superior) {
		g.Go(func() error {
			err := o.Call(ctx, addr, MethodKeepAlive, params, nil)
			switch {
			case err == nil:
				o.resetFailures(addr)
			case errors.Is(err, pkg.ErrNotMyNeighbour):
				o.removeNeighbour(cfg.NodeType, Superior, addr, "not my neighbour", 0)
			default:
				n := o.recordFailure(addr)
				o.logger.Warn().Err(err).Str("peer", addr).Int("failures", n).Msg("Keep-alive failed")
				if n >= cfg.KeepAliveTryCount {
					o.removeNeighbour(cfg.NodeType, Superior, addr, "keep-alive failed", 0)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, addr := range o.staleUppers(cfg.NodeType, cfg.KeepAliveMaxWait) {
		o.removeNeighbour(cfg.NodeType, Upper, addr, "keep-alive timeout", 0)
	}
}
