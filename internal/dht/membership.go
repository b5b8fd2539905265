package dht

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/cenkalti/backoff/v4"
	"github.com/zde37/rangedht/internal/partition"
	"github.com/zde37/rangedht/internal/ranges"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

// initLoop keeps trying to claim a range until one is owned.
func (n *Node) initLoop() {
	defer n.wg.Done()
	for {
		err := n.loadRangeTable(n.ctx)
		if err == nil {
			if err = n.startAsDhtMember(n.ctx); err == nil {
				return
			}
		}
		if n.ctx.Err() != nil {
			return
		}

		delay := n.op.Config().InitRetryDelay
		n.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to join DHT")
		select {
		case <-n.ctx.Done():
			return
		case <-n.clock.After(delay):
		}
	}
}

// loadRangeTable polls neighbours and bootstrap nodes until one returns a
// non-empty range table.
func (n *Node) loadRangeTable(ctx context.Context) error {
	cfg := n.op.Config()
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = cfg.InitRetryDelay
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		peers := n.op.Neighbours(topology.Superior)
		peers = append(peers, n.op.Neighbours(topology.Upper)...)
		peers = append(peers, n.bootstrapPeers()...)

		for _, peer := range peers {
			snap, err := n.fetchTable(ctx, peer)
			if err != nil {
				n.logger.Debug().Err(err).Str("peer", peer).Msg("GetRangesTable failed")
				continue
			}
			if len(snap.Ranges) == 0 {
				continue
			}
			if err := n.op.RangeTable().Replace(snap); err != nil {
				n.logger.Warn().Err(err).Str("peer", peer).Msg("Peer sent a broken range table")
				continue
			}
			n.observeTable()
			n.logger.Info().Str("peer", peer).Int("ranges", len(snap.Ranges)).Msg("Range table loaded")
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errors.New("no peer has a range table yet")
	}, backoff.WithContext(b, ctx))
}

// startAsDhtMember asks owners of the largest ranges, one after another, to
// hand off the upper half of their range.
func (n *Node) startAsDhtMember(ctx context.Context) error {
	cfg := n.op.Config()
	table := n.op.RangeTable()
	tried := make(map[string]bool)

	var lastErr error
	for i := 0; i < cfg.InitTryCount; i++ {
		r, ok := table.Largest(func(r ranges.Range) bool {
			return r.Owner == n.Self() || tried[r.String()] || r.Start.Cmp(r.End) == 0
		})
		if !ok {
			break
		}
		tried[r.String()] = true

		start := hash.Next(hash.Midpoint(r.Start, r.End))
		if err := n.claim(ctx, r.Owner, start, r.End); err != nil {
			n.logger.Warn().Err(err).Str("owner", r.Owner).Str("range", r.String()).Msg("Range claim failed")
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no range to split")
	}
	return fmt.Errorf("no range claimed: %w", lastErr)
}

// claim runs the handoff protocol for [start, end] against owner.
func (n *Node) claim(ctx context.Context, owner string, start, end *big.Int) error {
	cfg := n.op.Config()
	params := newRangeParams(start, end)

	if err := n.op.Call(ctx, owner, MethodSplitRangeRequest, params, nil); err != nil {
		return fmt.Errorf("split request: %w", err)
	}

	part, err := n.store.NewPartition(start, end)
	if err != nil {
		n.cancelClaim(ctx, owner, params)
		return err
	}
	n.op.UpdatePartition(part)

	// fail asks the owner to cancel. An owner that already committed the
	// handoff answers with its batch and the claim completes anyway.
	fail := func(cause error) error {
		if res := n.cancelClaim(ctx, owner, params); res.Batch != nil {
			n.logger.Warn().Err(cause).Str("owner", owner).Msg("Owner committed the handoff, keeping the range")
			return n.completeClaim(ctx, owner, part, *res.Batch)
		}
		n.op.UpdatePartition(nil)
		if _, terr := part.MoveToTrash(); terr != nil {
			n.logger.Warn().Err(terr).Str("range", part.String()).Msg("Failed to trash claimed range")
		}
		return cause
	}

	req := topology.MustRequest(MethodGetRangeDataRequest, params)
	wait := n.expect(req.MessageID)
	if err := n.op.CallNodeAsync(ctx, owner, req); err != nil {
		n.forget(req.MessageID)
		return fail(err)
	}

	var resp *topology.Response
	select {
	case resp = <-wait:
	case <-n.clock.After(cfg.HandoffTimeout):
		n.forget(req.MessageID)
		return fail(fmt.Errorf("%w: range data from %s", pkg.ErrOperationTimeout, owner))
	case <-ctx.Done():
		n.forget(req.MessageID)
		return fail(ctx.Err())
	}
	if err := resp.Err(); err != nil {
		return fail(fmt.Errorf("range data request: %w", err))
	}

	var batch TableBatch
	if err := resp.Decode(&batch); err != nil {
		return fail(err)
	}
	return n.completeClaim(ctx, owner, part, batch)
}

// completeClaim applies the owner's handoff batch and starts normal work.
func (n *Node) completeClaim(ctx context.Context, owner string, part *partition.Partition, batch TableBatch) error {
	if _, err := n.applyBatch(batch); err != nil {
		n.logger.Warn().Err(err).Msg("Handoff batch does not apply, resyncing")
		if err := n.resync(context.WithoutCancel(ctx), owner); err != nil {
			n.logger.Error().Err(err).Msg("Range table resync failed")
		}
	}

	n.setStatus(StatusNormalWork)
	n.logger.Info().Str("range", part.String()).Str("from", owner).Int("blocks", part.Count()).
		Msg("Joined DHT")
	return nil
}

// cancelClaim asks owner to undo the split. It runs even when ctx is done
// so the owner does not keep a half-split range.
func (n *Node) cancelClaim(ctx context.Context, owner string, params rangeParams) cancelResult {
	var res cancelResult
	if err := n.op.Call(context.WithoutCancel(ctx), owner, MethodSplitRangeCancel, params, &res); err != nil {
		n.logger.Warn().Err(err).Str("owner", owner).Msg("Split cancel failed")
	}
	return res
}
