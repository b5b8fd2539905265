package dht

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/zde37/rangedht/internal/config"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

// startBackgroundTasks starts the periodic maintenance loops.
func (n *Node) startBackgroundTasks(cfg *config.Config) {
	sweep := n.clock.Ticker(cfg.ReservationSweepInterval)
	check := n.clock.Ticker(cfg.CheckRangeTableInterval)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		defer sweep.Stop()
		for {
			select {
			case <-n.ctx.Done():
				n.logger.Debug().Msg("Sweep loop stopped")
				return
			case <-sweep.C:
				n.Sweep(n.ctx)
			}
		}
	}()
	go func() {
		defer n.wg.Done()
		defer check.Stop()
		for {
			select {
			case <-n.ctx.Done():
				n.logger.Debug().Msg("Range table check loop stopped")
				return
			case <-check.C:
				if err := n.CheckRangeTable(n.ctx); err != nil {
					n.logger.Debug().Err(err).Msg("Range table check failed")
				}
			}
		}
	}()
	n.logger.Debug().Msg("Background tasks started")
}

// Sweep runs one maintenance pass: parked reservation blocks are forwarded,
// stale handoffs are cancelled, old trash is emptied and gauges refreshed.
func (n *Node) Sweep(ctx context.Context) {
	n.SweepReservation(ctx)
	n.expireHandoffs()

	cfg := n.op.Config()
	if cfg.TrashMaxAge > 0 {
		if removed, err := n.store.EmptyTrashOlderThan(cfg.TrashMaxAge); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to empty trash")
		} else if removed > 0 {
			n.logger.Info().Int("removed", removed).Msg("Trash emptied")
		}
	}
	n.observeStore()
}

// SweepReservation moves reservation blocks older than the grace period to
// their owner. The local copy is only removed once the owner accepted it.
func (n *Node) SweepReservation(ctx context.Context) (forwarded int) {
	if n.Status() != StatusNormalWork {
		return 0
	}
	cfg := n.op.Config()
	now := n.clock.Now()

	for e := range n.store.IterReservation() {
		if ctx.Err() != nil {
			return forwarded
		}
		if now.Sub(e.ModTime) < cfg.ReservationGrace {
			continue
		}
		data, err := e.Read()
		if err != nil {
			continue
		}
		log := n.logger.WithFields(pkg.Fields{"key": hash.KeyToHex(e.Key)[:8]})

		if part, err := n.livePartition(); err == nil && part.Contains(e.Key) {
			if err := part.PutIfNewer(e.Key, data, e.ModTime, false); err != nil && !errors.Is(err, pkg.ErrOldData) {
				log.Warn().Err(err).Msg("Failed to adopt reservation block")
				continue
			}
		} else {
			owner, err := n.owner(e.Key)
			if err != nil || owner == n.Self() {
				continue
			}
			_, err = n.sendBlock(ctx, owner, MethodPutDataBlock, blockParams{
				Key:           hash.KeyToHex(e.Key),
				CarefullySave: true,
				StoredAt:      e.ModTime.UnixNano(),
			}, data)
			if err != nil && !errors.Is(err, pkg.ErrOldData) {
				log.Debug().Err(err).Str("owner", owner).Msg("Reservation forward failed")
				continue
			}
		}

		if err := n.store.RemoveReservation(e.Key); err != nil {
			log.Warn().Err(err).Msg("Failed to remove reservation block")
			continue
		}
		forwarded++
	}
	if forwarded > 0 {
		n.logger.Info().Int("blocks", forwarded).Msg("Reservation blocks forwarded")
	}
	return forwarded
}

// expireHandoffs cancels splits whose requester never fetched the data
// and forgets committed handoffs older than HandoffTimeout.
func (n *Node) expireHandoffs() {
	timeout := n.op.Config().HandoffTimeout
	now := n.clock.Now()

	n.hoMu.Lock()
	var stale []*handoff
	for requester, h := range n.outgoing {
		if h.handedOff != nil && !h.fetching && now.Sub(h.started) > timeout {
			delete(n.outgoing, requester)
			stale = append(stale, h)
		}
	}
	for requester, h := range n.finished {
		if now.Sub(h.finished) > timeout {
			delete(n.finished, requester)
		}
	}
	n.hoMu.Unlock()

	for _, h := range stale {
		if err := n.cancelHandoff(h, "handoff timed out"); err != nil {
			n.logger.Error().Err(err).Msg("Failed to cancel stale handoff")
		}
	}
}

// CheckRangeTable compares the local modification index with a random
// Superior and reloads the table when the peer is ahead.
func (n *Node) CheckRangeTable(ctx context.Context) error {
	peers := n.op.Neighbours(topology.Superior)
	if len(peers) == 0 {
		return nil
	}
	peer := peers[rand.IntN(len(peers))]

	var remote modIndexResult
	if err := n.op.Call(ctx, peer, MethodGetRangesTable, tableParams{ModIndexOnly: true}, &remote); err != nil {
		return err
	}
	local := n.op.RangeTable().ModIndex()
	if remote.ModIndex <= local {
		return nil
	}
	n.logger.Info().Str("peer", peer).Uint64("local", local).Uint64("remote", remote.ModIndex).
		Msg("Range table is stale")
	return n.resync(ctx, peer)
}

func (n *Node) observeStore() {
	if n.metrics == nil {
		return
	}
	primary := 0
	if part := n.op.LocalPartition(); part != nil {
		primary = part.Count()
	}
	reservation := 0
	for range n.store.IterReservation() {
		reservation++
	}
	n.metrics.SetBlocks(primary, n.store.Replicas().Count(), reservation)
	if free, err := n.store.FreePercent(); err == nil {
		n.metrics.SetFreePercent(free)
	}
}
