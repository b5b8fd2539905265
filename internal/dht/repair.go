package dht

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/zde37/rangedht/internal/partition"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/block"
	"github.com/zde37/rangedht/pkg/hash"
)

// RepairLocal checks the blocks held by this node. Broken replicas are
// dropped so their primary owner pushes a fresh copy; broken primaries are
// pulled back from a replica; valid primaries get their replicas checked
// and re-pushed where missing or broken.
func (n *Node) RepairLocal(ctx context.Context) (RepairStats, error) {
	var stats RepairStats

	replicas := n.store.Replicas()
	var invalid []*big.Int
	err := replicas.ForEach(func(e partition.ReplicaEntry) error {
		if block.Verify(e.Data) != nil {
			invalid = append(invalid, e.Key)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	// a fresh push may replace a broken replica before it is dropped
	broken := func(data []byte) bool { return block.Verify(data) != nil }
	for _, k := range invalid {
		stats.InvalidLocalBlocks++
		dropped, err := replicas.DeleteIf(k, broken)
		switch {
		case err != nil && !errors.Is(err, pkg.ErrNoData):
			n.logger.Warn().Err(err).Str("key", hash.KeyToHex(k)[:8]).Msg("Failed to drop broken replica")
		case dropped:
			n.logger.Warn().Str("key", hash.KeyToHex(k)[:8]).Msg("Broken replica dropped")
		}
	}

	part, err := n.livePartition()
	if err != nil {
		n.metrics.AddRepair(stats.InvalidLocalBlocks, 0, 0)
		return stats, nil
	}

	for e := range part.Entries() {
		if ctx.Err() != nil {
			break
		}
		stats.ProcessedLocalBlocks++

		data, err := e.Read()
		if err == nil {
			err = block.Verify(data)
		}
		if err != nil {
			stats.InvalidLocalBlocks++
			count := n.op.Config().DefaultReplicaCount
			if h, herr := block.ReadHeader(data); herr == nil {
				count = h.ReplicaCount
			}
			if n.pullPrimary(ctx, e.Key, count) {
				n.logger.Info().Str("key", hash.KeyToHex(e.Key)[:8]).Msg("Primary block restored from replica")
			} else {
				n.logger.Warn().Err(err).Str("key", hash.KeyToHex(e.Key)[:8]).Msg("Primary block broken, no valid replica")
			}
			continue
		}

		h, _ := block.ReadHeader(data)
		repaired, failed := n.repairReplicas(ctx, e.Key, h.ReplicaCount, data, e.ModTime)
		stats.RepairedForeignBlocks += repaired
		stats.FailedRepairForeignBlocks += failed
	}

	n.metrics.AddRepair(stats.InvalidLocalBlocks, stats.RepairedForeignBlocks, stats.FailedRepairForeignBlocks)
	n.logger.Info().
		Int("processed", stats.ProcessedLocalBlocks).
		Int("invalid_local", stats.InvalidLocalBlocks).
		Int("repaired_foreign", stats.RepairedForeignBlocks).
		Int("failed_foreign", stats.FailedRepairForeignBlocks).
		Msg("Repair pass finished")
	return stats, nil
}

// repairReplicas checks every replica of a valid primary block.
func (n *Node) repairReplicas(ctx context.Context, primary *big.Int, count int, data []byte, storedAt time.Time) (repaired, failed int) {
	sum := block.Checksum(data)
	for _, k := range hash.DerivedKeys(primary, count)[1:] {
		owner, err := n.owner(k)
		if err != nil {
			failed++
			continue
		}
		params := blockParams{Key: hash.KeyToHex(k), IsReplica: true, Checksum: sum}
		_, err = n.sendBlock(ctx, owner, MethodCheckDataBlock, params, nil)
		if err == nil {
			continue
		}
		if !errors.Is(err, pkg.ErrNoData) && !errors.Is(err, pkg.ErrChecksumMismatch) {
			n.logger.Warn().Err(err).Str("owner", owner).Msg("Replica check failed")
			failed++
			continue
		}

		params.Checksum = ""
		params.StoredAt = storedAt.UnixNano()
		if _, err := n.sendBlock(ctx, owner, MethodPutDataBlock, params, data); err != nil {
			n.logger.Warn().Err(err).Str("owner", owner).Msg("Replica push failed")
			failed++
			continue
		}
		repaired++
	}
	return repaired, failed
}

// pullPrimary replaces a broken primary with the first valid replica.
func (n *Node) pullPrimary(ctx context.Context, primary *big.Int, count int) bool {
	for _, k := range hash.DerivedKeys(primary, count)[1:] {
		owner, err := n.owner(k)
		if err != nil {
			continue
		}
		resp, err := n.sendBlock(ctx, owner, MethodGetDataBlock, blockParams{Key: hash.KeyToHex(k), IsReplica: true}, nil)
		if err != nil || block.Verify(resp.Binary) != nil {
			continue
		}
		if err := n.storePrimary(primary, resp.Binary, time.Time{}, false); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to store pulled primary")
			return false
		}
		return true
	}
	return false
}

type repairCollector struct {
	mu     sync.Mutex
	stats  RepairStats
	nodes  map[string]bool
	expect int
	done   chan struct{}
}

func (c *repairCollector) add(from string, s RepairStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes[from] {
		return
	}
	c.nodes[from] = true
	c.stats.Add(s)
	if len(c.nodes) == c.expect {
		close(c.done)
	}
}

// RepairNetwork runs a repair pass on every DHT member and sums the
// results. It returns when every range owner has answered or ctx ends.
func (n *Node) RepairNetwork(ctx context.Context) (RepairStats, int, error) {
	owners := make(map[string]bool)
	for _, r := range n.op.RangeTable().Ranges() {
		owners[r.Owner] = true
	}
	if len(owners) == 0 {
		return RepairStats{}, 0, pkg.ErrNodeNotReady
	}

	req := topology.MustRequest(MethodRepairDataBlocks, nil)
	c := &repairCollector{nodes: make(map[string]bool), expect: len(owners), done: make(chan struct{})}
	n.repairMu.Lock()
	n.repairs[req.MessageID] = c
	n.repairMu.Unlock()
	defer func() {
		n.repairMu.Lock()
		delete(n.repairs, req.MessageID)
		n.repairMu.Unlock()
	}()

	if err := n.op.CallNetwork(ctx, req); err != nil {
		return RepairStats{}, 0, err
	}
	select {
	case <-c.done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, len(c.nodes), nil
}

type repairDataBlocks struct{ n *Node }

func (o *repairDataBlocks) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	if req.Role == RoleClient {
		cfg := o.n.op.Config()
		ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		stats, nodes, err := o.n.RepairNetwork(ctx)
		if err != nil {
			return nil, err
		}
		return topology.OK(map[string]any{"nodes": nodes, "stats": stats})
	}
	stats, err := o.n.RepairLocal(ctx)
	if err != nil {
		return nil, err
	}
	return topology.OK(stats)
}

func (o *repairDataBlocks) Callback(_ context.Context, resp *topology.Response) {
	o.n.repairMu.Lock()
	c := o.n.repairs[resp.MessageID]
	o.n.repairMu.Unlock()
	if c == nil {
		return
	}
	var stats RepairStats
	if err := resp.Err(); err != nil {
		o.n.logger.Warn().Err(err).Str("from", resp.From).Msg("Repair failed on peer")
	} else if err := resp.Decode(&stats); err != nil {
		o.n.logger.Warn().Err(err).Str("from", resp.From).Msg("Bad repair response")
	}
	c.add(resp.From, stats)
}
