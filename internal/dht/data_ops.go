package dht

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zde37/rangedht/internal/partition"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/block"
	"github.com/zde37/rangedht/pkg/hash"
)

// retiredRetries bounds how often a write follows a partition swap.
const retiredRetries = 3

// withPartition runs fn on the live partition, re-reading it when a split
// finished underneath the write.
func (n *Node) withPartition(fn func(*partition.Partition) error) error {
	var err error
	for i := 0; i < retiredRetries; i++ {
		var part *partition.Partition
		if part, err = n.livePartition(); err != nil {
			return err
		}
		if err = fn(part); !errors.Is(err, partition.ErrRetired) {
			return err
		}
	}
	return err
}

// storePrimary writes a primary block, honouring carefully-save.
func (n *Node) storePrimary(key *big.Int, data []byte, storedAt time.Time, carefully bool) error {
	return n.withPartition(func(p *partition.Partition) error {
		if carefully {
			return p.PutIfNewer(key, data, storedAt, true)
		}
		return p.Put(key, data, storedAt, true)
	})
}

// storeReplica writes a replica block, honouring carefully-save.
func (n *Node) storeReplica(key *big.Int, data []byte, storedAt time.Time, carefully bool) error {
	replicas := n.store.Replicas()
	if carefully && !storedAt.IsZero() {
		if _, current, err := replicas.Get(key); err == nil && current.After(storedAt) {
			return fmt.Errorf("%w: replica stored at %s", pkg.ErrOldData, current.Format(time.RFC3339Nano))
		}
	}
	if storedAt.IsZero() {
		storedAt = n.clock.Now()
	}
	return replicas.Put(key, data, storedAt)
}

// readBlock reads a primary or replica block.
func (n *Node) readBlock(key *big.Int, replica bool) ([]byte, time.Time, error) {
	if replica {
		return n.store.Replicas().Get(key)
	}
	part, err := n.livePartition()
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := part.Get(key)
	if err != nil {
		return nil, time.Time{}, err
	}
	storedAt, _ := part.StoredAt(key)
	return data, storedAt, nil
}

// putDataBlock stores one framed block. Init blocks come from a handoff and
// are accepted while the node is still initializing and regardless of free
// space.
type putDataBlock struct{ n *Node }

func (o *putDataBlock) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	n := o.n
	var p blockParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	key, err := hash.ParseKey(p.Key)
	if err != nil {
		return nil, err
	}
	if !p.InitBlock && n.Status() != StatusNormalWork {
		return nil, pkg.ErrNodeNotReady
	}
	if err := block.Verify(req.Binary); err != nil {
		return nil, err
	}

	if !p.InitBlock {
		cfg := n.op.Config()
		free, err := n.store.FreePercent()
		if err != nil {
			n.logger.Warn().Err(err).Msg("Failed to read free space")
		} else if free < cfg.DangerFreePercent {
			return nil, fmt.Errorf("%w: %.1f%% free", pkg.ErrNoFreeSpace, free)
		}
	}

	if p.IsReplica {
		err = n.storeReplica(key, req.Binary, p.storedAt(), p.CarefullySave)
	} else {
		err = n.storePrimary(key, req.Binary, p.storedAt(), p.CarefullySave)
	}
	if err != nil {
		return nil, err
	}

	n.logger.Debug().Str("key", p.Key[:8]).Bool("replica", p.IsReplica).Bool("init", p.InitBlock).
		Str("sender", req.Sender).Msg("Block stored")
	return topology.OK(blockInfo{Key: p.Key, Checksum: block.Checksum(req.Binary)})
}

type getDataBlock struct{ n *Node }

func (o *getDataBlock) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	var p blockParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	key, err := hash.ParseKey(p.Key)
	if err != nil {
		return nil, err
	}
	data, storedAt, err := o.n.readBlock(key, p.IsReplica)
	if err != nil {
		return nil, err
	}
	resp, err := topology.OK(blockInfo{Key: p.Key, StoredAt: storedAt.UnixNano(), Checksum: block.Checksum(data)})
	if err != nil {
		return nil, err
	}
	resp.Binary = data
	return resp, nil
}

// checkDataBlock verifies a stored block and, when a checksum is given,
// that it matches the caller's copy.
type checkDataBlock struct{ n *Node }

func (o *checkDataBlock) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	var p blockParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	key, err := hash.ParseKey(p.Key)
	if err != nil {
		return nil, err
	}
	data, storedAt, err := o.n.readBlock(key, p.IsReplica)
	if err != nil {
		return nil, err
	}
	if err := block.Verify(data); err != nil {
		return nil, err
	}
	sum := block.Checksum(data)
	if p.Checksum != "" && p.Checksum != sum {
		return nil, fmt.Errorf("%w: have %s, want %s", pkg.ErrChecksumMismatch, sum, p.Checksum)
	}
	return topology.OK(blockInfo{Key: p.Key, StoredAt: storedAt.UnixNano(), Checksum: sum})
}

type deleteDataBlock struct{ n *Node }

func (o *deleteDataBlock) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	var p blockParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	key, err := hash.ParseKey(p.Key)
	if err != nil {
		return nil, err
	}
	if p.IsReplica {
		err = o.n.store.Replicas().Delete(key)
	} else {
		err = o.n.withPartition(func(part *partition.Partition) error { return part.Delete(key) })
	}
	if err != nil {
		return nil, err
	}
	return topology.OK(blockInfo{Key: p.Key})
}

// sendBlock runs a block method on the owner of key.
func (n *Node) sendBlock(ctx context.Context, addr, method string, p blockParams, data []byte) (*topology.Response, error) {
	req, err := topology.NewRequest(method, p)
	if err != nil {
		return nil, err
	}
	req.Binary = data
	resp, err := n.op.CallNode(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}
