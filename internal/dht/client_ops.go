package dht

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/block"
	"github.com/zde37/rangedht/pkg/hash"
	"golang.org/x/sync/errgroup"
)

func (n *Node) replicaCount(requested *int) (int, error) {
	if requested == nil {
		return n.op.Config().DefaultReplicaCount, nil
	}
	if *requested < 0 || *requested > block.MaxReplicaCount {
		return 0, fmt.Errorf("replica count must be between 0 and %d, got %d", block.MaxReplicaCount, *requested)
	}
	return *requested, nil
}

// KeysInfo places the primary key and its replica keys on their owners.
func (n *Node) KeysInfo(primary *big.Int, replicaCount int) ([]KeyInfo, error) {
	keys := hash.DerivedKeys(primary, replicaCount)
	out := make([]KeyInfo, 0, len(keys))
	for i, k := range keys {
		owner, err := n.owner(k)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyInfo{Key: hash.KeyToHex(k), Owner: owner, IsReplica: i > 0})
	}
	return out, nil
}

// PutData frames payload and writes it to the owner of the primary key and
// of every replica key. A failed primary write fails the call; failed
// replica writes are counted and left to repair.
func (n *Node) PutData(ctx context.Context, payload []byte, key string, replicaCount int) (ClientData, error) {
	if n.op.RangeTable().Len() == 0 {
		return ClientData{}, pkg.ErrNodeNotReady
	}

	var primary *big.Int
	switch {
	case block.IsPacked(payload):
		h, err := block.ReadHeader(payload)
		if err != nil {
			return ClientData{}, err
		}
		primary, replicaCount = h.Key, h.ReplicaCount
	case key != "":
		k, err := hash.ParseKey(key)
		if err != nil {
			return ClientData{}, err
		}
		primary = k
	default:
		primary = hash.GenerateKey(n.Self())
	}

	framed, sum, err := block.Pack(payload, primary, replicaCount)
	if err != nil {
		return ClientData{}, err
	}
	storedAt := n.clock.Now().UnixNano()

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for i, k := range hash.DerivedKeys(primary, replicaCount) {
		g.Go(func() error {
			owner, err := n.owner(k)
			if err == nil {
				_, err = n.sendBlock(ctx, owner, MethodPutDataBlock, blockParams{
					Key:       hash.KeyToHex(k),
					IsReplica: i > 0,
					StoredAt:  storedAt,
				}, framed)
			}
			if err == nil {
				return nil
			}
			if i == 0 {
				return fmt.Errorf("primary write failed: %w", err)
			}
			failed.Add(1)
			n.logger.Warn().Err(err).Str("key", hash.KeyToHex(k)[:8]).Msg("Replica write failed")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ClientData{}, err
	}

	return ClientData{
		Key:            hash.KeyToHex(primary),
		Checksum:       sum,
		ReplicaCount:   replicaCount,
		FailedReplicas: int(failed.Load()),
	}, nil
}

// GetData reads the primary copy, falling back to the replicas in order.
func (n *Node) GetData(ctx context.Context, key string, replicaCount int) ([]byte, ClientData, error) {
	primary, err := hash.ParseKey(key)
	if err != nil {
		return nil, ClientData{}, err
	}

	lastErr := pkg.ErrNoData
	for i, k := range hash.DerivedKeys(primary, replicaCount) {
		owner, err := n.owner(k)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := n.sendBlock(ctx, owner, MethodGetDataBlock, blockParams{Key: hash.KeyToHex(k), IsReplica: i > 0}, nil)
		if err != nil {
			lastErr = err
			continue
		}
		payload, sum, err := block.Unpack(resp.Binary)
		if err != nil {
			n.logger.Warn().Err(err).Str("owner", owner).Str("key", hash.KeyToHex(k)[:8]).Msg("Invalid block copy")
			lastErr = err
			continue
		}
		h, _ := block.ReadHeader(resp.Binary)
		return payload, ClientData{Key: hash.KeyToHex(primary), Checksum: sum, ReplicaCount: h.ReplicaCount}, nil
	}
	return nil, ClientData{}, lastErr
}

// DeleteData removes every copy. Missing copies are ignored.
func (n *Node) DeleteData(ctx context.Context, key string, replicaCount int) (int, error) {
	primary, err := hash.ParseKey(key)
	if err != nil {
		return 0, err
	}

	var (
		g       errgroup.Group
		deleted atomic.Int32
	)
	for i, k := range hash.DerivedKeys(primary, replicaCount) {
		g.Go(func() error {
			owner, err := n.owner(k)
			if err == nil {
				_, err = n.sendBlock(ctx, owner, MethodDeleteDataBlock, blockParams{Key: hash.KeyToHex(k), IsReplica: i > 0}, nil)
			}
			switch {
			case err == nil:
				deleted.Add(1)
			case errors.Is(err, pkg.ErrNoData):
			case i == 0:
				return fmt.Errorf("primary delete failed: %w", err)
			default:
				n.logger.Warn().Err(err).Str("key", hash.KeyToHex(k)[:8]).Msg("Replica delete failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(deleted.Load()), err
	}
	if deleted.Load() == 0 {
		return 0, pkg.ErrNoData
	}
	return int(deleted.Load()), nil
}

type clientPutData struct{ n *Node }

func (o *clientPutData) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	var p ClientParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	count, err := o.n.replicaCount(p.ReplicaCount)
	if err != nil {
		return nil, err
	}
	res, err := o.n.PutData(ctx, req.Binary, p.Key, count)
	if err != nil {
		return nil, err
	}
	return topology.OK(res)
}

type clientGetData struct{ n *Node }

func (o *clientGetData) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	var p ClientParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	count, err := o.n.replicaCount(p.ReplicaCount)
	if err != nil {
		return nil, err
	}
	payload, res, err := o.n.GetData(ctx, p.Key, count)
	if err != nil {
		return nil, err
	}
	resp, err := topology.OK(res)
	if err != nil {
		return nil, err
	}
	resp.Binary = payload
	return resp, nil
}

type clientDeleteData struct{ n *Node }

func (o *clientDeleteData) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	var p ClientParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	count, err := o.n.replicaCount(p.ReplicaCount)
	if err != nil {
		return nil, err
	}
	deleted, err := o.n.DeleteData(ctx, p.Key, count)
	if err != nil {
		return nil, err
	}
	return topology.OK(map[string]any{"key": p.Key, "deleted": deleted})
}

type getKeysInfo struct{ n *Node }

func (o *getKeysInfo) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	var p ClientParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	key, err := hash.ParseKey(p.Key)
	if err != nil {
		return nil, err
	}
	count, err := o.n.replicaCount(p.ReplicaCount)
	if err != nil {
		return nil, err
	}
	info, err := o.n.KeysInfo(key, count)
	if err != nil {
		return nil, err
	}
	return topology.OK(info)
}

// putKeysInfo mints a primary key for a new object and places it.
type putKeysInfo struct{ n *Node }

func (o *putKeysInfo) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	var p ClientParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	count, err := o.n.replicaCount(p.ReplicaCount)
	if err != nil {
		return nil, err
	}
	info, err := o.n.KeysInfo(hash.GenerateKey(o.n.Self()), count)
	if err != nil {
		return nil, err
	}
	return topology.OK(info)
}

// ClientCall runs a client method on this node with the client role, the
// way the HTTP gateway does.
func (n *Node) ClientCall(ctx context.Context, method string, params any, binary []byte) (*topology.Response, error) {
	req, err := topology.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	req.Sync = true
	req.Role = RoleClient
	req.Binary = binary
	resp := n.op.Process(ctx, req)
	return resp, resp.Err()
}
