// Package dht implements the range partitioned storage layer on top of the
// topology operator: range table exchange, split handoff, block storage,
// replication, repair and the client data API.
package dht

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/zde37/rangedht/internal/config"
	"github.com/zde37/rangedht/internal/metrics"
	"github.com/zde37/rangedht/internal/partition"
	"github.com/zde37/rangedht/internal/ranges"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
	"go.uber.org/multierr"
)

// Status is the DHT participation state of a node.
type Status string

const (
	// StatusInitializing is held until the node owns a range.
	StatusInitializing Status = "initializing"
	// StatusNormalWork means the node owns a range and serves data.
	StatusNormalWork Status = "normal_work"
)

var allStatuses = []string{string(StatusInitializing), string(StatusNormalWork)}

// Options carries the collaborators of a Node.
type Options struct {
	Transport topology.Transport
	Clock     clock.Clock
	Logger    *pkg.Logger
	Metrics   *metrics.Collector
	Roles     topology.RoleChecker
	OnEvent   topology.EventFunc
}

// Node is a DHT member: a topology operator with the DHT operations
// registered and the local partition store attached.
type Node struct {
	op      *topology.Operator
	store   *partition.Store
	logger  *pkg.Logger
	clock   clock.Clock
	metrics *metrics.Collector

	status atomic.Value // Status

	// handoffs this node is serving, keyed by requester address
	hoMu     sync.Mutex
	outgoing map[string]*handoff
	// committed handoffs kept for late cancels until HandoffTimeout
	finished map[string]*handoff
	// responses awaited by async calls, keyed by message id
	waitMu  sync.Mutex
	waiters map[string]chan *topology.Response
	// network repairs started here, keyed by message id
	repairMu sync.Mutex
	repairs  map[string]*repairCollector

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New opens the node home directory and builds the operator.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = pkg.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Roles == nil {
		opts.Roles = DefaultRoles{}
	}

	store, err := partition.Open(cfg.HomeDir, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open home %s: %w", cfg.HomeDir, err)
	}

	op, err := topology.New(cfg, topology.Options{
		Transport: opts.Transport,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Roles:     opts.Roles,
		OnEvent:   opts.OnEvent,
		Metrics:   opts.Metrics,
		Table:     ranges.NewTable(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		op:       op,
		store:    store,
		logger:   opts.Logger.WithFields(pkg.Fields{"component": "dht", "node": op.Self()}),
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		outgoing: make(map[string]*handoff),
		finished: make(map[string]*handoff),
		waiters:  make(map[string]chan *topology.Response),
		repairs:  make(map[string]*repairCollector),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.status.Store(StatusInitializing)
	n.metrics.SetStatus(string(StatusInitializing), allStatuses...)
	n.register()
	return n, nil
}

func (n *Node) register() {
	n.op.Register(MethodGetRangesTable, &getRangesTable{n: n})
	n.op.Register(MethodUpdateHashRangeTable, &updateHashRangeTable{n: n})
	n.op.Register(MethodSplitRangeRequest, &splitRangeRequest{n: n})
	n.op.Register(MethodSplitRangeCancel, &splitRangeCancel{n: n})
	n.op.Register(MethodGetRangeDataRequest, &getRangeDataRequest{n: n})
	n.op.Register(MethodPutDataBlock, &putDataBlock{n: n})
	n.op.Register(MethodGetDataBlock, &getDataBlock{n: n})
	n.op.Register(MethodCheckDataBlock, &checkDataBlock{n: n})
	n.op.Register(MethodDeleteDataBlock, &deleteDataBlock{n: n})
	n.op.Register(MethodRepairDataBlocks, &repairDataBlocks{n: n})
	n.op.Register(MethodClientPutData, &clientPutData{n: n})
	n.op.Register(MethodClientGetData, &clientGetData{n: n})
	n.op.Register(MethodClientDeleteData, &clientDeleteData{n: n})
	n.op.Register(MethodGetKeysInfo, &getKeysInfo{n: n})
	n.op.Register(MethodPutKeysInfo, &putKeysInfo{n: n})
}

// Operator returns the topology core.
func (n *Node) Operator() *topology.Operator { return n.op }

// Store returns the partition store.
func (n *Node) Store() *partition.Store { return n.store }

// Self returns the node address.
func (n *Node) Self() string { return n.op.Self() }

// Status returns the participation state.
func (n *Node) Status() Status { return n.status.Load().(Status) }

func (n *Node) setStatus(s Status) {
	if old := n.status.Swap(s); old == s {
		return
	}
	n.logger.Info().Str("status", string(s)).Msg("Node status changed")
	n.metrics.SetStatus(string(s), allStatuses...)
	n.op.Emit(topology.Event{Type: topology.EventStatusChanged, Message: string(s)})
}

// Start joins the network. A node without bootstrap peers creates the
// network and owns the whole key space; any other node discovers its
// neighbours and claims a range in the background.
func (n *Node) Start(ctx context.Context) error {
	cfg := n.op.Config()
	n.op.Start()

	local, err := n.store.Discover()
	if err != nil {
		return fmt.Errorf("range discovery failed: %w", err)
	}

	bootstrap := n.bootstrapPeers()
	if len(bootstrap) == 0 {
		if local == nil {
			if local, err = n.store.NewPartition(hash.MinKey(), hash.MaxKey()); err != nil {
				return err
			}
		}
		if err := n.op.RangeTable().Append(local.Start(), local.End(), n.Self()); err != nil {
			return err
		}
		n.op.UpdatePartition(local)
		n.observeTable()
		n.setStatus(StatusNormalWork)
		n.logger.Info().Str("range", local.String()).Msg("Started as first node")
	} else {
		if local != nil {
			// blocks come back through trash when the same range is claimed again
			if _, err := local.MoveToTrash(); err != nil {
				return fmt.Errorf("failed to trash previous range %s: %w", local, err)
			}
		}
		if err := n.op.Discover(ctx, bootstrap); err != nil {
			n.logger.Warn().Err(err).Msg("Initial discovery failed, rebalance will retry")
		}
		n.wg.Add(1)
		go n.initLoop()
	}

	n.startBackgroundTasks(cfg)
	return nil
}

func (n *Node) bootstrapPeers() []string {
	var peers []string
	for _, addr := range n.op.Config().BootstrapNodes {
		if addr != "" && addr != n.Self() {
			peers = append(peers, addr)
		}
	}
	return peers
}

// Stop halts background work, the operator and the store.
func (n *Node) Stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info().Msg("Stopping DHT node")
	n.cancel()
	n.wg.Wait()
	n.op.Stop()

	var errs error
	errs = multierr.Append(errs, n.store.Close())
	n.logger.Info().Msg("DHT node stopped")
	return errs
}

func (n *Node) observeTable() {
	t := n.op.RangeTable()
	n.metrics.SetRangeTable(t.Len(), t.ModIndex())
}

// livePartition returns the live partition or ErrNodeNotReady.
func (n *Node) livePartition() (*partition.Partition, error) {
	p := n.op.LocalPartition()
	if p == nil {
		return nil, pkg.ErrNodeNotReady
	}
	return p, nil
}

// owner returns the node owning key in the range table.
func (n *Node) owner(key *big.Int) (string, error) {
	r, ok := n.op.FindRange(key)
	if !ok {
		return "", fmt.Errorf("%w: no owner for %s", pkg.ErrRangeNotFound, hash.KeyToHex(key))
	}
	return r.Owner, nil
}

// expect registers a channel for the response to an async request.
func (n *Node) expect(id string) chan *topology.Response {
	ch := make(chan *topology.Response, 1)
	n.waitMu.Lock()
	n.waiters[id] = ch
	n.waitMu.Unlock()
	return ch
}

func (n *Node) forget(id string) {
	n.waitMu.Lock()
	delete(n.waiters, id)
	n.waitMu.Unlock()
}

// resolve hands an async response to its waiter, if any.
func (n *Node) resolve(resp *topology.Response) bool {
	n.waitMu.Lock()
	ch, ok := n.waiters[resp.MessageID]
	delete(n.waiters, resp.MessageID)
	n.waitMu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}
