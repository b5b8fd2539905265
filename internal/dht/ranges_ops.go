package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/rangedht/internal/partition"
	"github.com/zde37/rangedht/internal/ranges"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

// handoff is a split this node performed for a joining peer. The fetch
// fields are guarded by Node.hoMu.
type handoff struct {
	requester string
	parent    *partition.Partition
	retained  *partition.Partition
	handedOff *partition.Partition
	started   time.Time

	fetching   bool // a GetRangeDataRequest is pushing or committing
	committing bool // the push finished and the split is being detached
	cancelled  bool // the requester gave up while the push was running
	abort      context.CancelFunc
	done       chan struct{} // closed once a fetch commits or rolls back
	batch      *TableBatch   // set when the handoff committed
	finished   time.Time
}

// cancelResult answers SplitRangeCancel. A handoff that already committed
// is not cancelled and carries the committed batch instead.
type cancelResult struct {
	Cancelled bool        `json:"cancelled"`
	Batch     *TableBatch `json:"batch,omitempty"`
}

type getRangesTable struct{ n *Node }

func (o *getRangesTable) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	var p tableParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	table := o.n.op.RangeTable()
	if p.ModIndexOnly {
		return topology.OK(modIndexResult{ModIndex: table.ModIndex(), Ranges: table.Len()})
	}
	data, err := table.Dump()
	if err != nil {
		return nil, err
	}
	return &topology.Response{RetCode: topology.RCOK, Params: data}, nil
}

// fetchTable loads the range table of addr.
func (n *Node) fetchTable(ctx context.Context, addr string) (ranges.Snapshot, error) {
	var snap ranges.Snapshot
	err := n.op.Call(ctx, addr, MethodGetRangesTable, tableParams{}, &snap)
	return snap, err
}

// resync replaces the local table with the one held by addr.
func (n *Node) resync(ctx context.Context, addr string) error {
	snap, err := n.fetchTable(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to fetch range table from %s: %w", addr, err)
	}
	if err := n.op.RangeTable().Replace(snap); err != nil {
		return err
	}
	n.observeTable()
	n.op.Emit(topology.Event{Type: topology.EventRangesUpdated, Peer: addr, Message: "range table reloaded"})
	n.logger.Info().Str("peer", addr).Uint64("mod_index", snap.ModIndex).Int("ranges", len(snap.Ranges)).
		Msg("Range table reloaded")
	return nil
}

// applyBatch applies b unless every appended range is already present.
func (n *Node) applyBatch(b TableBatch) (bool, error) {
	table := n.op.RangeTable()
	if len(b.Append) > 0 && table.Contains(b.Append...) {
		return false, nil
	}
	keys, err := b.removeKeys()
	if err != nil {
		return false, err
	}
	if err := table.ApplyBatch(keys, b.Append); err != nil {
		return false, err
	}
	n.observeTable()
	n.op.Emit(topology.Event{Type: topology.EventRangesUpdated, Message: fmt.Sprintf("mod_index %d", table.ModIndex())})
	return true, nil
}

type updateHashRangeTable struct{ n *Node }

func (o *updateHashRangeTable) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	var b TableBatch
	if err := req.Decode(&b); err != nil {
		return nil, err
	}
	applied, err := o.n.applyBatch(b)
	if err != nil {
		if errors.Is(err, pkg.ErrRangeConflict) || errors.Is(err, pkg.ErrRangeNotFound) {
			o.n.logger.Warn().Err(err).Str("sender", req.Sender).Msg("Range batch conflicts, resyncing")
			if req.Sender != "" && req.Sender != o.n.Self() {
				if rerr := o.n.resync(ctx, req.Sender); rerr != nil {
					o.n.logger.Error().Err(rerr).Msg("Range table resync failed")
				}
			}
		}
		return nil, err
	}
	return topology.OK(map[string]any{"applied": applied, "mod_index": o.n.op.RangeTable().ModIndex()})
}

func (o *updateHashRangeTable) Callback(_ context.Context, resp *topology.Response) {
	if err := resp.Err(); err != nil {
		o.n.logger.Debug().Err(err).Msg("Peer rejected range table update")
	}
}

// splitRangeRequest cuts the local partition for a joining peer. The
// requested side is handed off and writers keep landing in the children
// until the peer fetches the data.
type splitRangeRequest struct{ n *Node }

func (o *splitRangeRequest) Process(_ context.Context, req *topology.Request) (*topology.Response, error) {
	n := o.n
	if n.Status() != StatusNormalWork {
		return nil, pkg.ErrNodeNotReady
	}
	var p rangeParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	start, end, err := p.parse()
	if err != nil {
		return nil, err
	}
	part, err := n.livePartition()
	if err != nil {
		return nil, err
	}
	if r, ok := n.op.FindRange(start); !ok || r.Owner != n.Self() ||
		r.Start.Cmp(part.Start()) != 0 || r.End.Cmp(part.End()) != 0 {
		return nil, fmt.Errorf("%w: %s is not a local range", pkg.ErrRangeNotFound, hash.KeyToHex(start))
	}

	h := &handoff{requester: req.Sender, parent: part, started: n.clock.Now()}
	n.hoMu.Lock()
	if len(n.outgoing) > 0 {
		n.hoMu.Unlock()
		return nil, fmt.Errorf("%w: a handoff is already in progress", pkg.ErrPartitionBusy)
	}
	n.outgoing[req.Sender] = h
	n.hoMu.Unlock()

	retained, handedOff, err := part.Split(start, end)
	if err != nil {
		n.dropHandoff(req.Sender)
		return nil, err
	}
	n.hoMu.Lock()
	h.retained, h.handedOff = retained, handedOff
	n.hoMu.Unlock()

	n.logger.Info().Str("requester", req.Sender).Str("retained", retained.String()).
		Str("handed_off", handedOff.String()).Msg("Range split for joining node")
	return topology.OK(splitResult{
		Retained:  ranges.Range{Start: retained.Start(), End: retained.End(), Owner: n.Self()},
		HandedOff: ranges.Range{Start: handedOff.Start(), End: handedOff.End(), Owner: req.Sender},
	})
}

// pendingHandoff returns the handoff for requester covering [start, end].
func (n *Node) pendingHandoff(requester string, p rangeParams) *handoff {
	n.hoMu.Lock()
	defer n.hoMu.Unlock()
	return n.pendingHandoffLocked(requester, p)
}

func (n *Node) pendingHandoffLocked(requester string, p rangeParams) *handoff {
	h, ok := n.outgoing[requester]
	if !ok || h.handedOff == nil || !p.matches(h.handedOff.Start(), h.handedOff.End()) {
		return nil
	}
	return h
}

// finishedHandoff returns a committed handoff for requester covering
// [start, end] that has not been pruned yet.
func (n *Node) finishedHandoff(requester string, p rangeParams) *handoff {
	n.hoMu.Lock()
	defer n.hoMu.Unlock()
	h, ok := n.finished[requester]
	if !ok || !p.matches(h.handedOff.Start(), h.handedOff.End()) {
		return nil
	}
	return h
}

func (n *Node) dropHandoff(requester string) {
	n.hoMu.Lock()
	delete(n.outgoing, requester)
	n.hoMu.Unlock()
}

// cancelHandoff joins the split children back into the parent.
func (n *Node) cancelHandoff(h *handoff, reason string) error {
	n.dropHandoff(h.requester)
	if err := h.parent.JoinChildren(); err != nil {
		return fmt.Errorf("failed to join %s: %w", h.parent, err)
	}
	n.logger.Warn().Str("requester", h.requester).Str("range", h.parent.String()).Str("reason", reason).
		Msg("Handoff cancelled")
	return nil
}

// rollbackFetch undoes a split whose fetch failed and wakes any waiting
// cancel.
func (n *Node) rollbackFetch(h *handoff, cause error) {
	if err := n.cancelHandoff(h, cause.Error()); err != nil {
		n.logger.Error().Err(err).Msg("Failed to roll back split")
	}
	close(h.done)
}

type splitRangeCancel struct{ n *Node }

func (o *splitRangeCancel) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	n := o.n
	var p rangeParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}

	n.hoMu.Lock()
	h := n.pendingHandoffLocked(req.Sender, p)
	if h == nil {
		n.hoMu.Unlock()
		if done := n.finishedHandoff(req.Sender, p); done != nil {
			return topology.OK(cancelResult{Batch: done.batch})
		}
		return topology.OK(cancelResult{})
	}
	if !h.fetching {
		delete(n.outgoing, h.requester)
		n.hoMu.Unlock()
		if err := n.cancelHandoff(h, "cancelled by requester"); err != nil {
			return nil, err
		}
		return topology.OK(cancelResult{Cancelled: true})
	}
	if !h.committing {
		h.cancelled = true
		h.abort()
	}
	done := h.done
	n.hoMu.Unlock()

	// the running fetch either rolls back or commits
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.hoMu.Lock()
	batch := h.batch
	n.hoMu.Unlock()
	if batch != nil {
		return topology.OK(cancelResult{Batch: batch})
	}
	return topology.OK(cancelResult{Cancelled: true})
}

// getRangeDataRequest pushes the handed-off blocks to the requester, then
// finalizes the split and announces the new table.
type getRangeDataRequest struct{ n *Node }

func (o *getRangeDataRequest) Process(ctx context.Context, req *topology.Request) (*topology.Response, error) {
	n := o.n
	var p rangeParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}

	// the push must end before the requester stops waiting for it
	pushCtx, abort := context.WithTimeout(ctx, n.op.Config().HandoffTimeout*3/4)
	defer abort()

	n.hoMu.Lock()
	h := n.pendingHandoffLocked(req.Sender, p)
	if h == nil || h.fetching {
		n.hoMu.Unlock()
		return nil, fmt.Errorf("%w: no split pending for %s", pkg.ErrRangeNotFound, req.Sender)
	}
	h.fetching = true
	h.abort = abort
	h.done = make(chan struct{})
	n.hoMu.Unlock()

	pushed, err := n.pushBlocks(pushCtx, h)
	n.hoMu.Lock()
	if err == nil && h.cancelled {
		err = errors.New("cancelled by requester")
	}
	h.committing = err == nil
	n.hoMu.Unlock()
	if err != nil {
		n.rollbackFetch(h, err)
		return nil, err
	}

	live, err := h.parent.Detach(h.handedOff)
	if err != nil {
		n.rollbackFetch(h, err)
		return nil, err
	}
	n.op.UpdatePartition(live)

	batch := TableBatch{
		Remove: []string{hash.KeyToHex(h.parent.Start())},
		Append: []ranges.Range{
			{Start: live.Start(), End: live.End(), Owner: n.Self()},
			{Start: h.handedOff.Start(), End: h.handedOff.End(), Owner: h.requester},
		},
	}
	n.hoMu.Lock()
	h.batch = &batch
	h.finished = n.clock.Now()
	delete(n.outgoing, h.requester)
	n.finished[h.requester] = h
	n.hoMu.Unlock()
	close(h.done)

	if err := n.op.CallNetwork(ctx, topology.MustRequest(MethodUpdateHashRangeTable, batch)); err != nil {
		n.logger.Error().Err(err).Msg("Failed to announce range table update")
	}

	n.logger.Info().Str("requester", h.requester).Int("blocks", pushed).Str("retained", live.String()).
		Msg("Handoff completed")
	return topology.OK(batch)
}

func (n *Node) pushBlocks(ctx context.Context, h *handoff) (int, error) {
	pushed := 0
	for e := range h.handedOff.Entries() {
		if err := ctx.Err(); err != nil {
			return pushed, fmt.Errorf("push to %s stopped: %w", h.requester, err)
		}
		data, err := e.Read()
		if err != nil {
			return pushed, err
		}
		req := topology.MustRequest(MethodPutDataBlock, blockParams{
			Key:       hash.KeyToHex(e.Key),
			InitBlock: true,
			StoredAt:  e.ModTime.UnixNano(),
		})
		req.Binary = data
		resp, err := n.op.CallNode(ctx, h.requester, req)
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			return pushed, fmt.Errorf("failed to push %s to %s: %w", hash.KeyToHex(e.Key), h.requester, err)
		}
		pushed++
	}
	return pushed, nil
}

func (o *getRangeDataRequest) Callback(_ context.Context, resp *topology.Response) {
	if !o.n.resolve(resp) {
		// the claim was already settled through SplitRangeCancel
		o.n.logger.Warn().Str("message_id", resp.MessageID).Msg("Range data response arrived after timeout")
	}
}
