// Package topology is the node core: it keeps the Superior/Upper neighbour
// mesh, correlates calls over the transport and dispatches inbound requests
// to registered operations.
package topology

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zde37/rangedht/internal/config"
	"github.com/zde37/rangedht/internal/correlator"
	"github.com/zde37/rangedht/internal/metrics"
	"github.com/zde37/rangedht/internal/partition"
	"github.com/zde37/rangedht/internal/ranges"
	"github.com/zde37/rangedht/internal/workers"
	"github.com/zde37/rangedht/pkg"
	"golang.org/x/sync/semaphore"
)

const refusalCacheSize = 64

// Options carries the collaborators of an Operator.
type Options struct {
	Transport Transport
	Clock     clock.Clock
	Logger    *pkg.Logger
	Roles     RoleChecker
	OnEvent   EventFunc
	Metrics   *metrics.Collector
	Table     *ranges.Table
}

// Operator is the single entry and exit point between the transport and
// the operations of a node.
type Operator struct {
	self      string
	cfg       atomic.Pointer[config.Config]
	transport Transport
	clock     clock.Clock
	logger    *pkg.Logger
	roles     RoleChecker
	onEvent   EventFunc
	metrics   *metrics.Collector

	correlator *correlator.Correlator[*Response]
	pool       *workers.Pool
	sendSem    *semaphore.Weighted
	ops        map[string]Operation

	table *ranges.Table
	part  atomic.Pointer[partition.Partition]

	// neighbour state, guarded by nbMu
	nbMu       sync.Mutex
	neighbours map[string]neighbourSet
	failures   map[string]int
	lastSeen   map[string]time.Time
	refusals   map[NeighbourType]*expirable.LRU[string, struct{}]

	rebalanceCh chan struct{}

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an operator for the node described by cfg.
func New(cfg *config.Config, opts Options) (*Operator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = pkg.Nop()
	}
	if opts.Roles == nil {
		opts.Roles = AllowAll{}
	}
	if opts.Table == nil {
		opts.Table = ranges.NewTable()
	}

	corr, err := correlator.New[*Response](cfg.CorrelatorCapacity)
	if err != nil {
		return nil, err
	}

	self := cfg.Address()
	logger := opts.Logger.WithFields(pkg.Fields{"component": "operator", "node": self})
	ctx, cancel := context.WithCancel(context.Background())

	o := &Operator{
		self:       self,
		transport:  opts.Transport,
		clock:      opts.Clock,
		logger:     logger,
		roles:      opts.Roles,
		onEvent:    opts.OnEvent,
		metrics:    opts.Metrics,
		correlator: corr,
		pool: workers.New(workers.Config{
			MinWorkers:     cfg.MinWorkers,
			MaxWorkers:     cfg.MaxWorkers,
			QueueSize:      cfg.QueueSize,
			SampleInterval: cfg.ScaleSampleInterval,
			GrowSamples:    cfg.GrowSamples,
			ShrinkSamples:  cfg.ShrinkSamples,
		}, opts.Clock, opts.Logger),
		sendSem:    semaphore.NewWeighted(int64(cfg.MaxAsyncSends)),
		ops:        make(map[string]Operation),
		table:      opts.Table,
		neighbours: make(map[string]neighbourSet),
		failures:   make(map[string]int),
		lastSeen:   make(map[string]time.Time),
		refusals: map[NeighbourType]*expirable.LRU[string, struct{}]{
			Superior: expirable.NewLRU[string, struct{}](refusalCacheSize, nil, cfg.RefusalCacheTTL),
			Upper:    expirable.NewLRU[string, struct{}](refusalCacheSize, nil, cfg.RefusalCacheTTL),
		},
		rebalanceCh: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	o.cfg.Store(cfg.Clone())

	o.Register(MethodDiscovery, &discoveryOperation{o: o})
	o.Register(MethodManageNeighbour, &manageNeighbourOperation{o: o})
	o.Register(MethodKeepAlive, &keepAliveOperation{o: o})

	return o, nil
}

// Register binds an operation to a method name. It must be called before Start.
func (o *Operator) Register(method string, op Operation) {
	if o.started.Load() {
		panic("topology: Register after Start")
	}
	o.ops[method] = op
}

// Start launches the dispatch pool, the keep-alive loop and the rebalance loop.
func (o *Operator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	o.pool.Start()

	ticker := o.clock.Ticker(o.Config().CheckNeighboursInterval)
	o.wg.Add(2)
	go o.checkNeighboursLoop(ticker)
	go o.rebalanceLoop()

	o.logger.Info().Str("node_type", o.Config().NodeType).Msg("Operator started")
}

// Stop cancels background work and waits for it.
func (o *Operator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.pool.Stop()
	o.logger.Info().Msg("Operator stopped")
}

// Self returns the node address.
func (o *Operator) Self() string { return o.self }

// Config returns the current configuration. Callers must not modify it.
func (o *Operator) Config() *config.Config { return o.cfg.Load() }

// UpdateConfig applies fn to a copy of the configuration and swaps it in
// when the result is valid.
func (o *Operator) UpdateConfig(fn func(*config.Config)) error {
	next := o.Config().Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	if next.Address() != o.self {
		return fmt.Errorf("node address cannot change at runtime")
	}
	o.cfg.Store(next)
	o.logger.Info().Msg("Configuration updated")
	return nil
}

// Clock returns the operator clock.
func (o *Operator) Clock() clock.Clock { return o.clock }

// Logger returns the operator logger.
func (o *Operator) Logger() *pkg.Logger { return o.logger }

// Metrics returns the metrics collector, possibly nil.
func (o *Operator) Metrics() *metrics.Collector { return o.metrics }

// Context is cancelled when the operator stops.
func (o *Operator) Context() context.Context { return o.ctx }

// RangeTable returns the node range table.
func (o *Operator) RangeTable() *ranges.Table { return o.table }

// FindRange returns the range containing key.
func (o *Operator) FindRange(key *big.Int) (ranges.Range, bool) {
	return o.table.Find(key)
}

// LocalPartition returns the live partition, or nil before one is owned.
func (o *Operator) LocalPartition() *partition.Partition { return o.part.Load() }

// UpdatePartition swaps the live partition.
func (o *Operator) UpdatePartition(p *partition.Partition) {
	o.part.Store(p)
	if p != nil {
		o.logger.Info().Str("range", p.String()).Msg("Local partition updated")
	}
}

// Stats is a snapshot of operator internals.
type Stats struct {
	Superiors []string      `json:"superiors"`
	Uppers    []string      `json:"uppers"`
	InFlight  int           `json:"correlated_messages"`
	Workers   workers.Stats `json:"workers"`
}

// Stats returns neighbour and dispatch state.
func (o *Operator) Stats() Stats {
	ws := o.pool.Stats()
	o.metrics.SetWorkers(ws.Workers, ws.Busy, ws.Queued)
	return Stats{
		Superiors: o.Neighbours(Superior),
		Uppers:    o.Neighbours(Upper),
		InFlight:  o.correlator.Len(),
		Workers:   ws,
	}
}

// Process is the inbound entry point used by the transport. Duplicate
// message ids are refused, the role check runs, then the operation is
// dispatched inline for sync requests or on the pool for async ones.
func (o *Operator) Process(ctx context.Context, req *Request) *Response {
	if req == nil || req.MessageID == "" || req.Method == "" {
		return &Response{RetCode: RCError, RetMessage: "malformed request", From: o.self}
	}

	if !o.correlator.RegisterIfAbsent(req.MessageID, &correlator.Record[*Response]{
		Operation: req.Method,
		Sender:    req.Sender,
	}) {
		return o.stamp(req, Fail(RCAlreadyProcessed, "message %s already processed", req.MessageID))
	}

	if !o.roles.Allow(req.Role, req.Method) {
		return o.stamp(req, Fail(RCPermissionDenied, "role %q may not call %s", req.Role, req.Method))
	}

	op, ok := o.ops[req.Method]
	if !ok {
		return o.stamp(req, Fail(RCUnknownMethod, "unknown method %s", req.Method))
	}

	if req.Multicast {
		o.forward(req)
	}

	if req.Sync {
		return o.dispatch(ctx, op, req)
	}

	if err := o.pool.Submit(func(ctx context.Context) {
		resp := o.dispatch(ctx, op, req)
		o.deliver(ctx, req.Sender, resp)
	}); err != nil {
		o.correlator.Remove(req.MessageID)
		return o.stamp(req, Fail(RCBusy, "%v", err))
	}
	return o.stamp(req, &Response{RetCode: RCOK, RetMessage: "accepted"})
}

// dispatch runs an operation and converts errors and panics into responses.
func (o *Operator) dispatch(ctx context.Context, op Operation, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("method", req.Method).Msg("Operation panicked")
			resp = Fail(RCError, "operation %s panicked: %v", req.Method, r)
		}
		resp = o.stamp(req, resp)
		o.metrics.ObserveRequest(req.Method, resp.RetCode.String())
	}()

	resp, err := op.Process(ctx, req)
	if err != nil {
		o.logger.Debug().Err(err).Str("method", req.Method).Str("sender", req.Sender).Msg("Operation failed")
		return &Response{RetCode: CodeFor(err), RetMessage: err.Error()}
	}
	if resp == nil {
		resp = &Response{RetCode: RCOK}
	}
	return resp
}

func (o *Operator) stamp(req *Request, resp *Response) *Response {
	if resp == nil {
		resp = &Response{RetCode: RCOK}
	}
	resp.MessageID = req.MessageID
	resp.From = o.self
	return resp
}

// deliver returns an async response to its sender.
func (o *Operator) deliver(ctx context.Context, addr string, resp *Response) {
	if addr == "" || addr == o.self {
		o.ProcessResponse(ctx, resp)
		return
	}
	dctx, cancel := context.WithTimeout(o.ctx, o.Config().CallTimeout)
	defer cancel()
	if err := o.transport.Deliver(dctx, addr, resp); err != nil {
		o.logger.Warn().Err(err).Str("peer", addr).Str("message_id", resp.MessageID).Msg("Failed to deliver response")
	}
}

// ProcessResponse routes a response to the waiting caller or to the
// Callback of the operation that sent the request.
func (o *Operator) ProcessResponse(ctx context.Context, resp *Response) {
	if resp == nil {
		return
	}
	rec, found, waited := o.correlator.Resolve(resp.MessageID, resp)
	if !found {
		o.logger.Debug().Str("message_id", resp.MessageID).Str("from", resp.From).Msg("Response for unknown message")
		return
	}
	if waited {
		return
	}
	cb, ok := o.ops[rec.Operation].(Callbacker)
	if !ok {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Interface("panic", r).Str("method", rec.Operation).Msg("Callback panicked")
			}
		}()
		cb.Callback(ctx, resp)
	}()
}

func (o *Operator) prepare(req *Request, sync bool) {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	req.Sender = o.self
	req.Sync = sync
}

// CallNode sends req to addr and waits for the response or the call
// timeout, whichever comes first.
func (o *Operator) CallNode(ctx context.Context, addr string, req *Request) (*Response, error) {
	o.prepare(req, true)
	start := o.clock.Now()

	if addr == o.self {
		op, ok := o.ops[req.Method]
		if !ok {
			return nil, fmt.Errorf("%w: %s", pkg.ErrUnknownMethod, req.Method)
		}
		return o.dispatch(ctx, op, req), nil
	}

	cctx, cancel := context.WithTimeout(ctx, o.Config().CallTimeout)
	defer cancel()

	o.correlator.RegisterIfAbsent(req.MessageID, &correlator.Record[*Response]{Operation: req.Method, Sender: o.self})
	waiter, _ := o.correlator.Expect(req.MessageID)

	respCh := make(chan *Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := o.transport.Send(cctx, addr, req)
		if err != nil {
			errCh <- err
			return
		}
		resp.MessageID = req.MessageID
		if _, _, waited := o.correlator.Resolve(req.MessageID, resp); !waited {
			respCh <- resp
		}
	}()

	var (
		resp *Response
		err  error
	)
	select {
	case resp = <-waiter:
	case resp = <-respCh:
	case err = <-errCh:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s on %s", pkg.ErrOperationTimeout, req.Method, addr)
		} else {
			err = fmt.Errorf("call %s on %s: %w", req.Method, addr, err)
		}
	case <-cctx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %s on %s", pkg.ErrOperationTimeout, req.Method, addr)
		}
	}
	o.metrics.ObserveCall(req.Method, o.clock.Since(start), err)
	return resp, err
}

// Call is CallNode with JSON params in and out. Non-OK responses become errors.
func (o *Operator) Call(ctx context.Context, addr, method string, params, out any) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return err
	}
	resp, err := o.CallNode(ctx, addr, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// CallNodeAsync sends req without waiting. The eventual response, or a
// failure response if the send is refused, goes to the Callback of the
// operation registered for req.Method.
func (o *Operator) CallNodeAsync(ctx context.Context, addr string, req *Request) error {
	o.prepare(req, false)
	o.correlator.RegisterIfAbsent(req.MessageID, &correlator.Record[*Response]{Operation: req.Method, Sender: o.self})

	if addr == o.self {
		op, ok := o.ops[req.Method]
		if !ok {
			return fmt.Errorf("%w: %s", pkg.ErrUnknownMethod, req.Method)
		}
		return o.pool.Submit(func(ctx context.Context) {
			o.ProcessResponse(ctx, o.dispatch(ctx, op, req))
		})
	}

	o.sendAsync(addr, req, func(ack *Response, err error) {
		if err == nil && ack.RetCode == RCOK {
			return
		}
		failure := &Response{MessageID: req.MessageID, RetCode: RCError, From: addr}
		if err != nil {
			failure.RetMessage = err.Error()
		} else {
			failure.RetCode = ack.RetCode
			failure.RetMessage = ack.RetMessage
		}
		o.ProcessResponse(o.ctx, failure)
	})
	return nil
}

// sendAsync sends on a background goroutine bounded by the send semaphore.
func (o *Operator) sendAsync(addr string, req *Request, done func(*Response, error)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sendSem.Acquire(o.ctx, 1); err != nil {
			if done != nil {
				done(nil, err)
			}
			return
		}
		defer o.sendSem.Release(1)

		ctx, cancel := context.WithTimeout(o.ctx, o.Config().CallTimeout)
		defer cancel()
		ack, err := o.transport.Send(ctx, addr, req)
		if err != nil {
			o.logger.Debug().Err(err).Str("peer", addr).Str("method", req.Method).Msg("Async send failed")
		}
		if done != nil {
			done(ack, err)
		}
	}()
}

// CallNetwork floods req over the Superior mesh. It is processed locally
// first and each hop drops ids it has already seen. Every node's response
// is delivered back here and handed to the operation Callback.
func (o *Operator) CallNetwork(ctx context.Context, req *Request) error {
	op, ok := o.ops[req.Method]
	if !ok {
		return fmt.Errorf("%w: %s", pkg.ErrUnknownMethod, req.Method)
	}
	o.prepare(req, false)
	req.Multicast = true
	o.correlator.RegisterIfAbsent(req.MessageID, &correlator.Record[*Response]{Operation: req.Method, Sender: o.self})

	o.forward(req)
	o.ProcessResponse(ctx, o.dispatch(ctx, op, req))
	return nil
}

// forward relays a multicast request to every Superior.
func (o *Operator) forward(req *Request) {
	for _, addr := range o.Neighbours(Superior) {
		if addr == req.Sender {
			continue
		}
		o.sendAsync(addr, req.Clone(), nil)
	}
}

// MessageRecord exposes the correlator record for a message id.
func (o *Operator) MessageRecord(id string) (correlator.Record[*Response], bool) {
	return o.correlator.Get(id)
}

// UpdateRecord mutates the correlator record of a message id, typically to
// count multicast responses in a Callback.
func (o *Operator) UpdateRecord(id string, fn func(*correlator.Record[*Response])) bool {
	return o.correlator.Update(id, fn)
}
