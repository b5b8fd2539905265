// Package workers runs inbound messages on a pool that grows while the
// queue backs up and shrinks when it stays idle.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zde37/rangedht/pkg"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("worker queue full")

	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("worker pool stopped")
)

// Task is one unit of dispatched work.
type Task func(ctx context.Context)

// Config bounds the pool.
type Config struct {
	MinWorkers     int
	MaxWorkers     int
	QueueSize      int
	SampleInterval time.Duration
	GrowSamples    int // consecutive busy samples before adding a worker
	ShrinkSamples  int // consecutive idle samples before removing a worker
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// Pool is an auto-scaling worker pool.
type Pool struct {
	cfg    Config
	clock  clock.Clock
	logger *pkg.Logger

	queue chan Task
	quit  chan struct{}

	mu      sync.Mutex
	workers int
	busy    atomic.Int32
	stopped atomic.Bool

	growStreak   int
	shrinkStreak int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. A nil clock uses wall time.
func New(cfg Config, clk clock.Clock, logger *pkg.Logger) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = pkg.Nop()
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		clock:  clk,
		logger: logger.WithFields(pkg.Fields{"component": "workers"}),
		queue:  make(chan Task, cfg.QueueSize),
		quit:   make(chan struct{}, cfg.MaxWorkers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the minimum number of workers and the scaling loop.
func (p *Pool) Start() {
	p.mu.Lock()
	for p.workers < p.cfg.MinWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	ticker := p.clock.Ticker(p.cfg.SampleInterval)
	p.wg.Add(1)
	go p.scaleLoop(ticker)
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task Task) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels the pool context and waits for workers to exit. Queued
// tasks that did not start are dropped.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Stats returns the current worker counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Workers: p.workers, Busy: int(p.busy.Load()), Queued: len(p.queue)}
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.quit:
			return
		case task := <-p.queue:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Task panicked")
		}
	}()
	task(p.ctx)
}

func (p *Pool) scaleLoop(ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

// sample takes one scaling measurement.
func (p *Pool) sample() {
	p.mu.Lock()
	defer p.mu.Unlock()

	queued := len(p.queue)
	busy := int(p.busy.Load())

	if queued > 0 && busy >= p.workers {
		p.growStreak++
	} else {
		p.growStreak = 0
	}
	if queued == 0 && busy == 0 {
		p.shrinkStreak++
	} else {
		p.shrinkStreak = 0
	}

	if p.growStreak >= p.cfg.GrowSamples && p.workers < p.cfg.MaxWorkers {
		p.growStreak = 0
		p.spawnLocked()
		p.logger.Debug().Int("workers", p.workers).Int("queued", queued).Msg("Worker added")
	}
	if p.shrinkStreak >= p.cfg.ShrinkSamples && p.workers > p.cfg.MinWorkers {
		p.shrinkStreak = 0
		// the first idle worker to see the token exits
		p.quit <- struct{}{}
		p.workers--
		p.logger.Debug().Int("workers", p.workers).Msg("Worker removed")
	}
}
