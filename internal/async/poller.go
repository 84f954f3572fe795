// Package async runs timer-driven polling lines. Each line executes at most
// one cycle at a time; a tick that finds a cycle still running is dropped.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Cycle is one unit of work of a polling line.
type Cycle func(ctx context.Context) error

type Poller struct {
	name     string
	cycle    Cycle
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	gate     func() bool

	running atomic.Bool
	trigger chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithGate skips ticks while gate reports false.
func WithGate(gate func() bool) Option {
	return func(p *Poller) {
		if gate != nil {
			p.gate = gate
		}
	}
}

// WithCycleTimeout bounds a single cycle.
func WithCycleTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPoller(name string, cycle Cycle, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		name:     name,
		cycle:    cycle,
		logger:   logger.With("line", name),
		interval: 10 * time.Second,
		timeout:  5 * time.Minute,
		gate:     func() bool { return true },
		trigger:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run ticks until ctx is done or Shutdown is called. The first cycle runs
// immediately.
func (p *Poller) Run(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("poller started", "interval", p.interval)

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.trigger:
			p.Tick(ctx)
		}
	}
}

// Trigger asks Run for a cycle now without waiting for the ticker.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Tick starts a cycle in the background unless the poller is shutting down,
// the gate is closed or a cycle is already running. It reports whether a
// cycle was started.
func (p *Poller) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.gate() {
		p.logger.Debug("poller tick gated")
		return false
	}
	// closed and wg.Add share p.mu so Shutdown never waits on a late Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("poller tick after shutdown")
		return false
	}
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Unlock()
		p.logger.Debug("poller tick skipped, cycle in flight")
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.runCycle(ctx)
	}()
	return true
}

func (p *Poller) runCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.cycle(ctx)
	switch {
	case err == nil:
		p.logger.Debug("poller cycle done", "elapsed_ms", time.Since(start).Milliseconds())
	case errors.Is(err, context.Canceled):
		p.logger.Info("poller cycle cancelled")
	default:
		p.logger.Error("poller cycle failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
	}
}

// Running reports whether a cycle is in flight.
func (p *Poller) Running() bool { return p.running.Load() }

// Shutdown stops ticking and waits for the in-flight cycle, or until ctx is done.
func (p *Poller) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("poller drained, shutdown complete")
	}
}
