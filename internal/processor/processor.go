package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// Errors
var (
	ErrClosed    = errors.New("processor closed")
	ErrQueueFull = errors.New("dispatch queue full")
)

// Call is one request on its way to the processor.
//
// Reply, when non-nil, must have capacity for at least one value. After a
// successful Send the processor owns it: it either sends exactly one
// Response and closes it, or closes it without sending (dropped request).
type Call struct {
	Request model.Request
	Reply   chan<- model.Response
}

// Sender enqueues calls for the processor. Safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, call Call) error
}

// Config holds processor configuration.
type Config struct {
	QueueSize      int           // Dispatch queue capacity (default: 100)
	EnqueueTimeout time.Duration // Max wait for a queue slot, <=0 waits for ctx (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      100,
		EnqueueTimeout: 5 * time.Second,
	}
}

// Stats contains processor statistics.
type Stats struct {
	Queued    int
	Capacity  int
	Processed int64
	Dropped   int64
	Rejected  int64
}

// Processor executes calls one at a time in arrival order.
type Processor struct {
	cfg     Config
	exec    Executor
	metrics *metrics.Relay
	logger  *slog.Logger

	queue chan Call

	// Ingress: closing done wakes blocked senders, closed (under mu) stops new ones.
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	dropped   atomic.Int64
	rejected  atomic.Int64
}

// New creates a new Processor.
func New(cfg Config, exec Executor, m *metrics.Relay, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if exec == nil {
		exec = StubExecutor{}
	}
	return &Processor{
		cfg:     cfg,
		exec:    exec,
		metrics: m,
		logger:  logger,
		queue:   make(chan Call, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine. The consumer outlives ctx so that
// calls already dispatched are answered during shutdown; only Stop ends it.
func (p *Processor) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.wg.Add(1)
	go p.run()

	p.logger.Info("processor started",
		"queue_size", p.cfg.QueueSize,
		"enqueue_timeout", p.cfg.EnqueueTimeout,
	)
	return nil
}

// Send implements Sender. It blocks while the queue is full, for at most
// EnqueueTimeout, and fails with ErrQueueFull afterwards.
func (p *Processor) Send(ctx context.Context, call Call) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.reject("closed")
		return ErrClosed
	}

	select {
	case p.queue <- call:
		p.metrics.QueueDepth(len(p.queue))
		return nil
	default:
	}

	var timeout <-chan time.Time
	if p.cfg.EnqueueTimeout > 0 {
		timer := time.NewTimer(p.cfg.EnqueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.queue <- call:
		p.metrics.QueueDepth(len(p.queue))
		return nil
	case <-timeout:
		p.reject("full")
		return ErrQueueFull
	case <-p.done:
		p.reject("closed")
		return ErrClosed
	case <-ctx.Done():
		p.reject("cancelled")
		return ctx.Err()
	}
}

// Stop closes ingress, executes calls that are already queued, and waits for
// the consumer. Calls still queued when ctx expires are dropped.
func (p *Processor) Stop(ctx context.Context) error {
	p.doneOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if p.cancel == nil {
		p.dropQueued()
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
		p.logger.Info("processor stopped",
			"processed", p.processed.Load(),
			"dropped", p.dropped.Load(),
		)
	case <-ctx.Done():
		p.logger.Warn("processor stop timed out")
		err = ctx.Err()
	}

	p.cancel()
	p.dropQueued()
	return err
}

// Stats returns processor statistics.
func (p *Processor) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Capacity:  cap(p.queue),
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// run is the consumer loop.
func (p *Processor) run() {
	defer p.wg.Done()

	for {
		select {
		case call := <-p.queue:
			p.process(call)
		case <-p.done:
			p.drain()
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// drain executes whatever is queued at shutdown until the queue is empty or
// the processor context ends.
func (p *Processor) drain() {
	for {
		select {
		case call := <-p.queue:
			if p.ctx.Err() != nil {
				p.drop(call)
				continue
			}
			p.process(call)
		default:
			return
		}
	}
}

func (p *Processor) dropQueued() {
	for {
		select {
		case call := <-p.queue:
			p.drop(call)
		default:
			p.metrics.QueueDepth(0)
			return
		}
	}
}

// process executes one call and delivers its response.
func (p *Processor) process(call Call) {
	p.metrics.QueueDepth(len(p.queue))
	start := time.Now()

	resp, ok := p.execute(call.Request)
	p.metrics.Processed(time.Since(start))
	if !ok {
		p.drop(call)
		return
	}

	resp.Echo = call.Request.Echo()
	p.processed.Add(1)

	if call.Reply == nil {
		p.logger.Debug("processed call without reply channel", "action", call.Request.Action)
		return
	}

	select {
	case call.Reply <- resp:
	default:
		p.logger.Warn("reply channel full, discarding response", "action", call.Request.Action)
	}
	close(call.Reply)
}

// execute runs the executor. A panicking executor yields ok=false.
func (p *Processor) execute(req model.Request) (resp model.Response, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panicked", "action", req.Action, "panic", r)
			ok = false
		}
	}()
	return p.exec.Execute(p.ctx, req), true
}

func (p *Processor) drop(call Call) {
	p.dropped.Add(1)
	if call.Reply != nil {
		close(call.Reply)
	}
}

func (p *Processor) reject(reason string) {
	p.rejected.Add(1)
	p.metrics.DispatchRejected(reason)
}
