// Package dispatch runs one worker per destination that moves change batches
// from the embedded source to the message queue producer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/metrics"
	"cdc-dispatch/internal/ratelimit"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrEngineStopped is returned by calls that need a started engine.
var ErrEngineStopped = errors.New("dispatch engine is not running")

// ErrWorkerStopping is returned when a destination's previous worker has not
// exited in time for a restart.
var ErrWorkerStopping = errors.New("previous worker still stopping")

// DefaultDrainTimeout bounds Destroy and the wait of a restart on the
// previous worker.
const DefaultDrainTimeout = 30 * time.Second

// WorkerHandle is the registry entry of a running destination worker.
type WorkerHandle struct {
	Destination string

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Running reports whether the worker has not been told to stop.
func (h *WorkerHandle) Running() bool { return h.running.Load() }

// Done is closed when the worker loop has exited.
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

func (h *WorkerHandle) stop() {
	h.running.Store(false)
	h.cancel()
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocker makes workers claim cluster wide ownership of their destination
// before dispatching it.
func WithLocker(l domain.Locker) Option {
	return func(c *Controller) { c.locker = l }
}

// WithSamplerFactory sets how the metrics sampler of a destination is built.
func WithSamplerFactory(f SamplerFactory) Option {
	return func(c *Controller) { c.samplers = f }
}

// WithThrottle sets the resample schedule of the rate limiter.
func WithThrottle(opts ratelimit.Options) Option {
	return func(c *Controller) { c.throttle = opts }
}

// WithTiming overrides the worker loop sleeps.
func WithTiming(t Timing) Option {
	return func(c *Controller) { c.timing = t }
}

// WithNodeID labels the engine metrics with the id of this node.
func WithNodeID(id string) Option {
	return func(c *Controller) { c.nodeID = id }
}

// WithDrainTimeout sets how long Destroy and StartDestination wait for
// workers to exit.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Controller) { c.drainTimeout = d }
}

// Controller owns the engine state and the registry of destination workers.
type Controller struct {
	source   domain.Source
	producer domain.Producer
	locker   domain.Locker
	samplers SamplerFactory
	throttle ratelimit.Options
	timing   Timing
	nodeID   string
	logger   *slog.Logger
	tracer   trace.Tracer

	drainTimeout time.Duration

	// mu serializes the lifecycle calls.
	mu      sync.Mutex
	started bool
	running atomic.Bool
	props   domain.MQProperties
	ctx     context.Context
	cancel  context.CancelFunc
	pool    *conc.WaitGroup

	regMu   sync.RWMutex
	workers map[string]*WorkerHandle
	// stopping holds signalled workers until their loop exits.
	stopping map[string]*WorkerHandle
}

// NewController creates a stopped engine.
func NewController(source domain.Source, producer domain.Producer, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		source:       source,
		producer:     producer,
		throttle:     ratelimit.DefaultOptions(),
		timing:       DefaultTiming(),
		logger:       logger.With("component", "dispatch-controller"),
		tracer:       otel.Tracer("cdc-dispatch-worker"),
		drainTimeout: DefaultDrainTimeout,
		workers:      make(map[string]*WorkerHandle),
		stopping:     make(map[string]*WorkerHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start initializes the producer and schedules a worker for every destination
// in the comma separated list. It is a no-op when the engine already runs.
func (c *Controller) Start(ctx context.Context, props domain.MQProperties, destinations string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if err := c.producer.Init(ctx, props); err != nil {
		c.logger.Error("failed to start MQ workers", "error", err)
		return fmt.Errorf("init producer: %w", err)
	}

	c.props = props
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = conc.NewWaitGroup()
	c.started = true

	names := domain.ParseDestinationList(destinations)
	for _, name := range names {
		// a worker left over from a drain that timed out
		if err := c.awaitExitLocked(ctx, name); err != nil {
			c.logger.Error("skipping destination", "destination", name, "error", err)
			continue
		}
		c.scheduleLocked(name)
	}

	c.running.Store(true)
	metrics.EngineRunning.WithLabelValues(c.nodeID).Set(1)
	c.logger.Info("dispatch engine started", "destinations", names)
	return nil
}

// Running reports whether the engine gate is open.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Destinations returns the registered destinations in name order.
func (c *Controller) Destinations() []string {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle returns the registered handle of a destination.
func (c *Controller) Handle(name string) (*WorkerHandle, bool) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	h, ok := c.workers[name]
	return h, ok
}

// StartDestination (re)starts the worker of a destination the source hosts.
// A running or stopping worker is stopped and waited for first; ctx and the
// drain timeout bound that wait. Unknown destinations are ignored.
func (c *Controller) StartDestination(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return ErrEngineStopped
	}
	if _, ok := c.source.Lookup(name); !ok {
		c.logger.Debug("ignoring start of unknown destination", "destination", name)
		return nil
	}

	if prev := c.unregisterLocked(name); prev != nil {
		prev.stop()
	}
	if err := c.awaitExitLocked(ctx, name); err != nil {
		return err
	}

	c.scheduleLocked(name)
	c.logger.Info("destination started", "destination", name)
	return nil
}

// StopDestination signals the worker of a destination to stop and removes it
// from the registry. It does not wait for the loop to exit; a later
// StartDestination does.
func (c *Controller) StopDestination(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h := c.unregisterLocked(name); h != nil {
		h.stop()
		c.logger.Info("destination stopped", "destination", name)
	}
}

// Shutdown stops every worker, waits for them to drain until ctx is done and
// stops the producer. Calling it on a stopped engine is a no-op.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false
	c.running.Store(false)
	metrics.EngineRunning.WithLabelValues(c.nodeID).Set(0)

	c.regMu.Lock()
	for name, h := range c.workers {
		h.stop()
		delete(c.workers, name)
		c.stopping[name] = h
	}
	c.regMu.Unlock()
	metrics.ActiveWorkers.Set(0)
	c.cancel()

	c.logger.Info("## stop the MQ workers")

	drained := make(chan struct{})
	pool := c.pool
	go func() {
		defer close(drained)
		if r := pool.WaitAndRecover(); r != nil {
			c.logger.Error("destination worker panicked", "panic", r.Value)
		}
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("workers still running after drain timeout", "error", ctx.Err())
		err = fmt.Errorf("drain workers: %w", ctx.Err())
	}

	if perr := c.producer.Stop(); perr != nil {
		c.logger.Error("failed to stop producer", "error", perr)
		err = errors.Join(err, fmt.Errorf("stop producer: %w", perr))
	}
	c.logger.Info("## MQ workers is down.")
	return err
}

// Destroy is Shutdown bounded by the configured drain timeout.
func (c *Controller) Destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		c.logger.Error("shutdown failed", "error", err)
	}
}

func (c *Controller) unregisterLocked(name string) *WorkerHandle {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	h, ok := c.workers[name]
	if !ok {
		return nil
	}
	delete(c.workers, name)
	c.stopping[name] = h
	metrics.ActiveWorkers.Set(float64(len(c.workers)))
	return h
}

// awaitExitLocked waits for the stopping worker of name, if any, to exit.
func (c *Controller) awaitExitLocked(ctx context.Context, name string) error {
	c.regMu.RLock()
	h := c.stopping[name]
	c.regMu.RUnlock()
	if h == nil {
		return nil
	}

	var timeout <-chan time.Time
	if c.drainTimeout > 0 {
		t := time.NewTimer(c.drainTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("destination %s: %w: %w", name, ErrWorkerStopping, ctx.Err())
	case <-timeout:
		return fmt.Errorf("destination %s: %w after %s", name, ErrWorkerStopping, c.drainTimeout)
	}
}

func (c *Controller) forget(h *WorkerHandle) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.stopping[h.Destination] == h {
		delete(c.stopping, h.Destination)
	}
}

func (c *Controller) scheduleLocked(name string) *WorkerHandle {
	ctx, cancel := context.WithCancel(c.ctx)
	h := &WorkerHandle{Destination: name, cancel: cancel, done: make(chan struct{})}
	h.running.Store(true)

	c.regMu.Lock()
	c.workers[name] = h
	metrics.ActiveWorkers.Set(float64(len(c.workers)))
	c.regMu.Unlock()

	w := &worker{
		destination: name,
		identity:    domain.NewClientIdentity(name),
		source:      c.source,
		producer:    c.producer,
		locker:      c.locker,
		samplers:    c.samplers,
		props:       c.props,
		throttle:    c.throttle,
		timing:      c.timing,
		logger:      c.logger.With("component", "destination-worker", "destination", name),
		tracer:      c.tracer,
	}
	c.pool.Go(func() {
		defer close(h.done)
		defer cancel()
		defer c.forget(h)
		w.run(ctx, &c.running, &h.running)
	})
	return h
}
