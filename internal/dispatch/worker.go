package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/metrics"
	"cdc-dispatch/internal/ratelimit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeCommit   = "commit"
	outcomeRollback = "rollback"

	// sourceCallTimeout bounds an ack or rollback issued from a producer callback.
	sourceCallTimeout = 10 * time.Second
)

// Timing holds the sleeps of the worker loop.
type Timing struct {
	// Idle is slept while the engine or the worker is paused and after an empty fetch.
	Idle time.Duration
	// Unavailable is slept while the destination is not hosted or owned elsewhere.
	Unavailable time.Duration
}

// DefaultTiming returns the production sleeps.
func DefaultTiming() Timing {
	return Timing{Idle: 100 * time.Millisecond, Unavailable: 3 * time.Second}
}

// SamplerFactory builds the metrics sampler for a destination's metrics endpoint.
type SamplerFactory func(endpoint string) ratelimit.Sampler

// worker runs the fetch, throttle, send and resolve loop of one destination.
type worker struct {
	destination string
	identity    domain.ClientIdentity
	source      domain.Source
	producer    domain.Producer
	locker      domain.Locker
	samplers    SamplerFactory
	props       domain.MQProperties
	throttle    ratelimit.Options
	timing      Timing
	logger      *slog.Logger
	tracer      trace.Tracer
}

// run blocks until ctx is done or either flag turns false after the worker
// started. engine gates every worker, own gates this one.
func (w *worker) run(ctx context.Context, engine, own *atomic.Bool) {
	active := func() bool { return engine.Load() && own.Load() }

	for !active() {
		if err := sleep(ctx, w.timing.Idle); err != nil {
			return
		}
	}

	if w.locker != nil {
		lock, ok := w.claim(ctx, active)
		if !ok {
			return
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Unlock(unlockCtx); err != nil {
				w.logger.Error("failed to release destination", "error", err)
			}
		}()
	}

	w.logger.Info("destination worker started")
	defer w.logger.Info("destination worker stopped")

	for active() {
		inst, ok := w.source.Lookup(w.destination)
		if !ok {
			if err := sleep(ctx, w.timing.Unavailable); err != nil {
				return
			}
			continue
		}

		err := w.serve(ctx, inst, active)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, domain.ErrInstanceUnavailable):
			w.logger.Warn("instance unavailable, retrying", "error", err)
			if err := sleep(ctx, w.timing.Unavailable); err != nil {
				return
			}
		default:
			w.logger.Error("process error", "error", err)
			if err := sleep(ctx, w.timing.Idle); err != nil {
				return
			}
		}
	}
}

func (w *worker) claim(ctx context.Context, active func() bool) (domain.Lock, bool) {
	for active() {
		lock, err := w.locker.Lock(ctx, w.destination)
		if err == nil {
			w.logger.Info("claimed destination")
			return lock, true
		}
		if errors.Is(err, domain.ErrLockNotAcquired) {
			w.logger.Debug("destination owned by another node")
		} else {
			w.logger.Warn("failed to claim destination", "error", err)
		}
		if err := sleep(ctx, w.timing.Unavailable); err != nil {
			return nil, false
		}
	}
	return nil, false
}

// serve subscribes and loops over batches until the worker is stopped or the
// source fails.
func (w *worker) serve(ctx context.Context, inst *domain.Instance, active func() bool) error {
	dest := domain.Destination{Name: w.destination, MQ: inst.MQ}
	limiter := w.newLimiter(dest)

	if err := w.source.Subscribe(ctx, w.identity); err != nil {
		return fmt.Errorf("subscribe %s: %w", w.destination, err)
	}
	w.logger.Info("the MQ producer is running now", "topic", dest.MQ.Topic, "throttled", limiter.Enabled())

	for active() {
		if err := w.cycle(ctx, dest, limiter); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) newLimiter(dest domain.Destination) *ratelimit.Limiter {
	ceiling, err := dest.MQ.RateCeiling()
	if err != nil {
		w.logger.Warn("ignoring rate limit", "error", err)
		ceiling = 0
	}
	var sampler ratelimit.Sampler
	if ceiling > 0 && dest.MQ.MetricsURL != "" && dest.MQ.Topic != "" && w.samplers != nil {
		sampler = w.samplers(dest.MQ.MetricsURL)
	}
	return ratelimit.NewLimiter(w.destination, sampler, ceiling, w.throttle, w.logger)
}

// cycle fetches one batch and, when it holds data, delivers and resolves it.
func (w *worker) cycle(ctx context.Context, dest domain.Destination, limiter *ratelimit.Limiter) (err error) {
	var res *resolution
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("dispatch cycle panicked", "panic", r)
			if res != nil {
				res.Rollback()
			}
			err = nil
		}
	}()

	batch, err := w.source.FetchWithoutAck(ctx, w.identity, w.props.BatchSize, w.props.FetchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("fetch %s: %w", w.destination, err)
	}
	if batch.Empty() {
		metrics.EmptyFetchesTotal.WithLabelValues(w.destination).Inc()
		_ = sleep(ctx, w.timing.Idle)
		return nil
	}

	res = newResolution(w.source, w.identity, batch.ID, w.logger)
	w.deliver(ctx, dest, limiter, batch, res)
	return nil
}

func (w *worker) deliver(ctx context.Context, dest domain.Destination, limiter *ratelimit.Limiter, batch *domain.Batch, res *resolution) {
	ctx, span := w.tracer.Start(ctx, "worker.deliver", trace.WithAttributes(
		attribute.String("destination", w.destination),
		attribute.Int64("batch.id", batch.ID),
		attribute.Int("batch.size", batch.Size()),
	))
	defer span.End()

	if waited, err := limiter.Wait(ctx, dest.MQ.Topic); err != nil {
		// stopped while throttled, hand the batch back
		span.AddEvent("throttle_interrupted")
		res.Rollback()
		return
	} else if waited > 0 {
		span.SetAttributes(attribute.Int64("throttle.wait_ms", waited.Milliseconds()))
	}

	metrics.BatchEntriesSentTotal.WithLabelValues(w.destination).Add(float64(batch.Size()))
	// sends are not interrupted by a stop; the producer still resolves them
	if err := w.producer.Send(context.WithoutCancel(ctx), dest, batch, res); err != nil {
		w.logger.Error("failed to send batch", "batch_id", batch.ID, "error", err)
		metrics.SendFailuresTotal.WithLabelValues(w.destination).Inc()
		span.RecordError(err)
		res.Rollback()
	}

	w.await(res)
	outcome := res.Outcome()
	span.SetAttributes(attribute.String("batch.outcome", outcome))
	if outcome == outcomeRollback {
		span.SetStatus(codes.Error, "batch rolled back")
	}
}

// await blocks until the batch is resolved, rolling it back when the
// producer stays silent past the resolve timeout.
func (w *worker) await(res *resolution) {
	if w.props.ResolveTimeout <= 0 {
		<-res.Done()
		return
	}
	t := time.NewTimer(w.props.ResolveTimeout)
	defer t.Stop()
	select {
	case <-res.Done():
	case <-t.C:
		w.logger.Warn("producer did not resolve batch in time, rolling back",
			"batch_id", res.batchID, "timeout", w.props.ResolveTimeout)
		metrics.ResolveTimeoutsTotal.WithLabelValues(w.destination).Inc()
		res.Rollback()
		<-res.Done()
	}
}

// resolution is the producer callback of one batch. Only the first outcome
// reaches the source.
type resolution struct {
	source   domain.Source
	identity domain.ClientIdentity
	batchID  int64
	logger   *slog.Logger

	once    sync.Once
	outcome string
	done    chan struct{}
}

func newResolution(source domain.Source, id domain.ClientIdentity, batchID int64, logger *slog.Logger) *resolution {
	return &resolution{
		source:   source,
		identity: id,
		batchID:  batchID,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Commit implements domain.Callback.
func (r *resolution) Commit() { r.resolve(outcomeCommit) }

// Rollback implements domain.Callback.
func (r *resolution) Rollback() { r.resolve(outcomeRollback) }

// Done is closed once the batch is resolved against the source.
func (r *resolution) Done() <-chan struct{} { return r.done }

// Outcome is valid after Done is closed.
func (r *resolution) Outcome() string {
	select {
	case <-r.done:
		return r.outcome
	default:
		return ""
	}
}

func (r *resolution) resolve(outcome string) {
	first := false
	r.once.Do(func() {
		first = true
		r.outcome = outcome
		defer close(r.done)

		ctx, cancel := context.WithTimeout(context.Background(), sourceCallTimeout)
		defer cancel()

		if outcome == outcomeCommit {
			if err := r.source.Ack(ctx, r.identity, r.batchID); err != nil {
				r.logger.Error("ack failed, rolling back for redelivery", "batch_id", r.batchID, "error", err)
				r.outcome = outcomeRollback
				if err := r.source.Rollback(ctx, r.identity, r.batchID); err != nil {
					r.logger.Error("rollback failed", "batch_id", r.batchID, "error", err)
				}
			}
		} else if err := r.source.Rollback(ctx, r.identity, r.batchID); err != nil {
			r.logger.Error("rollback failed", "batch_id", r.batchID, "error", err)
		}
		metrics.BatchesResolvedTotal.WithLabelValues(r.identity.Destination, r.outcome).Inc()
	})
	if !first {
		r.logger.Warn("ignoring second resolution of batch", "batch_id", r.batchID, "outcome", outcome)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
