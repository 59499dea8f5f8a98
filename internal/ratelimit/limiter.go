// Package ratelimit throttles a destination against the ingress throughput its
// topic is observed to take on the broker.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"cdc-dispatch/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// Sample is one reading of a topic's cumulative ingress byte counter.
type Sample struct {
	Valid bool
	Bytes int64
	Time  time.Time
}

// Sampler reads the byte counter of a topic. It returns an invalid sample when
// the metrics source cannot be read.
type Sampler interface {
	Sample(ctx context.Context, topic string) Sample
}

// ShouldWait reports whether the bytes taken between prev and cur exceed what
// ceiling bytes/sec allows over the same interval.
func ShouldWait(prev, cur Sample, ceiling int64) bool {
	if !prev.Valid || !cur.Valid || ceiling <= 0 {
		return false
	}
	elapsedMs := cur.Time.Sub(prev.Time).Milliseconds()
	allowed := float64(ceiling) / 1000.0 * float64(elapsedMs)
	return float64(cur.Bytes-prev.Bytes) > allowed
}

// Options tune the resample schedule.
type Options struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	// MaxWait caps a single wait; the caller proceeds once it is exceeded.
	// Zero waits for as long as the ceiling is exceeded.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// DefaultOptions polls every 100ms and gives up after 30s.
func DefaultOptions() Options {
	return Options{
		PollInterval: 100 * time.Millisecond,
		Multiplier:   1,
		MaxInterval:  time.Second,
		MaxWait:      30 * time.Second,
	}
}

// Limiter holds the baseline sample of one destination's topic.
// It is not safe for concurrent use; each worker owns its own.
type Limiter struct {
	destination string
	sampler     Sampler
	ceiling     int64
	opts        Options
	logger      *slog.Logger

	prev  Sample
	clock backoff.Clock
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter returns a limiter for a ceiling in bytes/sec. A ceiling <= 0 or a
// nil sampler disables throttling.
func NewLimiter(destination string, sampler Sampler, ceiling int64, opts Options, logger *slog.Logger) *Limiter {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = def.Multiplier
	}
	if opts.MaxInterval < opts.PollInterval {
		opts.MaxInterval = opts.PollInterval
	}
	return &Limiter{
		destination: destination,
		sampler:     sampler,
		ceiling:     ceiling,
		opts:        opts,
		logger:      logger.With("component", "rate-limiter", "destination", destination),
		clock:       backoff.SystemClock,
		sleep:       sleepCtx,
	}
}

// Enabled reports whether the limiter throttles at all.
func (l *Limiter) Enabled() bool {
	return l.sampler != nil && l.ceiling > 0
}

// Wait blocks while topic takes more than the ceiling allows. It returns the
// time spent waiting, and an error only when ctx ends.
func (l *Limiter) Wait(ctx context.Context, topic string) (time.Duration, error) {
	if !l.Enabled() {
		return 0, nil
	}
	cur := l.sampler.Sample(ctx, topic)
	if !cur.Valid {
		l.logger.Debug("metrics source unavailable, skipping throttle", "topic", topic)
		return 0, nil
	}
	if !l.prev.Valid {
		l.prev = cur
		return 0, nil
	}

	start := l.clock.Now()
	slept := false
	b := l.newBackOff()
	for ShouldWait(l.prev, cur, l.ceiling) {
		next := b.NextBackOff()
		if next == backoff.Stop {
			l.logger.Warn("throttle wait exceeded, proceeding", "topic", topic, "max_wait", l.opts.MaxWait)
			break
		}
		if err := l.sleep(ctx, next); err != nil {
			return l.clock.Now().Sub(start), err
		}
		slept = true
		s := l.sampler.Sample(ctx, topic)
		if !s.Valid {
			if err := ctx.Err(); err != nil {
				return l.clock.Now().Sub(start), err
			}
			break
		}
		cur = s
	}
	l.prev = cur

	if !slept {
		return 0, nil
	}
	waited := l.clock.Now().Sub(start)
	metrics.ThrottleWaitSeconds.WithLabelValues(l.destination).Observe(waited.Seconds())
	return waited, nil
}

func (l *Limiter) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.PollInterval
	b.RandomizationFactor = 0
	b.Multiplier = l.opts.Multiplier
	b.MaxInterval = l.opts.MaxInterval
	b.MaxElapsedTime = l.opts.MaxWait
	b.Clock = l.clock
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
