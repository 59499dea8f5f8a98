package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/ratelimit"
	memsource "cdc-dispatch/internal/source/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testTiming = Timing{Idle: 5 * time.Millisecond, Unavailable: 10 * time.Millisecond}

// scriptedSource hands out a fixed list of batches. A rolled back batch is
// handed out again with the same id.
type scriptedSource struct {
	mu        sync.Mutex
	hosted    map[string]bool
	mq        domain.MQConfig
	queue     []*domain.Batch
	pending   *domain.Batch
	log       []string
	acks      []int64
	rollbacks []int64
	overlaps  int // fetches issued while a batch was unresolved
	fetches   int

	fetchDelay  time.Duration
	inFetch     atomic.Int32
	maxInFetch  atomic.Int32
	subscribers atomic.Int32
}

func newScriptedSource(destinations ...string) *scriptedSource {
	s := &scriptedSource{hosted: make(map[string]bool)}
	for _, d := range destinations {
		s.hosted[d] = true
	}
	return s
}

func (s *scriptedSource) enqueue(batches ...*domain.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, batches...)
}

func (s *scriptedSource) Lookup(destination string) (*domain.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hosted[destination] {
		return nil, false
	}
	mq := s.mq
	if mq.Topic == "" {
		mq.Topic = destination
	}
	return &domain.Instance{Destination: destination, MQ: mq}, true
}

func (s *scriptedSource) Subscribe(context.Context, domain.ClientIdentity) error {
	s.subscribers.Add(1)
	return nil
}

func (s *scriptedSource) FetchWithoutAck(ctx context.Context, _ domain.ClientIdentity, _ int, _ time.Duration) (*domain.Batch, error) {
	n := s.inFetch.Add(1)
	defer s.inFetch.Add(-1)
	for {
		cur := s.maxInFetch.Load()
		if n <= cur || s.maxInFetch.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.fetchDelay > 0 {
		if err := sleep(ctx, s.fetchDelay); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.pending != nil {
		s.overlaps++
	}
	if len(s.queue) == 0 {
		return &domain.Batch{ID: domain.NoBatchID}, nil
	}
	s.pending = s.queue[0]
	s.log = append(s.log, fmt.Sprintf("fetch:%d", s.pending.ID))
	return s.pending, nil
}

func (s *scriptedSource) Ack(_ context.Context, _ domain.ClientIdentity, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != batchID {
		return domain.ErrUnknownBatch
	}
	s.queue = s.queue[1:]
	s.pending = nil
	s.acks = append(s.acks, batchID)
	s.log = append(s.log, fmt.Sprintf("ack:%d", batchID))
	return nil
}

func (s *scriptedSource) Rollback(_ context.Context, _ domain.ClientIdentity, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != batchID {
		return domain.ErrUnknownBatch
	}
	s.pending = nil
	s.rollbacks = append(s.rollbacks, batchID)
	s.log = append(s.log, fmt.Sprintf("rollback:%d", batchID))
	return nil
}

func (s *scriptedSource) snapshot() (acks, rollbacks []int64, log []string, overlaps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acks...), append([]int64(nil), s.rollbacks...), append([]string(nil), s.log...), s.overlaps
}

func (s *scriptedSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// fakeProducer resolves batches with a per test behaviour.
type fakeProducer struct {
	mu      sync.Mutex
	sent    []int64
	inits   int
	stops   int
	initErr error
	send    func(batch *domain.Batch, cb domain.Callback) error
}

func (p *fakeProducer) Init(context.Context, domain.MQProperties) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	return p.initErr
}

func (p *fakeProducer) Send(_ context.Context, _ domain.Destination, batch *domain.Batch, cb domain.Callback) error {
	p.mu.Lock()
	p.sent = append(p.sent, batch.ID)
	send := p.send
	p.mu.Unlock()
	if send == nil {
		go cb.Commit()
		return nil
	}
	return send(batch, cb)
}

func (p *fakeProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProducer) sentIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.sent...)
}

func batch(id int64, n int) *domain.Batch {
	entries := make([]domain.Entry, n)
	for i := range entries {
		entries[i] = domain.Entry{Schema: "shop", Table: "orders", Type: domain.EventInsert}
	}
	return &domain.Batch{ID: id, Entries: entries}
}

func newTestController(src domain.Source, prod domain.Producer) *Controller {
	return NewController(src, prod, testLogger, WithTiming(testTiming), WithNodeID("test-node"))
}

func shutdown(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestController_DeliversBatchesInOrder(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 3), batch(2, 2))
	prod := &fakeProducer{}
	c := newTestController(src, prod)

	require.NoError(t, c.Start(context.Background(), domain.MQProperties{BatchSize: 10}, "orders"))
	assert.True(t, c.Running())

	require.Eventually(t, func() bool {
		acks, _, _, _ := src.snapshot()
		return len(acks) == 2
	}, 2*time.Second, 5*time.Millisecond)
	shutdown(t, c)

	acks, rollbacks, log, overlaps := src.snapshot()
	assert.Equal(t, []int64{1, 2}, acks)
	assert.Empty(t, rollbacks)
	assert.Zero(t, overlaps)
	assert.Equal(t, []string{"fetch:1", "ack:1", "fetch:2", "ack:2"}, log)
	assert.Equal(t, 1, prod.stops)
}

func TestController_RollbackRedeliversBatch(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 1), batch(2, 1))
	prod := &fakeProducer{send: func(b *domain.Batch, cb domain.Callback) error {
		go cb.Rollback()
		return nil
	}}
	c := newTestController(src, prod)

	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	require.Eventually(t, func() bool { return len(prod.sentIDs()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	shutdown(t, c)

	for _, id := range prod.sentIDs() {
		assert.Equal(t, int64(1), id)
	}
	acks, rollbacks, _, overlaps := src.snapshot()
	assert.Empty(t, acks)
	assert.GreaterOrEqual(t, len(rollbacks), 3)
	assert.Zero(t, overlaps)
}

func TestController_SendErrorRollsBack(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 1))
	var calls atomic.Int32
	prod := &fakeProducer{send: func(b *domain.Batch, cb domain.Callback) error {
		if calls.Add(1) == 1 {
			return errors.New("broker unreachable")
		}
		cb.Commit()
		return nil
	}}
	c := newTestController(src, prod)

	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	require.Eventually(t, func() bool {
		acks, _, _, _ := src.snapshot()
		return len(acks) == 1
	}, 2*time.Second, 5*time.Millisecond)
	shutdown(t, c)

	_, rollbacks, log, _ := src.snapshot()
	assert.Equal(t, []int64{1}, rollbacks)
	assert.Equal(t, []string{"fetch:1", "rollback:1", "fetch:1", "ack:1"}, log)
}

func TestController_ResolveTimeoutRollsBack(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 1))
	var (
		calls    atomic.Int32
		silentCb atomic.Value
	)
	prod := &fakeProducer{send: func(b *domain.Batch, cb domain.Callback) error {
		if calls.Add(1) == 1 {
			silentCb.Store(cb)
			return nil
		}
		cb.Commit()
		return nil
	}}
	c := newTestController(src, prod)

	props := domain.MQProperties{ResolveTimeout: 30 * time.Millisecond}
	require.NoError(t, c.Start(context.Background(), props, "orders"))
	require.Eventually(t, func() bool {
		acks, _, _, _ := src.snapshot()
		return len(acks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the late outcome of the timed out send is ignored
	silentCb.Load().(domain.Callback).Commit()
	shutdown(t, c)

	acks, rollbacks, log, _ := src.snapshot()
	assert.Equal(t, []int64{1}, acks)
	assert.Equal(t, []int64{1}, rollbacks)
	assert.Equal(t, []string{"fetch:1", "rollback:1", "fetch:1", "ack:1"}, log)
}

func TestController_RecoversFromProducerPanic(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 1))
	var calls atomic.Int32
	prod := &fakeProducer{send: func(b *domain.Batch, cb domain.Callback) error {
		if calls.Add(1) == 1 {
			panic("encoder bug")
		}
		cb.Commit()
		return nil
	}}
	c := newTestController(src, prod)

	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	require.Eventually(t, func() bool {
		acks, _, _, _ := src.snapshot()
		return len(acks) == 1
	}, 2*time.Second, 5*time.Millisecond)
	shutdown(t, c)

	_, rollbacks, _, _ := src.snapshot()
	assert.Equal(t, []int64{1}, rollbacks)
}

func TestController_StartIsIdempotent(t *testing.T) {
	src := newScriptedSource("orders", "payments")
	prod := &fakeProducer{}
	c := newTestController(src, prod)

	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, " orders, ,payments ,orders"))
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "other"))
	assert.Equal(t, 1, prod.inits)
	assert.Equal(t, []string{"orders", "payments"}, c.Destinations())

	// a repeated name must not leave an unregistered worker behind
	for _, name := range []string{"orders", "payments"} {
		h, ok := c.Handle(name)
		require.True(t, ok)
		c.StopDestination(name)
		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("worker %s did not exit", name)
		}
	}
	fetched := src.fetchCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, fetched, src.fetchCount())

	shutdown(t, c)
	shutdown(t, c)
	assert.Equal(t, 1, prod.stops)
	assert.False(t, c.Running())
	assert.Empty(t, c.Destinations())
}

func TestController_StartFailureLeavesEngineStopped(t *testing.T) {
	src := newScriptedSource("orders")
	prod := &fakeProducer{initErr: errors.New("no brokers")}
	c := newTestController(src, prod)

	err := c.Start(context.Background(), domain.MQProperties{}, "orders")
	require.Error(t, err)
	assert.False(t, c.Running())
	assert.Empty(t, c.Destinations())
	require.ErrorIs(t, c.StartDestination(context.Background(), "orders"), ErrEngineStopped)
}

func TestController_StartDestinationUnknownIsNoop(t *testing.T) {
	src := newScriptedSource()
	c := newTestController(src, &fakeProducer{})
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, ""))
	defer shutdown(t, c)

	require.NoError(t, c.StartDestination(context.Background(), "ghost"))
	assert.Empty(t, c.Destinations())
}

func TestController_ConcurrentStartDestinationKeepsOneWorker(t *testing.T) {
	src := newScriptedSource("orders")
	src.fetchDelay = 2 * time.Millisecond
	c := newTestController(src, &fakeProducer{})
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, ""))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.StartDestination(context.Background(), "orders"))
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"orders"}, c.Destinations())
	h, ok := c.Handle("orders")
	require.True(t, ok)
	assert.True(t, h.Running())

	require.Eventually(t, func() bool { return src.fetchCount() > 5 }, 2*time.Second, 5*time.Millisecond)
	shutdown(t, c)
	assert.Equal(t, int32(1), src.maxInFetch.Load())
}

func TestController_StopDestinationIsIdempotent(t *testing.T) {
	src := newScriptedSource("orders")
	c := newTestController(src, &fakeProducer{})
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	defer shutdown(t, c)

	h, ok := c.Handle("orders")
	require.True(t, ok)

	c.StopDestination("orders")
	c.StopDestination("orders")
	c.StopDestination("unknown")

	assert.Empty(t, c.Destinations())
	assert.False(t, h.Running())
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestController_RestartWaitsForPreviousWorker(t *testing.T) {
	src := newScriptedSource("orders")
	c := newTestController(src, &fakeProducer{})
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	defer shutdown(t, c)

	first, _ := c.Handle("orders")
	require.NoError(t, c.StartDestination(context.Background(), "orders"))

	select {
	case <-first.Done():
	default:
		t.Fatal("previous worker still running after restart")
	}
	second, ok := c.Handle("orders")
	require.True(t, ok)
	assert.NotSame(t, first, second)
}

func TestController_DestroyIsIdempotent(t *testing.T) {
	prod := &fakeProducer{}
	c := newTestController(newScriptedSource("orders"), prod)
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))

	c.Destroy()
	c.Destroy()
	assert.Equal(t, 1, prod.stops)
}

// holdFirstSend returns a producer that keeps the callback of the first batch
// until the test resolves it, and commits every later batch.
func holdFirstSend() (*fakeProducer, <-chan domain.Callback) {
	held := make(chan domain.Callback, 1)
	var calls atomic.Int32
	return &fakeProducer{send: func(b *domain.Batch, cb domain.Callback) error {
		if calls.Add(1) == 1 {
			held <- cb
			return nil
		}
		go cb.Commit()
		return nil
	}}, held
}

func TestController_StopThenStartWaitsForUnresolvedBatch(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 1), batch(2, 1))
	prod, held := holdFirstSend()
	c := newTestController(src, prod)
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	defer shutdown(t, c)

	var cb domain.Callback
	select {
	case cb = <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("batch 1 was not sent")
	}

	c.StopDestination("orders")
	restarted := make(chan error, 1)
	go func() { restarted <- c.StartDestination(context.Background(), "orders") }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-restarted:
		t.Fatalf("restart returned while batch 1 was unresolved: %v", err)
	default:
	}
	assert.Equal(t, 1, src.fetchCount())

	cb.Commit()
	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not return after batch 1 resolved")
	}

	require.Eventually(t, func() bool {
		acks, _, _, _ := src.snapshot()
		return len(acks) == 2
	}, 2*time.Second, 5*time.Millisecond)
	_, _, log, overlaps := src.snapshot()
	assert.Zero(t, overlaps)
	assert.Equal(t, []string{"fetch:1", "ack:1", "fetch:2", "ack:2"}, log)
	assert.Equal(t, []int64{1, 2}, prod.sentIDs())
}

func TestController_RestartWaitIsBoundedByDrainTimeout(t *testing.T) {
	src := newScriptedSource("orders")
	src.enqueue(batch(1, 1))
	prod, held := holdFirstSend()
	c := NewController(src, prod, testLogger, WithTiming(testTiming), WithDrainTimeout(40*time.Millisecond))
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{}, "orders"))
	defer shutdown(t, c)

	var cb domain.Callback
	select {
	case cb = <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("batch 1 was not sent")
	}
	c.StopDestination("orders")

	start := time.Now()
	err := c.StartDestination(context.Background(), "orders")
	require.ErrorIs(t, err, ErrWorkerStopping)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, c.Destinations())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.StartDestination(ctx, "orders"), context.Canceled)

	cb.Commit()
	require.Eventually(t, func() bool {
		return c.StartDestination(context.Background(), "orders") == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"orders"}, c.Destinations())
	_, _, _, overlaps := src.snapshot()
	assert.Zero(t, overlaps)
}

// topicSampler reports a fixed byte counter per topic, so a baseline taken
// from one topic makes another look far over its ceiling.
type topicSampler struct {
	mu     sync.Mutex
	bytes  map[string]int64
	counts map[string]int
}

func (s *topicSampler) Sample(_ context.Context, topic string) ratelimit.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[topic]++
	return ratelimit.Sample{Valid: true, Bytes: s.bytes[topic], Time: time.Now()}
}

func (s *topicSampler) calls(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[topic]
}

func TestController_ThrottledDestinationsKeepOwnBaselines(t *testing.T) {
	src := memsource.NewSource(testLogger)
	for _, name := range []string{"orders", "users"} {
		src.Host(domain.Instance{Destination: name, MQ: domain.MQConfig{
			Topic:      name + "-topic",
			RateLimit:  "1000",
			MetricsURL: "http://broker:9404/metrics",
		}})
		for i := 0; i < 5; i++ {
			src.Publish(name, domain.Entry{Schema: "shop", Table: name, Type: domain.EventInsert})
		}
	}

	// neither counter moves; only a mixed up baseline triggers a wait
	sampler := &topicSampler{
		bytes:  map[string]int64{"orders-topic": 0, "users-topic": 1 << 40},
		counts: make(map[string]int),
	}
	c := NewController(src, &fakeProducer{}, testLogger,
		WithTiming(testTiming),
		WithThrottle(ratelimit.Options{PollInterval: time.Millisecond, MaxWait: time.Minute}),
		WithSamplerFactory(func(string) ratelimit.Sampler { return sampler }),
	)
	require.NoError(t, c.Start(context.Background(), domain.MQProperties{BatchSize: 1}, "orders,users"))
	defer shutdown(t, c)

	require.Eventually(t, func() bool {
		ordersAcked, _ := src.Checkpoint("orders")
		usersAcked, _ := src.Checkpoint("users")
		return ordersAcked == 5 && usersAcked == 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 5, sampler.calls("orders-topic"))
	assert.Equal(t, 5, sampler.calls("users-topic"))
}
