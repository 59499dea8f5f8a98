// internal/infra/kafka/kafka_producer.go
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/routing"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrNotInitialized is returned by Send before Init or after Stop.
var ErrNotInitialized = errors.New("kafka producer not initialized")

// Config holds the Kafka client settings.
type Config struct {
	Brokers                []string      `mapstructure:"brokers"`
	ClientID               string        `mapstructure:"client_id"`
	Acks                   string        `mapstructure:"acks"` // all, leader or none
	Linger                 time.Duration `mapstructure:"linger"`
	AllowAutoTopicCreation bool          `mapstructure:"allow_auto_topic_creation"`
}

// Producer writes batches to Kafka with franz-go. A batch commits once every
// one of its records is acknowledged by the broker.
type Producer struct {
	cfg     Config
	logger  *slog.Logger
	routers routing.Cache

	mu     sync.RWMutex
	client *kgo.Client
	props  domain.MQProperties
}

// NewProducer creates an unconnected producer.
func NewProducer(cfg Config, logger *slog.Logger) *Producer {
	return &Producer{
		cfg:    cfg,
		logger: logger.With("component", "kafka-producer"),
	}
}

// Init connects to the brokers.
func (p *Producer) Init(ctx context.Context, props domain.MQProperties) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	if len(p.cfg.Brokers) == 0 {
		return errors.New("kafka producer: no brokers configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(p.cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	}
	if p.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(p.cfg.ClientID))
	}
	if p.cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(p.cfg.Linger))
	}
	if p.cfg.AllowAutoTopicCreation {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	switch p.cfg.Acks {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return fmt.Errorf("kafka producer: unknown acks %q", p.cfg.Acks)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to reach kafka brokers %v: %w", p.cfg.Brokers, err)
	}

	p.client = client
	p.props = props
	p.logger.Info("connected to kafka", "brokers", p.cfg.Brokers)
	return nil
}

// Send produces the records of batch asynchronously and resolves cb when the
// last record settles.
func (p *Producer) Send(ctx context.Context, dest domain.Destination, batch *domain.Batch, cb domain.Callback) error {
	p.mu.RLock()
	client, props := p.client, p.props
	p.mu.RUnlock()
	if client == nil {
		return ErrNotInitialized
	}

	router, err := p.routers.Get(dest.MQ)
	if err != nil {
		return fmt.Errorf("destination %s: %w", dest.Name, err)
	}
	msgs, err := router.Encode(batch, props)
	if err != nil {
		return fmt.Errorf("destination %s: %w", dest.Name, err)
	}
	if len(msgs) == 0 {
		cb.Commit()
		return nil
	}

	var (
		pending atomic.Int64
		failed  atomic.Bool
	)
	pending.Store(int64(len(msgs)))
	promise := func(r *kgo.Record, err error) {
		if err != nil {
			failed.Store(true)
			p.logger.Error("failed to produce record", "destination", dest.Name, "batch_id", batch.ID,
				"topic", r.Topic, "partition", r.Partition, "error", err)
		}
		if pending.Add(-1) == 0 {
			if failed.Load() {
				cb.Rollback()
			} else {
				cb.Commit()
			}
		}
	}

	// records outlive the caller's context
	ctx = context.WithoutCancel(ctx)
	for _, m := range msgs {
		client.Produce(ctx, &kgo.Record{
			Topic:     m.Topic,
			Partition: m.Partition,
			Key:       m.Key,
			Value:     m.Value,
		}, promise)
	}
	return nil
}

// Stop flushes buffered records and closes the client.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	p.client = nil
	p.logger.Info("kafka producer stopped")
	if err != nil {
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	return nil
}
