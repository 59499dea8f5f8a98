// internal/infra/rabbitmq/rabbitmq_producer.go
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/routing"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotInitialized is returned by Send before Init or after Stop.
var ErrNotInitialized = errors.New("rabbitmq producer not initialized")

// Config holds the broker connection and exchange settings.
type Config struct {
	URL            string        `mapstructure:"url"`
	Exchange       string        `mapstructure:"exchange"`
	ExchangeType   string        `mapstructure:"exchange_type"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// Producer publishes batches on a confirm-mode channel. The topic of a message
// becomes its routing key; a batch commits once the broker confirms every
// message of it.
type Producer struct {
	cfg     Config
	logger  *slog.Logger
	routers routing.Cache

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	props   domain.MQProperties
	inited  bool
}

// NewProducer creates an unconnected producer.
func NewProducer(cfg Config, logger *slog.Logger) *Producer {
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = amqp.ExchangeTopic
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &Producer{
		cfg:    cfg,
		logger: logger.With("component", "rabbitmq-producer"),
	}
}

// Init dials the broker and declares the exchange.
func (p *Producer) Init(_ context.Context, props domain.MQProperties) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited {
		return nil
	}
	if p.cfg.URL == "" {
		return errors.New("rabbitmq producer: no url configured")
	}
	if err := p.connectLocked(); err != nil {
		return err
	}
	p.props = props
	p.inited = true
	p.logger.Info("connected to rabbitmq", "exchange", p.cfg.Exchange)
	return nil
}

func (p *Producer) connectLocked() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if p.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(p.cfg.Exchange, p.cfg.ExchangeType, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("rabbitmq declare exchange %s: %w", p.cfg.Exchange, err)
		}
	}
	p.conn, p.channel = conn, ch
	return nil
}

// Send publishes every message of batch and resolves cb from a goroutine that
// waits for the broker confirms.
func (p *Producer) Send(ctx context.Context, dest domain.Destination, batch *domain.Batch, cb domain.Callback) error {
	p.mu.Lock()
	if !p.inited {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	props := p.props
	router, err := p.routers.Get(dest.MQ)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("destination %s: %w", dest.Name, err)
	}
	msgs, err := router.Encode(batch, props)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("destination %s: %w", dest.Name, err)
	}
	if len(msgs) == 0 {
		p.mu.Unlock()
		cb.Commit()
		return nil
	}

	if p.channel == nil || p.channel.IsClosed() {
		p.logger.Warn("rabbitmq channel closed, reconnecting")
		if err := p.connectLocked(); err != nil {
			p.mu.Unlock()
			return err
		}
	}

	ctx = context.WithoutCancel(ctx)
	confirms := make([]*amqp.DeferredConfirmation, 0, len(msgs))
	for _, m := range msgs {
		dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, m.Topic, false, false, publishing(batch.ID, m))
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("publish batch %d to %s: %w", batch.ID, m.Topic, err)
		}
		confirms = append(confirms, dc)
	}
	p.mu.Unlock()

	go p.awaitConfirms(dest.Name, batch.ID, confirms, cb)
	return nil
}

func (p *Producer) awaitConfirms(destination string, batchID int64, confirms []*amqp.DeferredConfirmation, cb domain.Callback) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout)
	defer cancel()
	for _, dc := range confirms {
		acked, err := dc.WaitContext(ctx)
		if err != nil || !acked {
			p.logger.Error("broker did not confirm message", "destination", destination,
				"batch_id", batchID, "delivery_tag", dc.DeliveryTag, "error", err)
			cb.Rollback()
			return
		}
	}
	cb.Commit()
}

// publishing builds the AMQP message of m. The partition and batch id travel
// as headers so consumers can restore per key ordering.
func publishing(batchID int64, m routing.Message) amqp.Publishing {
	headers := amqp.Table{
		"x-batch-id":  batchID,
		"x-partition": m.Partition,
	}
	pub := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         m.Value,
	}
	if len(m.Key) > 0 {
		pub.MessageId = string(m.Key)
	} else {
		pub.MessageId = strconv.FormatInt(batchID, 10)
	}
	return pub
}

// Stop closes the channel and the connection.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inited {
		return nil
	}
	p.inited = false

	var errs []error
	if p.channel != nil && !p.channel.IsClosed() {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	p.conn, p.channel = nil, nil
	p.logger.Info("rabbitmq producer stopped")
	return errors.Join(errs...)
}
