package routing

import (
	"encoding/json"
	"fmt"
	"sync"

	"cdc-dispatch/internal/domain"
)

// Message is one record ready for the queue.
type Message struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
}

// batchMessage is the whole-batch JSON form written when flat messages are off.
type batchMessage struct {
	ID      int64          `json:"id"`
	Entries []domain.Entry `json:"entries"`
}

// Encode turns a batch into queue messages. Raw batches give one message per
// raw entry; flat mode gives one routed message per entry; otherwise the batch
// is written as a single JSON message to the default topic.
func (r *Router) Encode(batch *domain.Batch, props domain.MQProperties) ([]Message, error) {
	if batch.Raw {
		if r.DefaultTopic() == "" {
			return nil, fmt.Errorf("batch %d: raw entries need a topic", batch.ID)
		}
		msgs := make([]Message, 0, len(batch.RawEntries))
		for _, raw := range batch.RawEntries {
			msgs = append(msgs, Message{Topic: r.DefaultTopic(), Partition: r.DefaultPartition(), Value: raw})
		}
		return msgs, nil
	}

	entries := batch.Entries
	if props.FilterTransactionEntry {
		entries = make([]domain.Entry, 0, len(batch.Entries))
		for _, e := range batch.Entries {
			if !e.Type.IsTransaction() {
				entries = append(entries, e)
			}
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if !props.FlatMessage {
		if r.DefaultTopic() == "" {
			return nil, fmt.Errorf("batch %d: no topic configured", batch.ID)
		}
		value, err := json.Marshal(batchMessage{ID: batch.ID, Entries: entries})
		if err != nil {
			return nil, fmt.Errorf("marshal batch %d: %w", batch.ID, err)
		}
		return []Message{{Topic: r.DefaultTopic(), Partition: r.DefaultPartition(), Value: value}}, nil
	}

	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		topic := r.Topic(e)
		if topic == "" {
			return nil, fmt.Errorf("batch %d: no topic for %s", batch.ID, e.FullName())
		}
		value, err := json.Marshal(domain.NewFlatMessage(e))
		if err != nil {
			return nil, fmt.Errorf("marshal entry of %s: %w", e.FullName(), err)
		}
		msgs = append(msgs, Message{
			Topic:     topic,
			Partition: r.Partition(e),
			Key:       PartitionKey(e),
			Value:     value,
		})
	}
	return msgs, nil
}

// Cache keeps one compiled router per MQ configuration.
type Cache struct {
	routers sync.Map
}

// Get returns the router of cfg, compiling it on first use.
func (c *Cache) Get(cfg domain.MQConfig) (*Router, error) {
	if r, ok := c.routers.Load(cfg); ok {
		return r.(*Router), nil
	}
	r, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}
	actual, _ := c.routers.LoadOrStore(cfg, r)
	return actual.(*Router), nil
}
