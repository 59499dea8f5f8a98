package domain

import (
	"context"
	"time"
)

// MQProperties are the engine wide settings handed to the producer on start.
type MQProperties struct {
	BatchSize              int           `mapstructure:"batch_size"`
	FetchTimeout           time.Duration `mapstructure:"fetch_timeout"`
	ResolveTimeout         time.Duration `mapstructure:"resolve_timeout"`
	FlatMessage            bool          `mapstructure:"flat_message"`
	FilterTransactionEntry bool          `mapstructure:"filter_transaction_entry"`
}

// Callback resolves a batch once the producer knows its outcome.
type Callback interface {
	Commit()
	Rollback()
}

// Producer forwards batches to a message queue.
type Producer interface {
	Init(ctx context.Context, props MQProperties) error
	// Send hands batch off for delivery. When it returns nil the producer owns
	// the outcome and calls exactly one of cb.Commit or cb.Rollback. An error
	// means the batch was not taken and cb is not called.
	Send(ctx context.Context, dest Destination, batch *Batch, cb Callback) error
	Stop() error
}
