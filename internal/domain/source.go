package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInstanceUnavailable is returned while a destination is not hosted by the source.
	ErrInstanceUnavailable = errors.New("cdc instance not available")
	// ErrNotSubscribed is returned when fetching for a client that never subscribed.
	ErrNotSubscribed = errors.New("client not subscribed")
	// ErrUnknownBatch is returned when acking or rolling back a batch the source did not hand out.
	ErrUnknownBatch = errors.New("unknown batch")
)

// DispatcherClientID is the client id the dispatch engine subscribes with.
const DispatcherClientID int16 = 1001

// ClientIdentity identifies a consumer of a destination's change stream.
type ClientIdentity struct {
	Destination string
	ClientID    int16
	Filter      string
}

// NewClientIdentity returns the identity the dispatcher uses for destination.
func NewClientIdentity(destination string) ClientIdentity {
	return ClientIdentity{Destination: destination, ClientID: DispatcherClientID}
}

// Instance is a destination currently hosted by the source.
type Instance struct {
	Destination string
	MQ          MQConfig
}

// Source is the embedded CDC source the engine pulls from.
// Ack and Rollback may be called from producer goroutines.
type Source interface {
	Lookup(destination string) (*Instance, bool)
	Subscribe(ctx context.Context, id ClientIdentity) error
	// FetchWithoutAck returns the next batch without advancing the checkpoint.
	// A timeout <= 0 lets the source decide whether to wait.
	FetchWithoutAck(ctx context.Context, id ClientIdentity, batchSize int, timeout time.Duration) (*Batch, error)
	Ack(ctx context.Context, id ClientIdentity, batchID int64) error
	// Rollback makes batchID and every batch handed out after it re-fetchable.
	Rollback(ctx context.Context, id ClientIdentity, batchID int64) error
}

// InstanceHost manages which destinations an embedded source hosts.
type InstanceHost interface {
	Host(inst Instance)
	Unhost(destination string)
}
