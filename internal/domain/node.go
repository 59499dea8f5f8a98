package domain

import (
	"context"
	"time"
)

// Node is a dispatcher process registered in the cluster.
type Node struct {
	ID        string    `json:"id"`
	HTTPAddr  string    `json:"http_addr"`
	GRPCAddr  string    `json:"grpc_addr"`
	StartedAt time.Time `json:"started_at"`
}

// NodeRegistry keeps the live nodes of the cluster. A registration expires
// when its node stops refreshing it.
type NodeRegistry interface {
	Register(ctx context.Context, node Node, ttl time.Duration) error
	Deregister(ctx context.Context) error
	List(ctx context.Context) ([]Node, error)
}
