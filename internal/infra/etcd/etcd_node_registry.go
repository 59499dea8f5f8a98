// internal/infra/etcd/etcd_node_registry.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cdc-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// NodeRegistryPrefix defines the etcd prefix where dispatcher nodes register themselves.
	NodeRegistryPrefix = "/cdc/nodes/"
)

// nodeRegistry handles the registration of this node in etcd.
type nodeRegistry struct {
	client *clientv3.Client
	logger *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	key     string
	stop    context.CancelFunc
}

// NewEtcdNodeRegistry creates a registry of dispatcher nodes.
func NewEtcdNodeRegistry(client *clientv3.Client, logger *slog.Logger) domain.NodeRegistry {
	return &nodeRegistry{
		client: client,
		logger: logger.With("component", "node-registry"),
	}
}

// Register puts the node under a lease and keeps the lease alive in the background.
func (r *nodeRegistry) Register(ctx context.Context, node domain.Node, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	// 1. Create a new lease with a TTL.
	leaseResp, err := r.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID
	r.key = NodeRegistryPrefix + node.ID

	// 2. Put the node's key-value pair into etcd with the lease.
	if _, err := r.client.Put(ctx, r.key, string(value), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put node registration key: %w", err)
	}

	// 3. Keep the lease alive until Deregister.
	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	r.stop = cancel

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		r.logger.Warn("keep-alive channel closed, node registration may have expired")
	}()

	r.logger.Info("node registered successfully", "key", r.key)
	return nil
}

// Deregister revokes the lease, which deletes the registration.
func (r *nodeRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return nil
	}
	r.stop()
	r.stop = nil

	r.logger.Info("deregistering node", "key", r.key)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// List returns the registered nodes ordered by id.
func (r *nodeRegistry) List(ctx context.Context) ([]domain.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, NodeRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]domain.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node domain.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			r.logger.Warn("failed to unmarshal node", "key", string(kv.Key), "error", err)
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
