// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cdc-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// OwnerPrefix 定义了 etcd 中目标归属锁的根路径
	OwnerPrefix = "/cdc/owners/"
	// OwnerSessionTTL 定义了归属会话的 TTL
	OwnerSessionTTL = 10 // seconds
)

// etcdLock 实现了 domain.Lock 接口
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock 释放归属锁并关闭会话 (租约随之撤销)
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() { _ = l.session.Close() }()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to release destination %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker 实现了 domain.Locker 接口, 保证同一目标在集群中只有一个节点分发
type etcdLocker struct {
	client *clientv3.Client
	nodeID string
	logger *slog.Logger
}

// NewEtcdLocker 创建一个新的 etcdLocker 实例
func NewEtcdLocker(client *clientv3.Client, nodeID string, logger *slog.Logger) domain.Locker {
	return &etcdLocker{
		client: client,
		nodeID: nodeID,
		logger: logger.With("component", "destination-locker"),
	}
}

// Lock 尝试获取目标的归属锁, 已被其他节点持有时立即返回 ErrLockNotAcquired
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// 每次尝试使用独立会话, 节点宕机时租约过期, 归属自动释放
	session, err := concurrency.NewSession(l.client,
		concurrency.WithTTL(OwnerSessionTTL),
		concurrency.WithContext(context.WithoutCancel(ctx)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for destination %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, OwnerPrefix+name)
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to claim destination %s: %w", name, err)
	}

	l.logger.Info("destination owned by this node", "destination", name, "node_id", l.nodeID)
	return &etcdLock{mutex: mutex, session: session, name: name}, nil
}
