// internal/infra/etcd/etcd_destination_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"cdc-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DestinationSaveDir = "/cdc/destinations/"
)

type etcdDestinationRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdDestinationRepository creates a repository for destination definitions backed by etcd.
func NewEtcdDestinationRepository(client *clientv3.Client, logger *slog.Logger) domain.DestinationRepository {
	return &etcdDestinationRepository{
		client: client,
		logger: logger.With("component", "destination-repo"),
		tracer: otel.Tracer("cdc-dispatch-etcd-repo"),
	}
}

// Save persists the destination to etcd.
func (r *etcdDestinationRepository) Save(ctx context.Context, dest *domain.Destination) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Save")
	defer span.End()

	destJSON, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("failed to marshal destination to JSON: %w", err)
	}

	key := path.Join(DestinationSaveDir, dest.Name)
	span.SetAttributes(
		attribute.String("destination.name", dest.Name),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(destJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put destination to etcd")
		return fmt.Errorf("failed to save destination %s to etcd: %w", dest.Name, err)
	}
	return nil
}

// Delete removes a destination from etcd.
func (r *etcdDestinationRepository) Delete(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	resp, err := r.client.Delete(ctx, path.Join(DestinationSaveDir, name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete destination from etcd")
		return fmt.Errorf("failed to delete destination %s from etcd: %w", name, err)
	}
	if resp.Deleted == 0 {
		return domain.ErrDestinationNotFound
	}
	return nil
}

// Get retrieves a destination from etcd.
func (r *etcdDestinationRepository) Get(ctx context.Context, name string) (*domain.Destination, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	resp, err := r.client.Get(ctx, path.Join(DestinationSaveDir, name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get destination from etcd")
		return nil, fmt.Errorf("failed to get destination %s from etcd: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrDestinationNotFound
	}

	var dest domain.Destination
	if err := json.Unmarshal(resp.Kvs[0].Value, &dest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal destination %s from JSON: %w", name, err)
	}
	return &dest, nil
}

// List retrieves all destinations from etcd.
func (r *etcdDestinationRepository) List(ctx context.Context) ([]*domain.Destination, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.List")
	defer span.End()

	resp, err := r.client.Get(ctx, DestinationSaveDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list destinations from etcd")
		return nil, fmt.Errorf("failed to list destinations from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	dests := make([]*domain.Destination, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var dest domain.Destination
		if err := json.Unmarshal(kv.Value, &dest); err != nil {
			r.logger.Warn("failed to unmarshal destination from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		dests = append(dests, &dest)
	}
	return dests, nil
}

// Watch streams puts and deletes under the destination prefix until ctx is done.
func (r *etcdDestinationRepository) Watch(ctx context.Context) <-chan domain.DestinationEvent {
	out := make(chan domain.DestinationEvent)
	go func() {
		defer close(out)
		r.logger.Info("starting to watch destinations")

		for watchResp := range r.client.Watch(ctx, DestinationSaveDir, clientv3.WithPrefix()) {
			if err := watchResp.Err(); err != nil {
				r.logger.Error("destination watch failed", "error", err)
				continue
			}
			for _, event := range watchResp.Events {
				ev, ok := r.toEvent(event)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		r.logger.Info("stopped watching destinations")
	}()
	return out
}

func (r *etcdDestinationRepository) toEvent(event *clientv3.Event) (domain.DestinationEvent, bool) {
	name := strings.TrimPrefix(string(event.Kv.Key), DestinationSaveDir)
	switch event.Type {
	case clientv3.EventTypePut:
		var dest domain.Destination
		if err := json.Unmarshal(event.Kv.Value, &dest); err != nil {
			r.logger.Warn("ignoring malformed destination", "key", string(event.Kv.Key), "error", err)
			return domain.DestinationEvent{}, false
		}
		return domain.DestinationEvent{Type: domain.DestinationPut, Name: name, Destination: &dest}, true
	case clientv3.EventTypeDelete:
		return domain.DestinationEvent{Type: domain.DestinationDelete, Name: name}, true
	}
	return domain.DestinationEvent{}, false
}
