// internal/infra/memory/memory_destination_repository.go
package memory

import (
	"context"
	"sort"
	"sync"

	"cdc-dispatch/internal/domain"
)

// destinationRepository keeps destination definitions in process, for single
// node deployments without etcd.
type destinationRepository struct {
	mu       sync.RWMutex
	dests    map[string]domain.Destination
	watchers map[chan domain.DestinationEvent]struct{}
}

// NewDestinationRepository returns an empty repository.
func NewDestinationRepository() domain.DestinationRepository {
	return &destinationRepository{
		dests:    make(map[string]domain.Destination),
		watchers: make(map[chan domain.DestinationEvent]struct{}),
	}
}

func (r *destinationRepository) Save(_ context.Context, dest *domain.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests[dest.Name] = *dest
	cp := *dest
	r.publishLocked(domain.DestinationEvent{Type: domain.DestinationPut, Name: dest.Name, Destination: &cp})
	return nil
}

func (r *destinationRepository) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dests[name]; !ok {
		return domain.ErrDestinationNotFound
	}
	delete(r.dests, name)
	r.publishLocked(domain.DestinationEvent{Type: domain.DestinationDelete, Name: name})
	return nil
}

func (r *destinationRepository) Get(_ context.Context, name string) (*domain.Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dest, ok := r.dests[name]
	if !ok {
		return nil, domain.ErrDestinationNotFound
	}
	return &dest, nil
}

func (r *destinationRepository) List(_ context.Context) ([]*domain.Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Destination, 0, len(r.dests))
	for _, d := range r.dests {
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Watch delivers changes made after the call. Events are dropped for a
// watcher that falls more than its buffer behind.
func (r *destinationRepository) Watch(ctx context.Context) <-chan domain.DestinationEvent {
	ch := make(chan domain.DestinationEvent, 64)
	r.mu.Lock()
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *destinationRepository) publishLocked(ev domain.DestinationEvent) {
	for ch := range r.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}
