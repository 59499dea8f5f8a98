package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"cdc-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrStaticDestination is returned when changing a destination defined in the
// node's configuration file.
var ErrStaticDestination = errors.New("destination is defined in the static configuration")

// DestinationService keeps the hosted instances and the dispatch engine in
// line with the stored destination definitions.
type DestinationService struct {
	repo   domain.DestinationRepository
	host   domain.InstanceHost
	engine domain.Dispatcher
	static map[string]domain.Destination
	logger *slog.Logger
	tracer trace.Tracer

	// mu serializes changes to hosted and paused.
	mu     sync.Mutex
	hosted map[string]domain.MQConfig
	paused map[string]bool
}

// NewDestinationService creates a service. static destinations come from the
// configuration file and cannot be changed through the service.
func NewDestinationService(repo domain.DestinationRepository, host domain.InstanceHost, engine domain.Dispatcher, static []domain.Destination, logger *slog.Logger) *DestinationService {
	s := &DestinationService{
		repo:   repo,
		host:   host,
		engine: engine,
		static: make(map[string]domain.Destination, len(static)),
		logger: logger.With("component", "destination-service"),
		tracer: otel.Tracer("cdc-dispatch-usecase"),
		hosted: make(map[string]domain.MQConfig),
		paused: make(map[string]bool),
	}
	for _, d := range static {
		s.static[d.Name] = d
	}
	return s
}

// HostStatic hosts every static destination. It runs before the engine starts.
func (s *DestinationService) HostStatic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range s.static {
		s.host.Host(domain.Instance{Destination: name, MQ: d.MQ})
		s.hosted[name] = d.MQ
	}
}

// Save validates and stores a destination, then hosts and (re)starts it.
func (s *DestinationService) Save(ctx context.Context, dest *domain.Destination) error {
	ctx, span := s.tracer.Start(ctx, "service.Save")
	defer span.End()

	if err := dest.Validate(); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("destination.name", dest.Name))
	if _, ok := s.static[dest.Name]; ok {
		return ErrStaticDestination
	}

	if err := s.repo.Save(ctx, dest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save destination to repository")
		return err
	}
	return s.apply(ctx, *dest)
}

// Delete stops and unhosts a destination, then removes it from the store.
func (s *DestinationService) Delete(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "service.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	if _, ok := s.static[name]; ok {
		return ErrStaticDestination
	}
	s.remove(name)

	if err := s.repo.Delete(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete destination from repository")
		return err
	}
	return nil
}

// Get returns a static or stored destination.
func (s *DestinationService) Get(ctx context.Context, name string) (*domain.Destination, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	if d, ok := s.static[name]; ok {
		return &d, nil
	}
	dest, err := s.repo.Get(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get destination from repository")
	}
	return dest, err
}

// List returns static and stored destinations ordered by name.
func (s *DestinationService) List(ctx context.Context) ([]*domain.Destination, error) {
	ctx, span := s.tracer.Start(ctx, "service.List")
	defer span.End()

	stored, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list destinations from repository")
		return nil, err
	}
	out := make([]*domain.Destination, 0, len(stored)+len(s.static))
	for _, d := range s.static {
		d := d
		out = append(out, &d)
	}
	for _, d := range stored {
		if _, ok := s.static[d.Name]; !ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Running reports whether the destination has a registered worker.
func (s *DestinationService) Running(name string) bool {
	for _, d := range s.engine.Destinations() {
		if d == name {
			return true
		}
	}
	return false
}

// Start (re)starts the worker of a hosted destination and clears a pause.
func (s *DestinationService) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	_, hosted := s.hosted[name]
	if hosted {
		delete(s.paused, name)
	}
	s.mu.Unlock()
	if !hosted {
		return domain.ErrDestinationNotFound
	}
	return s.engine.StartDestination(ctx, name)
}

// Stop stops the worker of a destination and keeps it stopped across resyncs
// until Start is called.
func (s *DestinationService) Stop(_ context.Context, name string) error {
	s.mu.Lock()
	_, hosted := s.hosted[name]
	if hosted {
		s.paused[name] = true
	}
	s.mu.Unlock()
	if !hosted {
		return domain.ErrDestinationNotFound
	}
	s.engine.StopDestination(name)
	return nil
}

// Sync applies every stored destination and drops hosted ones that are no
// longer stored.
func (s *DestinationService) Sync(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.Sync")
	defer span.End()

	stored, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list destinations from repository")
		return fmt.Errorf("resync destinations: %w", err)
	}

	keep := make(map[string]bool, len(stored))
	var errs []error
	for _, d := range stored {
		if _, ok := s.static[d.Name]; ok {
			continue
		}
		if err := d.Validate(); err != nil {
			s.logger.Warn("skipping invalid stored destination", "destination", d.Name, "error", err)
			continue
		}
		keep[d.Name] = true
		if err := s.apply(ctx, *d); err != nil {
			errs = append(errs, err)
		}
	}

	for _, name := range s.hostedNames() {
		if _, ok := s.static[name]; !ok && !keep[name] {
			s.remove(name)
		}
	}
	span.SetAttributes(attribute.Int("destination.count", len(keep)))
	return errors.Join(errs...)
}

// Watch applies repository changes until ctx is done.
func (s *DestinationService) Watch(ctx context.Context) {
	for ev := range s.repo.Watch(ctx) {
		if _, ok := s.static[ev.Name]; ok {
			s.logger.Warn("ignoring stored change to a static destination", "destination", ev.Name)
			continue
		}
		switch ev.Type {
		case domain.DestinationPut:
			if err := ev.Destination.Validate(); err != nil {
				s.logger.Warn("ignoring invalid destination", "destination", ev.Name, "error", err)
				continue
			}
			if err := s.apply(ctx, *ev.Destination); err != nil {
				s.logger.Error("failed to apply destination", "destination", ev.Name, "error", err)
			}
		case domain.DestinationDelete:
			s.remove(ev.Name)
		}
	}
}

// apply hosts dest and restarts its worker when its routing changed or it is
// not running. Paused destinations are only hosted.
func (s *DestinationService) apply(ctx context.Context, dest domain.Destination) error {
	s.mu.Lock()
	prev, hosted := s.hosted[dest.Name]
	changed := !hosted || prev != dest.MQ
	if changed {
		s.host.Host(domain.Instance{Destination: dest.Name, MQ: dest.MQ})
		s.hosted[dest.Name] = dest.MQ
	}
	paused := s.paused[dest.Name]
	s.mu.Unlock()

	if paused || !s.engine.Running() {
		return nil
	}
	if !changed && s.Running(dest.Name) {
		return nil
	}
	s.logger.Info("applying destination", "destination", dest.Name, "changed", changed)
	if err := s.engine.StartDestination(ctx, dest.Name); err != nil {
		return fmt.Errorf("start destination %s: %w", dest.Name, err)
	}
	return nil
}

func (s *DestinationService) remove(name string) {
	s.engine.StopDestination(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosted[name]; ok {
		s.host.Unhost(name)
		delete(s.hosted, name)
		delete(s.paused, name)
		s.logger.Info("destination removed", "destination", name)
	}
}

func (s *DestinationService) hostedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.hosted))
	for name := range s.hosted {
		names = append(names, name)
	}
	return names
}
