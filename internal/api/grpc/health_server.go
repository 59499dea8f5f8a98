// internal/api/grpc/health_server.go
package grpc

import (
	"context"
	"log/slog"
	"sync"

	"cdc-dispatch/internal/domain"

	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DestinationServicePrefix prefixes the health service name of each destination.
const DestinationServicePrefix = "cdc.destination/"

// DestinationLister lists the destinations known to the node.
type DestinationLister interface {
	List(ctx context.Context) ([]*domain.Destination, error)
}

// HealthReporter publishes the engine state and the worker state of every
// destination through the standard gRPC health service.
type HealthReporter struct {
	health *health.Server
	engine domain.Dispatcher
	dests  DestinationLister
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	reported map[string]bool
}

// NewHealthReporter creates a reporter. Everything reports NOT_SERVING until
// the first Report.
func NewHealthReporter(engine domain.Dispatcher, dests DestinationLister, logger *slog.Logger) *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{
		health:   hs,
		engine:   engine,
		dests:    dests,
		logger:   logger.With("component", "health-reporter"),
		tracer:   otel.Tracer("cdc-dispatch-grpc"),
		reported: make(map[string]bool),
	}
}

// Report refreshes every status. It runs as a scheduled task.
func (r *HealthReporter) Report(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "health.Report")
	defer span.End()

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if r.engine.Running() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus("", overall)

	dests, err := r.dests.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list destinations")
		return err
	}

	running := make(map[string]bool)
	for _, name := range r.engine.Destinations() {
		running[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(dests))
	for _, d := range dests {
		seen[d.Name] = true
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if running[d.Name] {
			status = healthpb.HealthCheckResponse_SERVING
		}
		r.health.SetServingStatus(DestinationServicePrefix+d.Name, status)
	}
	for name := range r.reported {
		if !seen[name] {
			// removed destinations stay NOT_SERVING for watchers
			r.health.SetServingStatus(DestinationServicePrefix+name, healthpb.HealthCheckResponse_NOT_SERVING)
			r.logger.Info("destination no longer reported", "destination", name)
		}
	}
	r.reported = seen

	span.SetAttributes(attribute.Int("destination.count", len(dests)), attribute.Int("destination.running", len(running)))
	return nil
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *HealthReporter) Shutdown() {
	r.health.Shutdown()
}

// NewServer creates a gRPC server serving the health service of reporter.
func NewServer(reporter *HealthReporter) *gogrpc.Server {
	s := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s, reporter.health)
	return s
}
