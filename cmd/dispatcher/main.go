// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	grpc_api "cdc-dispatch/internal/api/grpc"
	http_api "cdc-dispatch/internal/api/http"
	"cdc-dispatch/internal/config"
	"cdc-dispatch/internal/dispatch"
	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/infra/etcd"
	"cdc-dispatch/internal/infra/kafka"
	"cdc-dispatch/internal/infra/memory"
	"cdc-dispatch/internal/infra/rabbitmq"
	"cdc-dispatch/internal/ratelimit"
	"cdc-dispatch/internal/scheduler"
	memsource "cdc-dispatch/internal/source/memory"
	"cdc-dispatch/internal/tracing"
	"cdc-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	logger = logger.With("node_id", nodeID)
	logger.Info("starting cdc dispatch node", "producer", cfg.Producer.Type)

	tracerShutdown, err := tracing.InitTracer(cfg.Tracing, "cdc-dispatch", nodeID, os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. Destination store, ownership locks and node registry
	opts := []dispatch.Option{
		dispatch.WithNodeID(nodeID),
		dispatch.WithThrottle(cfg.Throttle),
		dispatch.WithTiming(dispatch.Timing{Idle: cfg.Engine.IdleSleep, Unavailable: cfg.Engine.UnavailableSleep}),
		dispatch.WithDrainTimeout(cfg.Engine.DrainTimeout),
		dispatch.WithSamplerFactory(func(endpoint string) ratelimit.Sampler {
			return ratelimit.NewPromSampler(endpoint, logger)
		}),
	}

	var (
		repo  domain.DestinationRepository
		nodes domain.NodeRegistry
	)
	if cfg.Etcd.Enabled() {
		connectCtx, connectCancel := context.WithTimeout(rootCtx, cfg.Etcd.DialTimeout)
		etcdClient, err := etcd.NewClient(connectCtx, cfg.Etcd)
		connectCancel()
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)

		repo = etcd.NewEtcdDestinationRepository(etcdClient, logger)
		nodes = etcd.NewEtcdNodeRegistry(etcdClient, logger)
		opts = append(opts, dispatch.WithLocker(etcd.NewEtcdLocker(etcdClient, nodeID, logger)))
	} else {
		logger.Info("etcd not configured, destinations are kept in memory")
		repo = memory.NewDestinationRepository()
	}

	// 6. Instantiate components
	source := memsource.NewSource(logger)
	producer, err := newProducer(cfg.Producer, logger)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	controller := dispatch.NewController(source, producer, logger, opts...)
	destinationService := usecase.NewDestinationService(repo, source, controller, cfg.Destinations, logger)
	healthReporter := grpc_api.NewHealthReporter(controller, destinationService, logger)

	// 7. Start the engine with the static destinations, then catch up with the store
	destinationService.HostStatic()
	if err := controller.Start(rootCtx, cfg.Engine.MQProperties, activeDestinations(cfg)); err != nil {
		log.Fatalf("Failed to start dispatch engine: %v", err)
	}
	if err := destinationService.Sync(rootCtx); err != nil {
		logger.Error("initial destination sync failed", "error", err)
	}
	go destinationService.Watch(rootCtx)

	// 8. Periodic resync and health reporting
	cronScheduler := scheduler.NewCronScheduler(logger)
	if err := cronScheduler.AddTask(domain.Task{Name: "resync", Spec: cfg.Schedule.Resync, Run: destinationService.Sync}); err != nil {
		log.Fatalf("Failed to schedule resync: %v", err)
	}
	if err := cronScheduler.AddTask(domain.Task{Name: "health", Spec: cfg.Schedule.Health, Run: healthReporter.Report}); err != nil {
		log.Fatalf("Failed to schedule health reporting: %v", err)
	}
	if err := healthReporter.Report(rootCtx); err != nil {
		logger.Warn("initial health report failed", "error", err)
	}
	go func() {
		if err := cronScheduler.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped with error", "error", err)
		}
	}()

	// 9. Register this node
	if nodes != nil {
		regCtx, regCancel := context.WithTimeout(rootCtx, 5*time.Second)
		err := nodes.Register(regCtx, domain.Node{
			ID:        nodeID,
			HTTPAddr:  cfg.HTTP.ListenAddr,
			GRPCAddr:  cfg.GRPC.ListenAddr,
			StartedAt: time.Now(),
		}, cfg.NodeTTL)
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register node: %v", err)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := nodes.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister node", "error", err)
			}
		}()
	}

	// 10. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewDestinationHandler(destinationService, nodes, logger).WithPublisher(source).RegisterRoutes(mux)

	var server *http.Server
	if cfg.HTTP.ListenAddr != "" {
		server = &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux}
		go func() {
			logger.Info("starting HTTP API server", "addr", cfg.HTTP.ListenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}

	// 11. Start the gRPC health server
	grpcServer := grpc_api.NewServer(healthReporter)
	if cfg.GRPC.ListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.GRPC.ListenAddr, err)
		}
		go func() {
			logger.Info("starting gRPC health server", "addr", cfg.GRPC.ListenAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server stopped", "error", err)
			}
		}()
	}

	// 12. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down gracefully")

	healthReporter.Shutdown()
	if server != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(httpCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		httpCancel()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout)
	defer drainCancel()
	if err := controller.Shutdown(drainCtx); err != nil {
		logger.Error("dispatch engine shutdown incomplete", "error", err)
	}
	grpcServer.GracefulStop()

	logger.Info("node shut down")
}

// activeDestinations is the configured engine list, or every static
// destination when the list is empty.
func activeDestinations(cfg *config.Config) string {
	if cfg.Engine.Destinations != "" {
		return cfg.Engine.Destinations
	}
	names := make([]string, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		names = append(names, d.Name)
	}
	return strings.Join(names, ",")
}

func newProducer(cfg config.ProducerConfig, logger *slog.Logger) (domain.Producer, error) {
	switch cfg.Type {
	case "kafka":
		return kafka.NewProducer(cfg.Kafka, logger), nil
	case "rabbitmq":
		return rabbitmq.NewProducer(cfg.RabbitMQ, logger), nil
	default:
		return nil, errors.New("unknown producer type: " + cfg.Type)
	}
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
