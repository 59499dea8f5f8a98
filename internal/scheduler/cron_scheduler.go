// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cdc-dispatch/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// taskTimeout bounds a single run of a task.
const taskTimeout = time.Minute

// cronScheduler runs the periodic maintenance tasks of a node.
type cronScheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	tasks  map[string]cron.EntryID
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCronScheduler creates a scheduler whose specs carry a seconds field.
// Overlapping runs of the same task are skipped.
func NewCronScheduler(logger *slog.Logger) domain.Schedular {
	logger = logger.With("component", "cron-scheduler")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &cronScheduler{
		cron:   c,
		tasks:  make(map[string]cron.EntryID),
		logger: logger,
		tracer: otel.Tracer("cdc-dispatch-scheduler"),
	}
}

// Start runs the scheduler until ctx is done, then waits for running tasks.
func (s *cronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddTask adds or replaces a task.
func (s *cronScheduler) AddTask(task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Run == nil {
		return fmt.Errorf("task %s has nothing to run", task.Name)
	}
	if entryID, ok := s.tasks[task.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronTaskWrapper{
		task:   task,
		logger: s.logger.With("task", task.Name),
		tracer: s.tracer,
	}
	entryID, err := s.cron.AddJob(task.Spec, wrapper)
	if err != nil {
		s.logger.Error("failed to add task to cron", "task", task.Name, "error", err)
		return fmt.Errorf("invalid schedule %q for task %s: %w", task.Spec, task.Name, err)
	}

	s.tasks[task.Name] = entryID
	s.logger.Info("added task to scheduler", "task", task.Name, "schedule", task.Spec)
	return nil
}

// RemoveTask removes a task; unknown names are ignored.
func (s *cronScheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
	return nil
}

// cronTaskWrapper adapts a task to cron.Job.
type cronTaskWrapper struct {
	task   domain.Task
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	// Start a new trace for this background run.
	ctx, span := w.tracer.Start(ctx, "scheduler.Run",
		trace.WithAttributes(attribute.String("task.name", w.task.Name)))
	defer span.End()

	w.logger.Debug("running task")
	if err := w.task.Run(ctx); err != nil {
		w.logger.Error("task failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
	}
}
