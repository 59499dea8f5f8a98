package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"cdc-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCronScheduler_RunsTasks(t *testing.T) {
	s := NewCronScheduler(testLogger)

	var runs atomic.Int32
	require.NoError(t, s.AddTask(domain.Task{Name: "resync", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCronScheduler_ReplaceAndRemove(t *testing.T) {
	s := NewCronScheduler(testLogger).(*cronScheduler)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddTask(domain.Task{Name: "health", Spec: "*/5 * * * * *", Run: noop}))
	require.NoError(t, s.AddTask(domain.Task{Name: "health", Spec: "*/10 * * * * *", Run: noop}))
	assert.Len(t, s.cron.Entries(), 1)

	require.NoError(t, s.RemoveTask("health"))
	require.NoError(t, s.RemoveTask("health"))
	assert.Empty(t, s.cron.Entries())
}

func TestCronScheduler_RejectsBadTasks(t *testing.T) {
	s := NewCronScheduler(testLogger)
	require.Error(t, s.AddTask(domain.Task{Name: "bad", Spec: "not a schedule", Run: func(context.Context) error { return nil }}))
	require.Error(t, s.AddTask(domain.Task{Name: "empty", Spec: "@every 1s"}))
}
