package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/floraexport/cartera/internal/jobs"
)

type fakeCleaner struct {
	retentions []time.Duration
	removed    int64
	err        error
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.retentions = append(f.retentions, olderThan)
	return f.removed, f.err
}

func TestIdempotencyCleanupUsesPayloadRetention(t *testing.T) {
	cleaner := &fakeCleaner{removed: 4}
	job := NewIdempotencyCleanupJob(cleaner, 24*time.Hour, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(2 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, []time.Duration{2 * time.Hour, 24 * time.Hour}, cleaner.retentions)
}

func TestIdempotencyCleanupFallsBackToDefaultRetention(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, 0, quietLogger(), nil)
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, []time.Duration{defaultIdempotencyRetention}, cleaner.retentions)
}

func TestIdempotencyCleanupPropagatesStoreError(t *testing.T) {
	boom := errors.New("db gone")
	job := NewIdempotencyCleanupJob(&fakeCleaner{err: boom}, time.Hour, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)), boom)

	var unset *IdempotencyCleanupJob
	require.Error(t, unset.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
}
