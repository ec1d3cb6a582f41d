// Package runner drives a job to completion: the controller sequences
// batches and applies the rate limit, the pool fans each batch's devices out
// to workers.
package runner

import (
	"context"
	"log/slog"
	"time"

	"fleetdiag/internal/batch"
	"fleetdiag/internal/domain"
	"fleetdiag/internal/metrics"
	"fleetdiag/internal/state"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Controller orchestrates one job: batch sequencing, inter-batch delay,
// cancellation checks at batch boundaries, and job finalization. Batches
// execute strictly sequentially; batch k fully resolves before batch k+1
// starts, so the batch size is a hard ceiling on live sessions.
type Controller struct {
	store  *state.Store
	pool   *Pool
	driver domain.SessionDriver
	logger *slog.Logger
	tracer trace.Tracer
}

// NewController creates a job controller.
func NewController(store *state.Store, pool *Pool, driver domain.SessionDriver, logger *slog.Logger) *Controller {
	return &Controller{
		store:  store,
		pool:   pool,
		driver: driver,
		logger: logger.With("component", "controller"),
		tracer: otel.Tracer("fleetdiag-runner"),
	}
}

// Run executes the job to a terminal status. devices must hold the resolved
// inventory record for every device in the job.
func (c *Controller) Run(ctx context.Context, job *domain.Job, devices map[string]*domain.Device) {
	ctx, span := c.tracer.Start(ctx, "controller.Run",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.Int("job.devices", len(job.DeviceIDs)),
			attribute.Int("job.batch_size", job.EffectiveBatchSize()),
		))
	defer span.End()

	logger := c.logger.With("job_id", job.ID)

	if err := c.store.SetStatus(job.ID, domain.JobStatusRunning); err != nil {
		logger.Error("failed to mark job running", "error", err)
		return
	}

	// The tunnel is verified once per job. If it never comes up, every
	// device routed through it fails with the shared cause instead of
	// each device timing out on its own, and the job-level precondition
	// is unmet.
	if err := c.driver.CheckProxy(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "proxy tunnel unreachable")
		logger.Error("proxy tunnel unreachable, failing all devices", "error", err)
		for _, deviceID := range job.DeviceIDs {
			c.pool.FailDeviceAndPersist(ctx, job.ID, deviceID, domain.ErrProxyUnreachable)
		}
		c.finalize(job.ID, domain.JobStatusFailed, logger)
		return
	}

	batches := batch.Split(job.DeviceIDs, job.EffectiveBatchSize())
	for i, deviceBatch := range batches {
		if i > 0 && c.store.StopRequested(job.ID) {
			logger.Info("stop requested, skipping remaining batches", "completed_batches", i, "total_batches", len(batches))
			c.finalize(job.ID, domain.JobStatusStopped, logger)
			return
		}
		if ctx.Err() != nil {
			logger.Warn("context cancelled, stopping job", "completed_batches", i)
			c.finalize(job.ID, domain.JobStatusStopped, logger)
			return
		}

		logger.Info("starting batch", "batch", i+1, "total_batches", len(batches), "devices", len(deviceBatch))
		started := time.Now()
		c.pool.RunBatch(ctx, job, deviceBatch, devices)
		elapsed := time.Since(started)

		if i < len(batches)-1 {
			delay := batch.InterBatchDelay(len(deviceBatch), job.DevicesPerHour, elapsed)
			if delay > 0 {
				logger.Info("rate limit sleep", "delay", delay, "batch_elapsed", elapsed)
				c.sleep(ctx, job.ID, delay)
			}
		}
	}

	if c.store.StopRequested(job.ID) {
		c.finalize(job.ID, domain.JobStatusStopped, logger)
		return
	}
	c.finalize(job.ID, domain.JobStatusCompleted, logger)
}

// sleep blocks for the inter-batch delay but wakes early on a stop request
// or context cancellation; the boundary check decides what happens next.
func (c *Controller) sleep(ctx context.Context, jobID string, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.store.StopChan(jobID):
	case <-ctx.Done():
	}
}

func (c *Controller) finalize(jobID string, status domain.JobStatus, logger *slog.Logger) {
	if err := c.store.SetStatus(jobID, status); err != nil {
		logger.Error("failed to finalize job", "status", status, "error", err)
		return
	}
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	logger.Info("job finished", "status", status)
}
