package usecase

import (
	"context"
	"log/slog"
	"time"

	"fleetdiag/internal/domain"
	"fleetdiag/internal/runner"
	"fleetdiag/internal/state"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobService implements the job-facing business logic: create and launch a
// run, expose progress snapshots, request stops, and list persisted results.
type JobService struct {
	store      *state.Store
	inventory  domain.DeviceInventory
	controller *runner.Controller
	sink       domain.ResultSink
	// runCtx bounds the lifetime of launched controller goroutines to the
	// process, not to the HTTP request that created the job.
	runCtx context.Context
	logger *slog.Logger
	tracer trace.Tracer
}

// NewJobService creates a JobService. runCtx is cancelled on process
// shutdown; in-flight jobs observe it at their next batch boundary.
func NewJobService(runCtx context.Context, store *state.Store, inventory domain.DeviceInventory, controller *runner.Controller, sink domain.ResultSink, logger *slog.Logger) *JobService {
	return &JobService{
		store:      store,
		inventory:  inventory,
		controller: controller,
		sink:       sink,
		runCtx:     runCtx,
		logger:     logger.With("component", "job-service"),
		tracer:     otel.Tracer("fleetdiag-usecase"),
	}
}

// Submit validates the job, resolves every device against the inventory,
// registers the job in the state store, and launches the controller. It
// returns as soon as the run is started; callers poll Snapshot for progress.
func (s *JobService) Submit(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()

	if err := job.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job validation failed")
		return nil, err
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = domain.JobStatusCreated
	job.CreatedAt = time.Now()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.devices", len(job.DeviceIDs)),
		attribute.Int("job.batch_size", job.EffectiveBatchSize()),
	)

	devices := make(map[string]*domain.Device, len(job.DeviceIDs))
	executions := make([]*domain.DeviceExecution, 0, len(job.DeviceIDs))
	for _, id := range job.DeviceIDs {
		device, err := s.inventory.Get(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "device inventory lookup failed")
			return nil, err
		}
		devices[id] = device
		executions = append(executions, domain.NewDeviceExecution(id, device.Region, job.Commands))
	}

	if err := s.store.Create(job, executions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register job")
		return nil, err
	}

	s.logger.Info("job submitted", "job_id", job.ID, "devices", len(devices), "batches", job.TotalBatches())
	go s.controller.Run(s.runCtx, job, devices)

	return job, nil
}

// Snapshot returns the live progress projection for a job.
func (s *JobService) Snapshot(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	_, span := s.tracer.Start(ctx, "service.Snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	snap, err := s.store.Snapshot(jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to snapshot job")
	}
	return snap, err
}

// Stop sets the job's cancellation flag. The flag is consumed at the next
// batch boundary; this call confirms the flag was set, not that the job has
// stopped.
func (s *JobService) Stop(ctx context.Context, jobID string) error {
	_, span := s.tracer.Start(ctx, "service.Stop")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	if err := s.store.RequestStop(jobID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to request stop")
		return err
	}
	s.logger.Info("stop requested", "job_id", jobID)
	return nil
}

// History lists the durably persisted per-device results for a job.
func (s *JobService) History(ctx context.Context, jobID string, page, pageSize int) ([]*domain.DeviceResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.History")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	results, err := s.sink.ListByJob(ctx, jobID, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job results")
	}
	return results, err
}
