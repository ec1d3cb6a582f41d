// Package scheduler triggers recurring diagnostic runs: each schedule's job
// template is re-submitted whenever its cron expression fires.
package scheduler

import (
	"context"
	"log/slog"

	"fleetdiag/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CronScheduler maps schedule IDs to cron entries. Its only responsibility
// is to fire at the right time; submission goes through the JobSubmitter.
type CronScheduler struct {
	cron      *cron.Cron
	submitter domain.JobSubmitter
	entries   map[string]cron.EntryID
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCronScheduler creates a scheduler that submits jobs through submitter.
func NewCronScheduler(submitter domain.JobSubmitter, logger *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron:      cron.New(cron.WithSeconds()),
		submitter: submitter,
		entries:   make(map[string]cron.EntryID),
		logger:    logger.With("component", "cron-scheduler"),
		tracer:    otel.Tracer("fleetdiag-scheduler"),
	}
}

// Start runs the scheduler until ctx is cancelled.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddSchedule registers or replaces a recurring run.
func (s *CronScheduler) AddSchedule(schedule *domain.Schedule) error {
	if entryID, ok := s.entries[schedule.ID]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &scheduleWrapper{
		schedule:  schedule,
		submitter: s.submitter,
		logger:    s.logger.With("schedule_id", schedule.ID, "schedule_name", schedule.Name),
		tracer:    s.tracer,
	}

	entryID, err := s.cron.AddJob(schedule.CronExpr, wrapper)
	if err != nil {
		s.logger.Error("failed to add schedule to cron", "schedule_id", schedule.ID, "error", err)
		return err
	}

	s.entries[schedule.ID] = entryID
	s.logger.Info("schedule registered", "schedule_id", schedule.ID, "cron_expr", schedule.CronExpr)
	return nil
}

// RemoveSchedule unregisters a recurring run.
func (s *CronScheduler) RemoveSchedule(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
		s.logger.Info("schedule removed", "schedule_id", id)
	}
}

// scheduleWrapper is the cron.Job that fires one schedule.
type scheduleWrapper struct {
	schedule  *domain.Schedule
	submitter domain.JobSubmitter
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Run builds a fresh job from the template and submits it.
func (w *scheduleWrapper) Run() {
	ctx, span := w.tracer.Start(context.Background(), "scheduler.Fire",
		trace.WithAttributes(
			attribute.String("schedule.id", w.schedule.ID),
			attribute.String("schedule.name", w.schedule.Name),
		))
	defer span.End()

	w.logger.Info("schedule fired, submitting job")
	job, err := w.submitter.Submit(ctx, w.schedule.JobTemplate())
	if err != nil {
		w.logger.Error("failed to submit scheduled job", "error", err)
		span.RecordError(err)
		return
	}
	w.logger.Info("scheduled job submitted", "job_id", job.ID)
}
