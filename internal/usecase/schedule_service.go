package usecase

import (
	"context"
	"log/slog"
	"time"

	"fleetdiag/internal/domain"
	"fleetdiag/internal/scheduler"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScheduleService manages recurring runs: persistence plus registration with
// the cron scheduler.
type ScheduleService struct {
	repo      domain.ScheduleRepository
	scheduler *scheduler.CronScheduler
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewScheduleService creates a ScheduleService.
func NewScheduleService(repo domain.ScheduleRepository, sched *scheduler.CronScheduler, logger *slog.Logger) *ScheduleService {
	return &ScheduleService{
		repo:      repo,
		scheduler: sched,
		logger:    logger.With("component", "schedule-service"),
		tracer:    otel.Tracer("fleetdiag-usecase"),
	}
}

// Save validates and persists a schedule and registers it with the cron
// scheduler.
func (s *ScheduleService) Save(ctx context.Context, schedule *domain.Schedule) error {
	ctx, span := s.tracer.Start(ctx, "service.SaveSchedule")
	defer span.End()

	if err := schedule.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	now := time.Now()
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	span.SetAttributes(attribute.String("schedule.id", schedule.ID))

	if err := s.repo.Save(ctx, schedule); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save schedule to repository")
		return err
	}
	if err := s.scheduler.AddSchedule(schedule); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register schedule with cron")
		return err
	}
	return nil
}

// Delete unregisters and removes a schedule.
func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteSchedule")
	defer span.End()
	span.SetAttributes(attribute.String("schedule.id", id))

	s.scheduler.RemoveSchedule(id)
	if err := s.repo.Delete(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete schedule from repository")
		return err
	}
	return nil
}

// List returns all schedules.
func (s *ScheduleService) List(ctx context.Context) ([]*domain.Schedule, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListSchedules")
	defer span.End()

	schedules, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list schedules from repository")
	}
	return schedules, err
}

// LoadAll re-registers every persisted schedule with the cron scheduler,
// called once at startup.
func (s *ScheduleService) LoadAll(ctx context.Context) error {
	schedules, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, schedule := range schedules {
		if err := s.scheduler.AddSchedule(schedule); err != nil {
			s.logger.Error("failed to restore schedule", "schedule_id", schedule.ID, "error", err)
			continue
		}
	}
	s.logger.Info("schedules restored", "count", len(schedules))
	return nil
}
