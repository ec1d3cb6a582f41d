package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"fleetdiag/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ScheduleDir = "/fleetdiag/schedules/"

type etcdScheduleRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdScheduleRepository creates a schedule repository backed by etcd, so
// recurring runs survive a restart.
func NewEtcdScheduleRepository(client *clientv3.Client, logger *slog.Logger) domain.ScheduleRepository {
	return &etcdScheduleRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("fleetdiag-etcd-schedules"),
	}
}

// Save persists a schedule definition.
func (r *etcdScheduleRepository) Save(ctx context.Context, schedule *domain.Schedule) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveSchedule")
	defer span.End()

	scheduleJSON, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule to JSON: %w", err)
	}

	key := path.Join(ScheduleDir, schedule.ID)
	span.SetAttributes(
		attribute.String("schedule.id", schedule.ID),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(scheduleJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put schedule to etcd")
		return fmt.Errorf("failed to save schedule %s to etcd: %w", schedule.ID, err)
	}
	return nil
}

// Delete removes a schedule.
func (r *etcdScheduleRepository) Delete(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteSchedule")
	defer span.End()
	span.SetAttributes(attribute.String("schedule.id", id))

	key := path.Join(ScheduleDir, id)
	if _, err := r.client.Delete(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete schedule from etcd")
		return fmt.Errorf("failed to delete schedule %s from etcd: %w", id, err)
	}
	return nil
}

// Get retrieves one schedule.
func (r *etcdScheduleRepository) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetSchedule")
	defer span.End()
	span.SetAttributes(attribute.String("schedule.id", id))

	key := path.Join(ScheduleDir, id)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get schedule from etcd")
		return nil, fmt.Errorf("failed to get schedule %s from etcd: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrScheduleNotFound
	}

	var schedule domain.Schedule
	if err := json.Unmarshal(resp.Kvs[0].Value, &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule %s from JSON: %w", id, err)
	}
	return &schedule, nil
}

// List retrieves all schedules.
func (r *etcdScheduleRepository) List(ctx context.Context) ([]*domain.Schedule, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListSchedules")
	defer span.End()

	resp, err := r.client.Get(ctx, ScheduleDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list schedules from etcd")
		return nil, fmt.Errorf("failed to list schedules from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	schedules := make([]*domain.Schedule, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var schedule domain.Schedule
		if err := json.Unmarshal(kv.Value, &schedule); err != nil {
			r.logger.Warn("failed to unmarshal schedule from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		schedules = append(schedules, &schedule)
	}
	return schedules, nil
}
