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

const ResultDir = "/fleetdiag/results/"

type etcdResultSink struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdResultSink creates a durable result sink backed by etcd. A device's
// terminal record lives as JSON under /fleetdiag/results/{jobID}/{deviceID}.
func NewEtcdResultSink(client *clientv3.Client, logger *slog.Logger) domain.ResultSink {
	return &etcdResultSink{
		client: client,
		logger: logger,
		tracer: otel.Tracer("fleetdiag-etcd-results"),
	}
}

// Persist stores one device's terminal result.
func (r *etcdResultSink) Persist(ctx context.Context, result *domain.DeviceResult) error {
	ctx, span := r.tracer.Start(ctx, "sink.etcd.Persist")
	defer span.End()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal device result")
		return fmt.Errorf("failed to marshal result for device %s to JSON: %w", result.DeviceID, err)
	}

	key := path.Join(ResultDir, result.JobID, result.DeviceID)
	span.SetAttributes(
		attribute.String("job.id", result.JobID),
		attribute.String("device.id", result.DeviceID),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(resultJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put device result to etcd")
		return fmt.Errorf("failed to save result for device %s to etcd: %w", result.DeviceID, err)
	}
	return nil
}

// ListByJob retrieves persisted device results for a job, with pagination.
func (r *etcdResultSink) ListByJob(ctx context.Context, jobID string, page, pageSize int) ([]*domain.DeviceResult, error) {
	ctx, span := r.tracer.Start(ctx, "sink.etcd.ListByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	prefix := path.Join(ResultDir, jobID) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list device results from etcd")
		return nil, fmt.Errorf("failed to list results for job %s from etcd: %w", jobID, err)
	}

	results := make([]*domain.DeviceResult, 0, len(resp.Kvs))
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize
	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}
		var result domain.DeviceResult
		if err := json.Unmarshal(kv.Value, &result); err != nil {
			r.logger.Warn("failed to unmarshal device result from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		results = append(results, &result)
	}
	span.SetAttributes(attribute.Int("results_returned", len(results)))
	return results, nil
}
