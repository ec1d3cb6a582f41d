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

const DeviceDir = "/fleetdiag/devices/"

type EtcdInventory struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdInventory creates a device inventory backed by etcd. Device records
// live as JSON under /fleetdiag/devices/{id}.
func NewEtcdInventory(client *clientv3.Client, logger *slog.Logger) *EtcdInventory {
	return &EtcdInventory{
		client: client,
		logger: logger,
		tracer: otel.Tracer("fleetdiag-etcd-inventory"),
	}
}

// Get retrieves one device record by ID.
func (r *EtcdInventory) Get(ctx context.Context, id string) (*domain.Device, error) {
	ctx, span := r.tracer.Start(ctx, "inventory.etcd.Get")
	defer span.End()

	key := path.Join(DeviceDir, id)
	span.SetAttributes(
		attribute.String("device.id", id),
		attribute.String("etcd.key", key),
	)

	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get device from etcd")
		return nil, fmt.Errorf("failed to get device %s from etcd: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}

	var device domain.Device
	if err := json.Unmarshal(resp.Kvs[0].Value, &device); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal device %s from JSON: %w", id, err)
	}
	return &device, nil
}

// Put stores a device record. Used by seeding tooling, not by the job
// engine itself.
func (r *EtcdInventory) Put(ctx context.Context, device *domain.Device) error {
	ctx, span := r.tracer.Start(ctx, "inventory.etcd.Put")
	defer span.End()

	deviceJSON, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device %s to JSON: %w", device.ID, err)
	}

	key := path.Join(DeviceDir, device.ID)
	span.SetAttributes(attribute.String("etcd.key", key))

	if _, err := r.client.Put(ctx, key, string(deviceJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put device to etcd")
		return fmt.Errorf("failed to save device %s to etcd: %w", device.ID, err)
	}
	return nil
}
