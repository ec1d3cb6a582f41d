package domain

import (
	"context"
	"time"
)

// DeviceResult is the durable record for one device that reached a terminal
// state: the ordered command/output list plus the provenance tag.
type DeviceResult struct {
	JobID       string          `json:"job_id"`
	DeviceID    string          `json:"device_id"`
	Region      string          `json:"region"`
	Status      DeviceStatus    `json:"status"`
	Provenance  Provenance      `json:"provenance,omitempty"`
	Commands    []CommandResult `json:"commands"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ResultSink durably stores per-device results. It is invoked once per
// device, when the device reaches a terminal state.
type ResultSink interface {
	Persist(ctx context.Context, result *DeviceResult) error
	// ListByJob retrieves persisted results for a job, with pagination.
	ListByJob(ctx context.Context, jobID string, page, pageSize int) ([]*DeviceResult, error)
}
