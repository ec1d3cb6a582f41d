package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of an automation job.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusStopped   JobStatus = "stopped"
)

// Terminal reports whether the status is final. A terminal job is never
// mutated again, only read.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// Job represents one automation run: an ordered device list, an ordered
// command sequence, and the batching/rate-limit parameters that shape its
// execution.
type Job struct {
	ID             string     `json:"id"`
	DeviceIDs      []string   `json:"device_ids"`
	Commands       []string   `json:"commands"`
	BatchSize      int        `json:"batch_size"`       // 0 means one batch containing all devices
	DevicesPerHour int        `json:"devices_per_hour"` // 0 means no throttling
	Status         JobStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Validate checks the job-creation preconditions. A job failing any of these
// is rejected before any worker starts.
func (j *Job) Validate() error {
	if len(j.DeviceIDs) == 0 {
		return ErrNoDevices
	}
	seen := make(map[string]struct{}, len(j.DeviceIDs))
	for _, id := range j.DeviceIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
		}
		seen[id] = struct{}{}
	}
	if len(j.Commands) == 0 {
		return ErrNoCommands
	}
	if j.BatchSize < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeBatchSize, j.BatchSize)
	}
	if j.DevicesPerHour < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeRate, j.DevicesPerHour)
	}
	return nil
}

// EffectiveBatchSize normalizes a zero batch size to "all devices at once".
func (j *Job) EffectiveBatchSize() int {
	if j.BatchSize <= 0 {
		return len(j.DeviceIDs)
	}
	return j.BatchSize
}

// TotalBatches returns ceil(len(DeviceIDs) / EffectiveBatchSize()).
func (j *Job) TotalBatches() int {
	size := j.EffectiveBatchSize()
	if size == 0 {
		return 0
	}
	return (len(j.DeviceIDs) + size - 1) / size
}
