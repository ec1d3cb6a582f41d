package domain

import (
	"context"
	"fmt"
	"time"
)

// Schedule is a recurring diagnostic run: the job template is re-submitted
// every time the cron expression fires.
type Schedule struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CronExpr       string    `json:"cron_expr"`
	DeviceIDs      []string  `json:"device_ids"`
	Commands       []string  `json:"commands"`
	BatchSize      int       `json:"batch_size"`
	DevicesPerHour int       `json:"devices_per_hour"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the schedule definition.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name cannot be empty")
	}
	if s.CronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	job := s.JobTemplate()
	return job.Validate()
}

// JobTemplate builds a fresh Job from the schedule's template fields. The
// job gets its own ID at submission time.
func (s *Schedule) JobTemplate() *Job {
	deviceIDs := make([]string, len(s.DeviceIDs))
	copy(deviceIDs, s.DeviceIDs)
	commands := make([]string, len(s.Commands))
	copy(commands, s.Commands)
	return &Job{
		DeviceIDs:      deviceIDs,
		Commands:       commands,
		BatchSize:      s.BatchSize,
		DevicesPerHour: s.DevicesPerHour,
	}
}

// ScheduleRepository persists schedule definitions.
type ScheduleRepository interface {
	Save(ctx context.Context, schedule *Schedule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Schedule, error)
	List(ctx context.Context) ([]*Schedule, error)
}

// JobSubmitter accepts a job for execution. The scheduler depends on this
// interface rather than on the job service directly.
type JobSubmitter interface {
	Submit(ctx context.Context, job *Job) (*Job, error)
}
