package http

import (
	"time"

	"fleetdiag/internal/domain"
)

// CreateJobRequest is the DTO for starting an automation run.
type CreateJobRequest struct {
	DeviceIDs      []string `json:"device_ids" validate:"required,min=1,unique"`
	Commands       []string `json:"commands" validate:"required,min=1"`
	BatchSize      *int     `json:"batch_size" validate:"omitempty,gte=0"`
	DevicesPerHour int      `json:"devices_per_hour" validate:"gte=0"`
}

// ToDomainJob converts the DTO to a domain.Job, applying the configured
// default batch size when the caller omits one. An explicit 0 means "one
// batch containing all devices" and is preserved.
func (r *CreateJobRequest) ToDomainJob(defaultBatchSize int) *domain.Job {
	batchSize := defaultBatchSize
	if r.BatchSize != nil {
		batchSize = *r.BatchSize
	}
	return &domain.Job{
		DeviceIDs:      r.DeviceIDs,
		Commands:       r.Commands,
		BatchSize:      batchSize,
		DevicesPerHour: r.DevicesPerHour,
	}
}

// CreateJobResponse confirms a started run.
type CreateJobResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	TotalDevices int    `json:"total_devices"`
	BatchSize    int    `json:"batch_size"`
	TotalBatches int    `json:"total_batches"`
}

// StopJobResponse confirms the cancellation flag was set. It says nothing
// about when the job actually stops.
type StopJobResponse struct {
	JobID         string `json:"job_id"`
	StopRequested bool   `json:"stop_requested"`
}

// SaveScheduleRequest is the DTO for creating a recurring run.
type SaveScheduleRequest struct {
	Name           string   `json:"name" validate:"required,min=1,max=128"`
	CronExpr       string   `json:"cron_expr" validate:"required,cron"`
	DeviceIDs      []string `json:"device_ids" validate:"required,min=1,unique"`
	Commands       []string `json:"commands" validate:"required,min=1"`
	BatchSize      int      `json:"batch_size" validate:"gte=0"`
	DevicesPerHour int      `json:"devices_per_hour" validate:"gte=0"`
}

// ToDomainSchedule converts the DTO to a domain.Schedule.
func (r *SaveScheduleRequest) ToDomainSchedule() *domain.Schedule {
	return &domain.Schedule{
		Name:           r.Name,
		CronExpr:       r.CronExpr,
		DeviceIDs:      r.DeviceIDs,
		Commands:       r.Commands,
		BatchSize:      r.BatchSize,
		DevicesPerHour: r.DevicesPerHour,
	}
}

// CommandResultResponse is one command's outcome in a snapshot.
type CommandResultResponse struct {
	Command    string  `json:"command"`
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// DeviceProgressResponse is one device's progress in a snapshot.
type DeviceProgressResponse struct {
	Status             string                  `json:"status"`
	Percent            float64                 `json:"percent"`
	Provenance         string                  `json:"provenance,omitempty"`
	CredentialFallback bool                    `json:"credential_fallback,omitempty"`
	Error              string                  `json:"error,omitempty"`
	Commands           []CommandResultResponse `json:"commands"`
}

// CurrentDeviceResponse identifies the currently most active device+command.
type CurrentDeviceResponse struct {
	DeviceID       string `json:"device_id"`
	CurrentCommand string `json:"current_command"`
	CommandIndex   int    `json:"command_index"`
	TotalCommands  int    `json:"total_commands"`
}

// RegionStatsResponse aggregates device counts for one region.
type RegionStatsResponse struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SnapshotResponse is the serialized progress projection.
type SnapshotResponse struct {
	JobID           string                            `json:"job_id"`
	Status          string                            `json:"status"`
	ProgressPercent float64                           `json:"progress_percent"`
	CurrentDevice   *CurrentDeviceResponse            `json:"current_device,omitempty"`
	RegionStats     map[string]RegionStatsResponse    `json:"region_stats"`
	DeviceProgress  map[string]DeviceProgressResponse `json:"device_progress"`
	StartedAt       *time.Time                        `json:"started_at,omitempty"`
	EndedAt         *time.Time                        `json:"ended_at,omitempty"`
}

// ToSnapshotResponse converts a domain snapshot to its wire shape.
func ToSnapshotResponse(snap *domain.ProgressSnapshot) *SnapshotResponse {
	resp := &SnapshotResponse{
		JobID:           snap.JobID,
		Status:          string(snap.Status),
		ProgressPercent: snap.ProgressPercent,
		RegionStats:     make(map[string]RegionStatsResponse, len(snap.RegionStats)),
		DeviceProgress:  make(map[string]DeviceProgressResponse, len(snap.Devices)),
		StartedAt:       snap.StartedAt,
		EndedAt:         snap.EndedAt,
	}
	if snap.CurrentDevice != nil {
		resp.CurrentDevice = &CurrentDeviceResponse{
			DeviceID:       snap.CurrentDevice.DeviceID,
			CurrentCommand: snap.CurrentDevice.Command,
			CommandIndex:   snap.CurrentDevice.CommandIndex,
			TotalCommands:  snap.CurrentDevice.TotalCommands,
		}
	}
	for region, stats := range snap.RegionStats {
		resp.RegionStats[region] = RegionStatsResponse{
			Total:     stats.Total,
			Pending:   stats.Pending,
			Running:   stats.Running,
			Completed: stats.Completed,
			Failed:    stats.Failed,
		}
	}
	for id, exec := range snap.Devices {
		commands := make([]CommandResultResponse, len(exec.Commands))
		for i, cmd := range exec.Commands {
			commands[i] = CommandResultResponse{
				Command:    cmd.Command,
				Status:     string(cmd.Status),
				DurationMS: float64(cmd.Duration) / float64(time.Millisecond),
				Output:     cmd.Output,
				Error:      cmd.Error,
			}
		}
		resp.DeviceProgress[id] = DeviceProgressResponse{
			Status:             string(exec.Status),
			Percent:            exec.Percent(),
			Provenance:         string(exec.Provenance),
			CredentialFallback: exec.CredentialFallback,
			Error:              exec.Error,
			Commands:           commands,
		}
	}
	return resp
}
