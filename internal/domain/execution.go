package domain

import "time"

// DeviceStatus represents the per-device state machine within a job. Status
// only advances forward; a device entering failed freezes its remaining
// commands as pending.
type DeviceStatus string

const (
	DevicePending    DeviceStatus = "pending"
	DeviceConnecting DeviceStatus = "connecting"
	DeviceConnected  DeviceStatus = "connected"
	DeviceExecuting  DeviceStatus = "executing"
	DeviceCompleted  DeviceStatus = "completed"
	DeviceFailed     DeviceStatus = "failed"
)

// Terminal reports whether the device has finished, successfully or not.
func (s DeviceStatus) Terminal() bool {
	return s == DeviceCompleted || s == DeviceFailed
}

// Active reports whether the device currently holds a live session slot.
func (s DeviceStatus) Active() bool {
	switch s {
	case DeviceConnecting, DeviceConnected, DeviceExecuting:
		return true
	}
	return false
}

// CommandStatus represents the state of a single command on a device.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandRunning CommandStatus = "running"
	CommandSuccess CommandStatus = "success"
	CommandFailed  CommandStatus = "failed"
)

// Provenance distinguishes a genuine remote session from a simulated
// fallback one. It is set once a connection attempt resolves and stays
// visible end-to-end so a fabricated result can never masquerade as a real
// one.
type Provenance string

const (
	ProvenanceReal      Provenance = "real"
	ProvenanceSimulated Provenance = "simulated"
)

// CommandResult records one command's outcome on one device.
type CommandResult struct {
	Command  string        `json:"command"`
	Status   CommandStatus `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DeviceExecution is the per-device progress and result record within a job.
type DeviceExecution struct {
	DeviceID            string          `json:"device_id"`
	Region              string          `json:"region"`
	Status              DeviceStatus    `json:"status"`
	CurrentCommandIndex int             `json:"current_command_index"`
	Commands            []CommandResult `json:"commands"`
	Provenance          Provenance      `json:"provenance,omitempty"`
	CredentialFallback  bool            `json:"credential_fallback,omitempty"`
	Error               string          `json:"error,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	EndedAt             *time.Time      `json:"ended_at,omitempty"`
}

// NewDeviceExecution builds the initial pending record for a device, with
// one pending CommandResult per command in caller order.
func NewDeviceExecution(deviceID, region string, commands []string) *DeviceExecution {
	results := make([]CommandResult, len(commands))
	for i, cmd := range commands {
		results[i] = CommandResult{Command: cmd, Status: CommandPending}
	}
	return &DeviceExecution{
		DeviceID: deviceID,
		Region:   region,
		Status:   DevicePending,
		Commands: results,
	}
}

// Percent returns the fraction of this device's commands that have resolved.
func (e *DeviceExecution) Percent() float64 {
	if len(e.Commands) == 0 {
		return 0
	}
	done := 0
	for _, c := range e.Commands {
		if c.Status == CommandSuccess || c.Status == CommandFailed {
			done++
		}
	}
	return float64(done) / float64(len(e.Commands)) * 100
}

// Clone returns a deep copy, used by snapshots so pollers never share
// mutable state with workers.
func (e *DeviceExecution) Clone() *DeviceExecution {
	cp := *e
	cp.Commands = make([]CommandResult, len(e.Commands))
	copy(cp.Commands, e.Commands)
	return &cp
}

// RegionStats aggregates device progress for one region. The four counts
// always sum to Total.
type RegionStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CurrentActivity identifies the single most recently active device and
// command, when a worker is mid-command.
type CurrentActivity struct {
	DeviceID      string `json:"device_id"`
	Command       string `json:"current_command"`
	CommandIndex  int    `json:"command_index"`
	TotalCommands int    `json:"total_commands"`
}

// ProgressSnapshot is the read-only projection returned to pollers. It is a
// deep copy; callers never mutate live job state through it.
type ProgressSnapshot struct {
	JobID           string                      `json:"job_id"`
	Status          JobStatus                   `json:"status"`
	ProgressPercent float64                     `json:"progress_percent"`
	CurrentDevice   *CurrentActivity            `json:"current_device,omitempty"`
	RegionStats     map[string]RegionStats      `json:"region_stats"`
	Devices         map[string]*DeviceExecution `json:"device_progress"`
	StartedAt       *time.Time                  `json:"started_at,omitempty"`
	EndedAt         *time.Time                  `json:"ended_at,omitempty"`
}
