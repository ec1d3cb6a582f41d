package domain

import "errors"

// Job-creation preconditions. These reject a job before any worker starts;
// they are the only conditions fatal to a job at submission time.
var (
	ErrNoDevices         = errors.New("device list cannot be empty")
	ErrDuplicateDevice   = errors.New("duplicate device id")
	ErrNoCommands        = errors.New("command list cannot be empty")
	ErrNegativeBatchSize = errors.New("batch size cannot be negative")
	ErrNegativeRate      = errors.New("devices per hour cannot be negative")
)

// Lookup failures.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrDeviceNotFound   = errors.New("device not found in inventory")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrUnknownPlatform  = errors.New("unknown device platform")
)

// Per-device execution failures. These are recorded on the DeviceExecution
// and never abort sibling devices or the job as a whole. ErrProxyUnreachable
// is the one class shared across every device routed through the tunnel,
// recorded once rather than rediscovered per device.
var (
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrConnectRefused   = errors.New("connect refused")
	ErrProxyUnreachable = errors.New("proxy tunnel unreachable")
	ErrCommandTimeout   = errors.New("command timed out")
	ErrCommandError     = errors.New("command failed")
)
