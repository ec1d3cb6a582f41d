// Package state holds the single source of truth for running jobs: the
// job -> region -> device -> command status tree, written by workers and
// read by pollers concurrently.
package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetdiag/internal/domain"
)

// jobEntry is the mutable record for one job. Region aggregates and the
// terminal-device count are adjusted incrementally on every device update so
// snapshots read them in O(regions), not O(devices).
type jobEntry struct {
	job           *domain.Job
	devices       map[string]*domain.DeviceExecution
	regions       map[string]*domain.RegionStats
	terminalCount int
	lastActive    string // device id of the most recent mid-command worker
	stopRequested bool
	stopCh        chan struct{}
}

// Store is an injected job state store, not a package-global registry. It
// supports many concurrent per-device writers (bounded by batch size)
// interleaved with concurrent snapshot readers; a snapshot never observes a
// torn device record.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*jobEntry),
		logger: logger.With("component", "state-store"),
	}
}

// Create registers a job and its initial device executions. Every execution
// must start pending.
func (s *Store) Create(job *domain.Job, executions []*domain.DeviceExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrJobExists, job.ID)
	}

	entry := &jobEntry{
		job:     job,
		devices: make(map[string]*domain.DeviceExecution, len(executions)),
		regions: make(map[string]*domain.RegionStats),
		stopCh:  make(chan struct{}),
	}
	for _, exec := range executions {
		entry.devices[exec.DeviceID] = exec
		stats := entry.regions[exec.Region]
		if stats == nil {
			stats = &domain.RegionStats{}
			entry.regions[exec.Region] = stats
		}
		stats.Total++
		stats.Pending++
	}
	s.jobs[job.ID] = entry
	s.logger.Info("job registered", "job_id", job.ID, "devices", len(executions))
	return nil
}

// Job returns a copy of the job record.
func (s *Store) Job(jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	cp := *entry.job
	return &cp, nil
}

// SetStatus advances the job state machine. Transitions out of a terminal
// status are refused; status never moves backwards.
func (s *Store) SetStatus(jobID string, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if entry.job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, entry.job.Status)
	}

	now := time.Now()
	entry.job.Status = status
	switch {
	case status == domain.JobStatusRunning:
		entry.job.StartedAt = &now
	case status.Terminal():
		entry.job.EndedAt = &now
	}
	s.logger.Info("job status changed", "job_id", jobID, "status", status)
	return nil
}

// UpdateDevice applies mutate to one device's record atomically and adjusts
// the region aggregates for any status change. Workers call this after every
// state change, not only at device completion.
func (s *Store) UpdateDevice(jobID, deviceID string, mutate func(*domain.DeviceExecution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	exec, ok := entry.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}

	before := exec.Status
	mutate(exec)
	after := exec.Status

	if before != after {
		stats := entry.regions[exec.Region]
		decrement(stats, before)
		increment(stats, after)
		if !before.Terminal() && after.Terminal() {
			entry.terminalCount++
			now := time.Now()
			exec.EndedAt = &now
		}
	}

	// Track the most recent mid-command device for the snapshot's
	// current-activity field.
	if after == domain.DeviceExecuting {
		entry.lastActive = deviceID
	} else if entry.lastActive == deviceID && after.Terminal() {
		entry.lastActive = ""
	}
	return nil
}

// Device returns a deep copy of one device's execution record.
func (s *Store) Device(jobID, deviceID string) (*domain.DeviceExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	exec, ok := entry.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	return exec.Clone(), nil
}

// RequestStop sets the cancellation flag. The controller consumes it at the
// next batch boundary; setting the flag confirms nothing about when the job
// actually stops.
func (s *Store) RequestStop(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if !entry.stopRequested {
		entry.stopRequested = true
		close(entry.stopCh)
		s.logger.Info("stop requested", "job_id", jobID)
	}
	return nil
}

// StopRequested reports whether a stop has been requested for the job.
func (s *Store) StopRequested(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	return ok && entry.stopRequested
}

// StopChan returns a channel closed when a stop is requested, letting the
// controller wake early from an inter-batch sleep.
func (s *Store) StopChan(jobID string) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entry, ok := s.jobs[jobID]; ok {
		return entry.stopCh
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Snapshot returns a deep-copied progress projection for pollers. Progress
// percent counts terminal devices only, so it is non-decreasing across
// successive snapshots of a running job.
func (s *Store) Snapshot(jobID string) (*domain.ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	snap := &domain.ProgressSnapshot{
		JobID:       jobID,
		Status:      entry.job.Status,
		RegionStats: make(map[string]domain.RegionStats, len(entry.regions)),
		Devices:     make(map[string]*domain.DeviceExecution, len(entry.devices)),
		StartedAt:   entry.job.StartedAt,
		EndedAt:     entry.job.EndedAt,
	}
	if total := len(entry.devices); total > 0 {
		snap.ProgressPercent = float64(entry.terminalCount) / float64(total) * 100
	}
	for region, stats := range entry.regions {
		snap.RegionStats[region] = *stats
	}
	for id, exec := range entry.devices {
		snap.Devices[id] = exec.Clone()
	}
	if entry.lastActive != "" {
		if exec, ok := entry.devices[entry.lastActive]; ok && exec.Status == domain.DeviceExecuting {
			idx := exec.CurrentCommandIndex
			if idx >= 0 && idx < len(exec.Commands) {
				snap.CurrentDevice = &domain.CurrentActivity{
					DeviceID:      exec.DeviceID,
					Command:       exec.Commands[idx].Command,
					CommandIndex:  idx,
					TotalCommands: len(exec.Commands),
				}
			}
		}
	}
	return snap, nil
}

func increment(stats *domain.RegionStats, status domain.DeviceStatus) {
	switch {
	case status == domain.DevicePending:
		stats.Pending++
	case status.Active():
		stats.Running++
	case status == domain.DeviceCompleted:
		stats.Completed++
	case status == domain.DeviceFailed:
		stats.Failed++
	}
}

func decrement(stats *domain.RegionStats, status domain.DeviceStatus) {
	switch {
	case status == domain.DevicePending:
		stats.Pending--
	case status.Active():
		stats.Running--
	case status == domain.DeviceCompleted:
		stats.Completed--
	case status == domain.DeviceFailed:
		stats.Failed--
	}
}
