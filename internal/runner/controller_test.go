package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetdiag/internal/domain"
	"fleetdiag/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test helpers
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeDriver is a controllable SessionDriver for exercising the engine
// without a network.
type fakeDriver struct {
	mu sync.Mutex

	proxyErr       error
	connectErrs    map[string]error  // device id -> connect failure
	failingCommand map[string]string // device id -> command that fails

	open    int32 // currently open sessions
	maxOpen int32 // high-water mark
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		connectErrs:    make(map[string]error),
		failingCommand: make(map[string]string),
	}
}

func (d *fakeDriver) CommandSet(platform string) (domain.CommandSet, error) {
	return domain.CommandSet{}, nil
}

func (d *fakeDriver) CheckProxy(ctx context.Context) error { return d.proxyErr }

func (d *fakeDriver) Connect(ctx context.Context, device *domain.Device, timeout time.Duration) (domain.Session, error) {
	d.mu.Lock()
	err := d.connectErrs[device.ID]
	failing := d.failingCommand[device.ID]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	open := atomic.AddInt32(&d.open, 1)
	for {
		max := atomic.LoadInt32(&d.maxOpen)
		if open <= max || atomic.CompareAndSwapInt32(&d.maxOpen, max, open) {
			break
		}
	}
	return &fakeSession{driver: d, failingCommand: failing}, nil
}

func (d *fakeDriver) MaxOpenSessions() int {
	return int(atomic.LoadInt32(&d.maxOpen))
}

type fakeSession struct {
	driver         *fakeDriver
	failingCommand string
}

func (s *fakeSession) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	time.Sleep(time.Millisecond) // keep siblings overlapping
	if s.failingCommand == command {
		return "", fmt.Errorf("%w: %s", domain.ErrCommandError, command)
	}
	return "output of " + command, nil
}

func (s *fakeSession) Provenance() domain.Provenance { return domain.ProvenanceReal }
func (s *fakeSession) CredentialFallback() bool      { return false }
func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.driver.open, -1)
	return nil
}

// fakeSink records persisted results.
type fakeSink struct {
	mu      sync.Mutex
	results []*domain.DeviceResult
}

func (s *fakeSink) Persist(ctx context.Context, result *domain.DeviceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *fakeSink) ListByJob(ctx context.Context, jobID string, page, pageSize int) ([]*domain.DeviceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// newFixture builds a job, its inventory and a wired controller.
func newFixture(t *testing.T, driver *fakeDriver, deviceCount, batchSize int) (*Controller, *state.Store, *fakeSink, *domain.Job, map[string]*domain.Device) {
	t.Helper()
	logger := testLogger()
	store := state.NewStore(logger)
	sink := &fakeSink{}
	pool := NewPool(driver, store, sink, time.Second, time.Second, logger)
	controller := NewController(store, pool, driver, logger)

	job := &domain.Job{
		ID:        "job-1",
		Commands:  []string{"show_version", "show_interfaces"},
		BatchSize: batchSize,
		Status:    domain.JobStatusCreated,
	}
	devices := make(map[string]*domain.Device, deviceCount)
	executions := make([]*domain.DeviceExecution, 0, deviceCount)
	for i := 0; i < deviceCount; i++ {
		id := fmt.Sprintf("device-%02d", i)
		region := "emea"
		if i%2 == 1 {
			region = "apac"
		}
		job.DeviceIDs = append(job.DeviceIDs, id)
		devices[id] = &domain.Device{
			ID: id, Address: id + ".example.net:22", Platform: "cisco_ios", Region: region,
			Username: "diag", Password: "diag",
		}
		executions = append(executions, domain.NewDeviceExecution(id, region, job.Commands))
	}
	require.NoError(t, store.Create(job, executions))
	return controller, store, sink, job, devices
}

// =============================================================================
// Tests
// =============================================================================

func TestController_AllBatchesCompleteAndDevicesAreTerminal(t *testing.T) {
	driver := newFakeDriver()
	controller, store, sink, job, devices := newFixture(t, driver, 25, 10)

	controller.Run(context.Background(), job, devices)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.InDelta(t, 100.0, snap.ProgressPercent, 0.01)
	for id, exec := range snap.Devices {
		assert.Equal(t, domain.DeviceCompleted, exec.Status, "device %s", id)
		assert.Equal(t, domain.ProvenanceReal, exec.Provenance)
		for _, cmd := range exec.Commands {
			assert.Equal(t, domain.CommandSuccess, cmd.Status)
			assert.NotEmpty(t, cmd.Output)
		}
	}
	assert.Equal(t, 25, sink.count())
}

func TestController_BatchSizeIsHardCeilingOnOpenSessions(t *testing.T) {
	driver := newFakeDriver()
	controller, _, _, job, devices := newFixture(t, driver, 25, 10)

	controller.Run(context.Background(), job, devices)

	assert.LessOrEqual(t, driver.MaxOpenSessions(), 10)
	assert.Greater(t, driver.MaxOpenSessions(), 0)
}

func TestController_ZeroBatchSizeRunsEverythingInOneBatch(t *testing.T) {
	driver := newFakeDriver()
	controller, store, _, job, devices := newFixture(t, driver, 10, 0)

	started := time.Now()
	controller.Run(context.Background(), job, devices)
	elapsed := time.Since(started)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	// One batch, so no inter-batch delay can apply even with throttling.
	assert.Less(t, elapsed, 5*time.Second)
}

func TestController_PerDeviceFailureDoesNotAbortSiblingsOrJob(t *testing.T) {
	driver := newFakeDriver()
	driver.connectErrs["device-03"] = domain.ErrConnectRefused
	controller, store, _, job, devices := newFixture(t, driver, 10, 10)

	controller.Run(context.Background(), job, devices)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)

	failed := snap.Devices["device-03"]
	assert.Equal(t, domain.DeviceFailed, failed.Status)
	assert.Contains(t, failed.Error, "connect refused")
	for _, cmd := range failed.Commands {
		assert.Equal(t, domain.CommandPending, cmd.Status, "unattempted commands stay pending")
	}

	completed := 0
	for _, exec := range snap.Devices {
		if exec.Status == domain.DeviceCompleted {
			completed++
		}
	}
	assert.Equal(t, 9, completed)
}

func TestController_FirstCommandFailureFreezesRemainingCommands(t *testing.T) {
	driver := newFakeDriver()
	driver.failingCommand["device-00"] = "show_version"
	controller, store, _, job, devices := newFixture(t, driver, 2, 2)

	controller.Run(context.Background(), job, devices)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	exec := snap.Devices["device-00"]
	assert.Equal(t, domain.DeviceFailed, exec.Status)
	assert.Equal(t, domain.CommandFailed, exec.Commands[0].Status)
	assert.Equal(t, domain.CommandPending, exec.Commands[1].Status)

	sibling := snap.Devices["device-01"]
	assert.Equal(t, domain.DeviceCompleted, sibling.Status)
}

func TestController_StopAfterFirstBatchSkipsTheRest(t *testing.T) {
	driver := newFakeDriver()
	controller, store, _, job, devices := newFixture(t, driver, 30, 10)

	// The flag is consumed at the next batch boundary, so batch 1 still
	// runs to completion.
	require.NoError(t, store.RequestStop(job.ID))
	controller.Run(context.Background(), job, devices)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStopped, snap.Status)

	terminal, pending := 0, 0
	for _, exec := range snap.Devices {
		switch {
		case exec.Status.Terminal():
			terminal++
		case exec.Status == domain.DevicePending:
			pending++
		}
	}
	assert.Equal(t, 10, terminal, "batch 1 results retained intact")
	assert.Equal(t, 20, pending, "batches 2 and 3 never started")
}

func TestController_ProxyUnreachableFailsEveryDeviceAndTheJob(t *testing.T) {
	driver := newFakeDriver()
	driver.proxyErr = domain.ErrProxyUnreachable
	controller, store, _, job, devices := newFixture(t, driver, 10, 5)

	controller.Run(context.Background(), job, devices)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	for id, exec := range snap.Devices {
		assert.Equal(t, domain.DeviceFailed, exec.Status, "device %s", id)
		assert.Contains(t, exec.Error, "proxy tunnel unreachable")
		assert.NotEqual(t, domain.ProvenanceSimulated, exec.Provenance,
			"no device may report a simulated success when the tunnel is down")
		for _, cmd := range exec.Commands {
			assert.Equal(t, domain.CommandPending, cmd.Status)
		}
	}
	assert.Equal(t, 0, driver.MaxOpenSessions(), "no sessions are attempted past a dead tunnel")
}

func TestController_RateLimitSleepsOnlyTheRemainder(t *testing.T) {
	driver := newFakeDriver()
	controller, store, _, job, devices := newFixture(t, driver, 4, 2)
	// 2 devices per batch at 7200/hour -> 1s budget per batch. Batches
	// finish in a few ms, so the run must sleep roughly 1s once (no sleep
	// after the last batch).
	job.DevicesPerHour = 7200

	started := time.Now()
	controller.Run(context.Background(), job, devices)
	elapsed := time.Since(started)

	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestController_ContextCancellationStopsBetweenBatches(t *testing.T) {
	driver := newFakeDriver()
	controller, store, _, job, devices := newFixture(t, driver, 20, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	controller.Run(ctx, job, devices)

	// The boundary check sees the dead context before any batch starts.
	snap, err := store.Snapshot(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStopped, snap.Status)
	for _, exec := range snap.Devices {
		assert.Equal(t, domain.DevicePending, exec.Status)
	}
}
