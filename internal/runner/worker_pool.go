package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetdiag/internal/domain"
	"fleetdiag/internal/metrics"
	"fleetdiag/internal/state"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pool executes one batch's devices with concurrency equal to the batch
// size: one worker per device, each running the full command sequence to a
// terminal state. A worker never blocks on, or aborts, another worker.
type Pool struct {
	driver         domain.SessionDriver
	store          *state.Store
	sink           domain.ResultSink
	connectTimeout time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewPool creates a worker pool bound to a driver, store and result sink.
func NewPool(driver domain.SessionDriver, store *state.Store, sink domain.ResultSink, connectTimeout, commandTimeout time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		driver:         driver,
		store:          store,
		sink:           sink,
		connectTimeout: connectTimeout,
		commandTimeout: commandTimeout,
		logger:         logger.With("component", "worker-pool"),
		tracer:         otel.Tracer("fleetdiag-runner"),
	}
}

// RunBatch fans the batch's devices out to workers and blocks until every
// worker is terminal. Live sessions are bounded by len(batch) because the
// batch itself is the only source of workers.
func (p *Pool) RunBatch(ctx context.Context, job *domain.Job, batch []string, devices map[string]*domain.Device) {
	ctx, span := p.tracer.Start(ctx, "pool.RunBatch",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.Int("batch.size", len(batch)),
		))
	defer span.End()

	var wg sync.WaitGroup
	for _, deviceID := range batch {
		device, ok := devices[deviceID]
		if !ok {
			// Inventory resolution happens at creation; a missing
			// record here means the caller's map is incomplete.
			p.failDevice(job.ID, deviceID, domain.ErrDeviceNotFound)
			continue
		}
		wg.Add(1)
		go func(device *domain.Device) {
			defer wg.Done()
			p.runDevice(ctx, job, device)
		}(device)
	}
	wg.Wait()
}

// runDevice drives one device through its full command sequence: command-set
// lookup, connect, commands in caller order, close. The store is updated
// after every transition so pollers see the currently-executing command in
// near real time.
func (p *Pool) runDevice(ctx context.Context, job *domain.Job, device *domain.Device) {
	ctx, span := p.tracer.Start(ctx, "pool.runDevice",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("device.id", device.ID),
			attribute.String("device.region", device.Region),
		))
	defer span.End()

	logger := p.logger.With("job_id", job.ID, "device_id", device.ID)

	commandSet, err := p.driver.CommandSet(device.Platform)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command set lookup failed")
		logger.Error("no command set for platform", "platform", device.Platform, "error", err)
		p.FailDeviceAndPersist(ctx, job.ID, device.ID, err)
		return
	}

	now := time.Now()
	_ = p.store.UpdateDevice(job.ID, device.ID, func(exec *domain.DeviceExecution) {
		exec.Status = domain.DeviceConnecting
		exec.StartedAt = &now
	})

	session, err := p.driver.Connect(ctx, device, p.connectTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		logger.Warn("connect failed", "address", device.Address, "error", err)
		p.FailDeviceAndPersist(ctx, job.ID, device.ID, err)
		return
	}
	metrics.OpenSessions.Inc()
	defer func() {
		session.Close()
		metrics.OpenSessions.Dec()
	}()

	_ = p.store.UpdateDevice(job.ID, device.ID, func(exec *domain.DeviceExecution) {
		exec.Status = domain.DeviceConnected
		exec.Provenance = session.Provenance()
		exec.CredentialFallback = session.CredentialFallback()
	})
	logger.Info("connected", "provenance", session.Provenance())

	failed := false
	for i, command := range job.Commands {
		resolved := commandSet.Resolve(command)
		index := i
		_ = p.store.UpdateDevice(job.ID, device.ID, func(exec *domain.DeviceExecution) {
			exec.Status = domain.DeviceExecuting
			exec.CurrentCommandIndex = index
			exec.Commands[index].Command = resolved
			exec.Commands[index].Status = domain.CommandRunning
		})

		start := time.Now()
		output, runErr := session.Run(ctx, resolved, p.commandTimeout)
		duration := time.Since(start)

		if runErr != nil {
			span.RecordError(runErr)
			logger.Warn("command failed", "command", resolved, "error", runErr)
			errText := runErr.Error()
			// First failure freezes the remaining commands as
			// pending; the device is done.
			_ = p.store.UpdateDevice(job.ID, device.ID, func(exec *domain.DeviceExecution) {
				exec.Commands[index].Status = domain.CommandFailed
				exec.Commands[index].Output = output
				exec.Commands[index].Error = errText
				exec.Commands[index].Duration = duration
				exec.Status = domain.DeviceFailed
				exec.Error = errText
			})
			failed = true
			break
		}

		_ = p.store.UpdateDevice(job.ID, device.ID, func(exec *domain.DeviceExecution) {
			exec.Commands[index].Status = domain.CommandSuccess
			exec.Commands[index].Output = output
			exec.Commands[index].Duration = duration
		})
	}

	if !failed {
		_ = p.store.UpdateDevice(job.ID, device.ID, func(exec *domain.DeviceExecution) {
			exec.Status = domain.DeviceCompleted
		})
		logger.Info("device completed", "commands", len(job.Commands))
	}
	p.persistResult(ctx, job.ID, device.ID)
}

// failDevice marks a device failed before any command ran; its commands stay
// pending, never attempted.
func (p *Pool) failDevice(jobID, deviceID string, cause error) {
	errText := cause.Error()
	_ = p.store.UpdateDevice(jobID, deviceID, func(exec *domain.DeviceExecution) {
		exec.Status = domain.DeviceFailed
		exec.Error = errText
	})
}

// FailDeviceAndPersist marks a device failed before any command ran and
// pushes the terminal record to the sink. The controller uses it to apply a
// shared cause, such as an unreachable proxy tunnel, across a whole fleet.
func (p *Pool) FailDeviceAndPersist(ctx context.Context, jobID, deviceID string, cause error) {
	p.failDevice(jobID, deviceID, cause)
	p.persistResult(ctx, jobID, deviceID)
}

// persistResult pushes the device's terminal record to the durable sink and
// records the outcome metric. Sink failures are logged, never propagated: a
// storage hiccup must not look like a device failure.
func (p *Pool) persistResult(ctx context.Context, jobID, deviceID string) {
	exec, err := p.store.Device(jobID, deviceID)
	if err != nil || !exec.Status.Terminal() {
		return
	}

	metrics.DeviceExecutionsTotal.WithLabelValues(exec.Region, string(exec.Status)).Inc()

	result := &domain.DeviceResult{
		JobID:       jobID,
		DeviceID:    exec.DeviceID,
		Region:      exec.Region,
		Status:      exec.Status,
		Provenance:  exec.Provenance,
		Commands:    exec.Commands,
		Error:       exec.Error,
		CompletedAt: time.Now(),
	}
	if err := p.sink.Persist(ctx, result); err != nil {
		p.logger.Error("failed to persist device result", "job_id", jobID, "device_id", deviceID, "error", err)
	}
}
