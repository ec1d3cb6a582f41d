// Package sim implements a session driver that fabricates plausible output
// without touching the network. It backs local development and the explicit
// opt-in fallback mode; every session it produces is tagged simulated so a
// fabricated result can never pass for a real one downstream.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"fleetdiag/internal/domain"
)

// Driver is a full SessionDriver that never opens a real connection.
type Driver struct {
	commandSets map[string]domain.CommandSet
	logger      *slog.Logger
	// Latency bounds for fabricated connects and commands.
	minLatency time.Duration
	maxLatency time.Duration
}

// NewDriver creates a simulated driver with the given platform tables.
func NewDriver(commandSets map[string]domain.CommandSet, logger *slog.Logger) *Driver {
	return &Driver{
		commandSets: commandSets,
		logger:      logger.With("component", "sim-driver"),
		minLatency:  5 * time.Millisecond,
		maxLatency:  25 * time.Millisecond,
	}
}

// CommandSet returns the syntax table for a platform, or an empty table for
// unknown platforms so simulated runs never fail on inventory quirks.
func (d *Driver) CommandSet(platform string) (domain.CommandSet, error) {
	if set, ok := d.commandSets[platform]; ok {
		return set, nil
	}
	return domain.CommandSet{}, nil
}

// CheckProxy always succeeds; there is no tunnel to verify.
func (d *Driver) CheckProxy(ctx context.Context) error { return nil }

// Connect fabricates a session after a short latency.
func (d *Driver) Connect(ctx context.Context, device *domain.Device, timeout time.Duration) (domain.Session, error) {
	select {
	case <-time.After(d.latency()):
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectTimeout, ctx.Err())
	}
	d.logger.Debug("simulated connect", "device_id", device.ID, "address", device.Address)
	return NewSession(device, !device.HasCredentials()), nil
}

func (d *Driver) latency() time.Duration {
	spread := d.maxLatency - d.minLatency
	if spread <= 0 {
		return d.minLatency
	}
	return d.minLatency + time.Duration(rand.Int63n(int64(spread)))
}

// Session fabricates command output for one device.
type Session struct {
	device             *domain.Device
	credentialFallback bool
}

// NewSession creates a simulated session. The SSH driver uses this as its
// opt-in fallback when a direct connect fails.
func NewSession(device *domain.Device, credentialFallback bool) *Session {
	return &Session{device: device, credentialFallback: credentialFallback}
}

func (s *Session) Provenance() domain.Provenance { return domain.ProvenanceSimulated }
func (s *Session) CredentialFallback() bool      { return s.credentialFallback }

// Run returns plausible diagnostic output for the command.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCommandTimeout, ctx.Err())
	}
	return fmt.Sprintf("%s# %s\n[simulated output for %s on platform %s]\n",
		s.device.ID, command, s.device.Address, s.device.Platform), nil
}

func (s *Session) Close() error { return nil }
