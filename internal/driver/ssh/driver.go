// Package ssh implements the session driver over real SSH connections,
// directly or through a single bastion/jump host.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"fleetdiag/internal/domain"
	"fleetdiag/internal/driver/sim"

	"golang.org/x/crypto/ssh"
)

const defaultPort = "22"

// ProxyOptions configures the optional jump host. When enabled, every device
// session is multiplexed through one upstream SSH connection.
type ProxyOptions struct {
	Enabled  bool
	Addr     string
	Username string
	Password string
}

// Options configures the driver.
type Options struct {
	// FallbackUsername and FallbackPassword are used as a pair whenever a
	// device record lacks either half of its credentials.
	FallbackUsername string
	FallbackPassword string
	// AllowSimulatedFallback substitutes a simulated session when a direct
	// connect fails. Off by default; demo/non-production use only. The
	// resulting sessions are tagged simulated end-to-end.
	AllowSimulatedFallback bool
	// CommandSets maps platform tags to their command-syntax tables.
	CommandSets map[string]domain.CommandSet
	Proxy       ProxyOptions
}

// Driver opens SSH sessions against devices. One Session per device per
// batch slot; one ssh.Session per command inside it.
type Driver struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	bastion *ssh.Client
}

// NewDriver creates an SSH session driver.
func NewDriver(opts Options, logger *slog.Logger) *Driver {
	return &Driver{
		opts:   opts,
		logger: logger.With("component", "ssh-driver"),
	}
}

// CommandSet returns the syntax table for a platform tag.
func (d *Driver) CommandSet(platform string) (domain.CommandSet, error) {
	set, ok := d.opts.CommandSets[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, platform)
	}
	return set, nil
}

// CheckProxy establishes the bastion connection when a proxy is configured.
// The client is cached and reused for every tunneled device dial.
func (d *Driver) CheckProxy(ctx context.Context) error {
	if !d.opts.Proxy.Enabled {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bastion != nil {
		return nil
	}

	cfg := &ssh.ClientConfig{
		User:            d.opts.Proxy.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(d.opts.Proxy.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", withDefaultPort(d.opts.Proxy.Addr), cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProxyUnreachable, err)
	}
	d.bastion = client
	d.logger.Info("proxy tunnel established", "addr", d.opts.Proxy.Addr)
	return nil
}

// Connect opens a session to the device, through the bastion when one is
// configured. On a direct-connect failure with the simulated fallback
// enabled, a fabricated session is returned instead, tagged as simulated.
func (d *Driver) Connect(ctx context.Context, device *domain.Device, timeout time.Duration) (domain.Session, error) {
	username, password, usedFallback := d.effectiveCredentials(device)
	if usedFallback {
		d.logger.Info("using fallback credentials", "device_id", device.ID)
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := d.dial(withDefaultPort(device.Address), cfg)
	if err != nil {
		if d.opts.AllowSimulatedFallback && !d.opts.Proxy.Enabled {
			d.logger.Warn("connect failed, substituting simulated session", "device_id", device.ID, "error", err)
			return sim.NewSession(device, usedFallback), nil
		}
		return nil, classifyConnectError(err)
	}

	return &session{
		client:             client,
		deviceID:           device.ID,
		credentialFallback: usedFallback,
	}, nil
}

// effectiveCredentials applies the symmetric fallback rule: a record missing
// either half of the pair gets BOTH halves from the fallback source, never a
// mixed pair.
func (d *Driver) effectiveCredentials(device *domain.Device) (username, password string, usedFallback bool) {
	if device.HasCredentials() {
		return device.Username, device.Password, false
	}
	return d.opts.FallbackUsername, d.opts.FallbackPassword, true
}

func (d *Driver) dial(addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d.mu.Lock()
	bastion := d.bastion
	d.mu.Unlock()

	if bastion == nil {
		return ssh.Dial("tcp", addr, cfg)
	}

	conn, err := bastion.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	nc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(nc, chans, reqs), nil
}

// Close tears down the bastion connection, if any.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bastion == nil {
		return nil
	}
	err := d.bastion.Close()
	d.bastion = nil
	return err
}

// session wraps one device's SSH client for the duration of its batch slot.
type session struct {
	client             *ssh.Client
	deviceID           string
	credentialFallback bool
}

func (s *session) Provenance() domain.Provenance { return domain.ProvenanceReal }
func (s *session) CredentialFallback() bool      { return s.credentialFallback }

// Run executes one command in a fresh ssh.Session. x/crypto/ssh has no
// context support, so the command runs in a goroutine and a timeout closes
// the session underneath it.
func (s *session) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCommandError, err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, runErr := sess.CombinedOutput(command)
		done <- result{output: output, err: runErr}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.output), fmt.Errorf("%w: %v", domain.ErrCommandError, r.err)
		}
		return string(r.output), nil
	case <-ctx.Done():
		sess.Close()
		return "", fmt.Errorf("%w: %s after %s", domain.ErrCommandTimeout, command, timeout)
	}
}

func (s *session) Close() error {
	return s.client.Close()
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

func classifyConnectError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrConnectTimeout, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", domain.ErrConnectRefused, err)
	}
	return fmt.Errorf("connect failed: %w", err)
}
