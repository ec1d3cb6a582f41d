package domain

import (
	"context"
	"time"
)

// CommandSet maps generic diagnostic commands to the syntax a particular
// platform expects. The core never hardcodes platform syntax; it fetches the
// mapping from the driver once per device and resolves each command through
// it.
type CommandSet map[string]string

// Resolve returns the platform-specific text for a generic command, or the
// command unchanged when the platform needs no translation for it.
func (cs CommandSet) Resolve(command string) string {
	if resolved, ok := cs[command]; ok {
		return resolved
	}
	return command
}

// Session is one live connection to one device. Its lifetime is exactly one
// device's batch slot: opened immediately before the first command, closed
// after the last command or the first unrecoverable failure.
type Session interface {
	// Run executes one command and returns its raw output. A timeout is
	// treated by callers identically to a command failure.
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)
	// Provenance reports whether this session is a genuine remote
	// connection or a simulated fallback.
	Provenance() Provenance
	// CredentialFallback reports whether the session was opened with the
	// configured fallback credential pair instead of the device's own.
	CredentialFallback() bool
	Close() error
}

// SessionDriver opens sessions against devices, directly or through the
// configured proxy tunnel, and owns the platform command-syntax mapping.
type SessionDriver interface {
	// CommandSet returns the command mapping for a platform tag.
	CommandSet(platform string) (CommandSet, error)
	// Connect opens a session to the device within timeout.
	Connect(ctx context.Context, device *Device, timeout time.Duration) (Session, error)
	// CheckProxy verifies the proxy tunnel is reachable. It returns nil
	// when no proxy is configured. A failure here fails every device the
	// job would route through the tunnel, with the shared cause
	// ErrProxyUnreachable, instead of each device timing out on its own.
	CheckProxy(ctx context.Context) error
}
