package sim

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"fleetdiag/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestDriver_ConnectProducesSimulatedSession(t *testing.T) {
	driver := NewDriver(nil, testLogger())
	device := &domain.Device{
		ID: "router-01", Address: "router-01.example.net", Platform: "cisco_ios",
		Username: "admin", Password: "pw",
	}

	session, err := driver.Connect(context.Background(), device, time.Second)
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, domain.ProvenanceSimulated, session.Provenance())
	assert.False(t, session.CredentialFallback())

	output, err := session.Run(context.Background(), "show version", time.Second)
	require.NoError(t, err)
	assert.Contains(t, output, "router-01# show version")
	assert.Contains(t, output, "simulated output")
}

func TestDriver_ConnectReportsFallbackForIncompleteCredentials(t *testing.T) {
	driver := NewDriver(nil, testLogger())
	device := &domain.Device{ID: "router-02", Address: "router-02.example.net", Username: "admin"}

	session, err := driver.Connect(context.Background(), device, time.Second)
	require.NoError(t, err)
	defer session.Close()

	assert.True(t, session.CredentialFallback())
}

func TestDriver_ConnectHonoursCancelledContext(t *testing.T) {
	driver := NewDriver(nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := driver.Connect(ctx, &domain.Device{ID: "router-03"}, time.Second)
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
}

func TestDriver_CommandSetNeverFails(t *testing.T) {
	driver := NewDriver(map[string]domain.CommandSet{
		"juniper_junos": {"show_version": "show version"},
	}, testLogger())

	set, err := driver.CommandSet("juniper_junos")
	require.NoError(t, err)
	assert.Equal(t, "show version", set.Resolve("show_version"))

	// Unknown platforms get an empty table; commands pass through verbatim.
	set, err = driver.CommandSet("acme_os")
	require.NoError(t, err)
	assert.Equal(t, "show_version", set.Resolve("show_version"))
}

func TestDriver_CheckProxyAlwaysSucceeds(t *testing.T) {
	driver := NewDriver(nil, testLogger())
	assert.NoError(t, driver.CheckProxy(context.Background()))
}
