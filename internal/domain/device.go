package domain

import "context"

// Device is an inventory record for one remote network device.
type Device struct {
	ID       string `json:"id"`
	Address  string `json:"address"` // host:port
	Platform string `json:"platform"`
	Region   string `json:"region"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HasCredentials reports whether the record carries a complete credential
// pair. A record missing either half falls back to the configured fallback
// pair as a unit: a fallback username is never combined with a device-local
// password or vice versa.
func (d *Device) HasCredentials() bool {
	return d.Username != "" && d.Password != ""
}

// DeviceInventory resolves device IDs to inventory records. The inventory
// itself (how records get there, how credentials are stored) is an external
// concern.
type DeviceInventory interface {
	Get(ctx context.Context, id string) (*Device, error)
}
