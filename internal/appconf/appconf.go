package appconf

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/gcfg.v1"
)

// DefaultPath is where the subsystem configuration is expected
// unless the embedding controller says otherwise.
const DefaultPath = "/etc/hostdev/hostdev.ini"

const (
	BindingControlPlane = "control-plane"
	BindingDriver       = "driver"
)

type DevicesParams struct {
	// Name of the isolation driver devices are handed over to
	// before passthrough
	IsolationDriver string `gcfg:"isolation-driver"`
	// How devices get bound to the isolation driver: via the
	// control plane node device detach (default) or directly
	// through the sysfs driver interface
	Binding string `gcfg:"binding"`
	// Directory with the pci.ids table. Empty means the usual
	// hwdata locations
	IDSTable string `gcfg:"ids-table"`
}

type HelpersParams struct {
	// Command printing the per-guest device list with guest-side
	// slot numbers
	GuestList string `gcfg:"guest-list"`
	// Helper performing the in-guest driver unbind before a live
	// detach
	GuestDetach string `gcfg:"guest-detach"`
	// Helper timeout in seconds, 0 means no timeout
	Timeout int `gcfg:"timeout"`
}

// Config represents the device subsystem configuration
type Config struct {
	Devices DevicesParams
	Helpers HelpersParams
}

// NewConfig reads and parses the configuration file and returns
// a new instance of Config on success. A missing file is not an
// error: the built-in defaults are used then.
func NewConfig(p string) (*Config, error) {
	cfg := Default()

	switch _, err := os.Stat(p); {
	case err == nil:
		if err := gcfg.ReadFileInto(cfg, p); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %s", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	switch cfg.Devices.Binding {
	case BindingControlPlane, BindingDriver:
	default:
		return nil, fmt.Errorf("unknown binding mode: %q", cfg.Devices.Binding)
	}

	if cfg.Helpers.Timeout < 0 {
		return nil, fmt.Errorf("helper timeout cannot be negative: %d", cfg.Helpers.Timeout)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Devices: DevicesParams{
			IsolationDriver: "pciback",
			Binding:         BindingControlPlane,
		},
		Helpers: HelpersParams{
			GuestList:   "/usr/sbin/xl",
			GuestDetach: "/usr/lib/hostdev/guest-detach",
		},
	}
}

// HelperTimeout returns the configured helper timeout. The zero
// duration means the helpers are waited for indefinitely.
func (c *Config) HelperTimeout() time.Duration {
	return time.Duration(c.Helpers.Timeout) * time.Second
}
