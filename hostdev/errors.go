package hostdev

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInState is returned (wrapped) by control plane
	// implementations and binders when the requested transition has
	// already happened. Callers treat it as success to keep the
	// reconciliation idempotent.
	ErrAlreadyInState = errors.New("already in the requested state")

	// ErrNodeDeviceNotFound is the control plane way of saying the
	// node device object does not exist.
	ErrNodeDeviceNotFound = errors.New("node device not found")
)

// UnsupportedDeviceError means the control plane reported a node
// device whose name does not match the grammar of the device types
// this subsystem models. Such devices are skipped, not fatal.
type UnsupportedDeviceError struct {
	Name string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("unsupported device: %s", e.Name)
}

func IsUnsupportedDeviceError(err error) bool {
	var e *UnsupportedDeviceError

	return errors.As(err, &e)
}

// ConfigurationError reports a request that cannot be satisfied as
// configured: the device is not present in the live device tree, the
// target domain cannot take PCI devices, and the like. It is raised
// before any mutating action is taken.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

func IsConfigurationError(err error) bool {
	var e *ConfigurationError

	return errors.As(err, &e)
}
