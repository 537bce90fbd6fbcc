package hostdev

import (
	"context"
	"errors"
	"fmt"

	"github.com/hvctl/hostdev/internal/pci"
)

// Binder hands a device over to the isolation driver so the host
// kernel cannot use it while it is passed through. Implementations
// must be idempotent: binding an already bound device is success.
type Binder interface {
	Bind(ctx context.Context, dev *DeviceInfo) error
}

// NodeBinder binds devices through the control plane node device
// detach call. This is the default implementation.
type NodeBinder struct {
	HV Hypervisor
}

func (b *NodeBinder) Bind(ctx context.Context, dev *DeviceInfo) error {
	if _, err := b.HV.NodeDeviceXML(ctx, dev.NodeName()); err != nil {
		if errors.Is(err, ErrNodeDeviceNotFound) {
			return &ConfigurationError{Reason: fmt.Sprintf("PCI device %s does not exist", dev.Ident())}
		}
		return err
	}

	if err := b.HV.NodeDeviceDetach(ctx, dev.NodeName()); err != nil {
		if errors.Is(err, ErrAlreadyInState) {
			// already detached from the host driver
			return nil
		}
		return err
	}

	return nil
}

// SysfsBinder binds devices by rebinding their kernel driver
// directly through the sysfs driver interface, bypassing the control
// plane. Selected with "binding = driver" in the configuration.
type SysfsBinder struct {
	// Name of the isolation driver
	Driver string
}

func (b *SysfsBinder) Bind(ctx context.Context, dev *DeviceInfo) error {
	pcidev, err := pci.LookupDevice(dev.Address().String())
	if err != nil {
		if errors.Is(err, pci.ErrDeviceNotFound) {
			return &ConfigurationError{Reason: fmt.Sprintf("PCI device %s does not exist", dev.Ident())}
		}
		return err
	}

	if pcidev.CurrentDriver() == b.Driver {
		return nil
	}

	return pcidev.AssignDriver(b.Driver)
}
