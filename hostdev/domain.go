package hostdev

import (
	"context"
)

// Domain is the view of a guest this subsystem needs. The embedding
// controller implements it on its own guest type.
type Domain interface {
	Name() string

	// ID returns the current hypervisor domain id. The admin domain
	// always has AdminDomainID.
	ID() int

	IsRunning() bool

	// VirtMode reports the virtualization mode the domain runs in
	// ("pv", "pvh", "hvm").
	VirtMode() string

	// Feature looks up a feature flag of the domain.
	Feature(name string) (string, bool)
}

// DomainRegistry is the part of the controller configuration the
// subsystem consults: the set of known domains and their persisted
// device assignments.
type DomainRegistry interface {
	AdminDomain() Domain

	// Domain resolves a domain by name. The second value is false
	// for names not present in the current configuration.
	Domain(name string) (Domain, bool)

	// Offline reports whether the controller runs without a live
	// hypervisor connection.
	Offline() bool

	// Assignments returns the persisted device assignments of the
	// named domain.
	Assignments(name string) ([]Assignment, error)
}

// Hypervisor is the narrow slice of the control plane client the
// subsystem uses. Implementations map their native error codes onto
// ErrNodeDeviceNotFound and ErrAlreadyInState where the contract
// says so.
type Hypervisor interface {
	// NodeDeviceNames lists node device names with the given
	// capability ("pci").
	NodeDeviceNames(ctx context.Context, capability string) ([]string, error)

	// NodeDeviceXML returns the XML descriptor of a node device.
	// A missing device reports ErrNodeDeviceNotFound.
	NodeDeviceXML(ctx context.Context, name string) (string, error)

	// NodeDeviceDetach asks the control plane to detach the node
	// device from its host driver and hand it to the isolation
	// driver. An already detached device reports ErrAlreadyInState.
	NodeDeviceDetach(ctx context.Context, name string) error

	// DomainXML returns the live XML descriptor of a running domain.
	DomainXML(ctx context.Context, name string) (string, error)

	AttachDevice(ctx context.Context, domain, devXML string) error
	DetachDevice(ctx context.Context, domain, devXML string) error
}

// Store reads the isolation driver backend records from the
// hypervisor control plane store. Paths are slash-separated,
// relative to the store root.
type Store interface {
	List(path string) ([]string, error)
	Read(path string) (string, error)
}

// Env bundles the external collaborators a device object or an event
// handler works with.
type Env struct {
	HV       Hypervisor
	Registry DomainRegistry
	Store    Store
}
