// Package hostdev implements the PCI passthrough model of the host
// controller: stable device identities with lazily resolved hardware
// metadata, the attachment bookkeeping and the isolation driver
// binding. The orchestration on top of it lives in the ext package.
package hostdev

const (
	// DeviceClass is the device capability this subsystem manages.
	DeviceClass = "pci"

	// AdminDomainID is the id of the privileged domain with direct
	// hardware visibility. Only that domain can enumerate PCI
	// devices or act as their backend.
	AdminDomainID = 0

	// FeatureSuspendS0ix marks hosts whose suspend goes through
	// s0ix. Attached devices get the power management hint then.
	FeatureSuspendS0ix = "suspend-s0ix"
)
