package hostdev

import (
	"github.com/hvctl/hostdev/internal/pci"
)

type AssignmentMode string

const (
	ModeRequired    AssignmentMode = "required"
	ModeAutoAttach  AssignmentMode = "auto-attach"
	ModeAskToAttach AssignmentMode = "ask-to-attach"
)

// Assignment is one persisted device assignment record as the
// controller configuration stores it.
type Assignment struct {
	// Name of the backend domain the device lives on
	Backend string `json:"backend"`

	// Port identifier: a topology path or a legacy flat ident
	Port string `json:"port"`

	Mode AssignmentMode `json:"mode"`

	// Free-form options handed to the live attach
	Options map[string]string `json:"options,omitempty"`

	// Opaque device identity used for cross-boot re-matching
	Identity string `json:"identity,omitempty"`
}

// Address resolves the port identifier against the live device tree:
// a topology path is replayed hop by hop, a legacy flat ident is
// parsed as it stands.
func (a *Assignment) Address() (*pci.Address, error) {
	return pci.ResolveAddress(a.Port)
}
