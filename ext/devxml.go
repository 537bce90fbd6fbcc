package ext

import (
	"github.com/hvctl/hostdev/internal/pci"

	"libvirt.org/go/libvirtxml"
)

func truthy(s string) bool {
	switch s {
	case "1", "true", "True", "yes":
		return true
	}

	return false
}

// hostdevXML renders the hostdev element handed to the control plane
// attach and detach calls.
//
// Option mapping: "permissive" grants the guest raw config space
// writes, "no-strict-reset" keeps the device ROM unmapped so a
// device without a clean function level reset can still be passed
// through. The power management hint also lifts the config space
// write filter: an s0ix suspend cycle has the guest touching the PM
// registers.
func hostdevXML(addr *pci.Address, opts map[string]string, powerMgmt bool) (string, error) {
	segment := uint(addr.Domain)
	bus := uint(addr.Bus)
	slot := uint(addr.Device)
	function := uint(addr.Function)

	dev := libvirtxml.DomainHostdev{
		Managed: "yes",
		SubsysPCI: &libvirtxml.DomainHostdevSubsysPCI{
			Source: &libvirtxml.DomainHostdevSubsysPCISource{
				Address: &libvirtxml.DomainAddressPCI{
					Domain:   &segment,
					Bus:      &bus,
					Slot:     &slot,
					Function: &function,
				},
			},
		},
	}

	if powerMgmt || truthy(opts["permissive"]) {
		dev.SubsysPCI.Source.WriteFiltering = "no"
	}

	if truthy(opts["no-strict-reset"]) {
		dev.ROM = &libvirtxml.DomainROM{Enabled: "no"}
	}

	return dev.Marshal()
}

// hostdevAddresses extracts the host side source addresses of all
// PCI hostdev entries from a live domain XML descriptor.
func hostdevAddresses(domXML string) ([]*pci.Address, error) {
	var dom libvirtxml.Domain

	if err := dom.Unmarshal(domXML); err != nil {
		return nil, err
	}

	if dom.Devices == nil {
		return nil, nil
	}

	addrs := make([]*pci.Address, 0, len(dom.Devices.Hostdevs))

	for _, hd := range dom.Devices.Hostdevs {
		if hd.SubsysPCI == nil || hd.SubsysPCI.Source == nil || hd.SubsysPCI.Source.Address == nil {
			continue
		}

		src := hd.SubsysPCI.Source.Address

		addr := pci.Address{}

		if src.Domain != nil {
			addr.Domain = uint16(*src.Domain)
		}
		if src.Bus != nil {
			addr.Bus = uint8(*src.Bus)
		}
		if src.Slot != nil {
			addr.Device = uint8(*src.Slot)
		}
		if src.Function != nil {
			addr.Function = uint8(*src.Function)
		}

		addrs = append(addrs, &addr)
	}

	return addrs, nil
}
