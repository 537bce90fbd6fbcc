package pci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// identRegexp covers the host-style notations: "bb_dd.f" with an optional
// segment prefix, the hypervisor node name form "pci_ssss_bb_dd_f" and the
// usual colon-separated SBDF. Separators may be mixed.
var identRegexp = regexp.MustCompile(`^(?:pci_)?(?:([0-9a-f]{4})[_:])?([0-9a-f]{2})[_:]([0-9a-f]{2})[._]([0-9a-f])$`)

func AddressFromHex(s string) (*Address, error) {
	var domain uint16
	var bus, device, function uint8

	switch ff := strings.Split(string(s), ":"); len(ff) {
	case 3:
		if ff[0] = strings.TrimSpace(ff[0]); len(ff[0]) > 0 {
			if v, err := strconv.ParseUint(ff[0], 16, 16); err == nil {
				domain = uint16(v)
			} else {
				return nil, err
			}
		} else {
			domain = 0
		}
		ff = ff[1:]
		fallthrough
	case 2:
		if v, err := strconv.ParseUint(ff[0], 16, 8); err == nil {
			bus = uint8(v)
		} else {
			return nil, err
		}
		switch ff2 := strings.Split(ff[1], "."); len(ff2) {
		case 2:
			if v, err := strconv.ParseUint(ff2[1], 16, 8); err == nil {
				if v > 7 {
					return nil, fmt.Errorf("a function cannot be a number larger than 0x7")
				}
				function = uint8(v)
			} else {
				return nil, err
			}
			fallthrough
		case 1:
			if v, err := strconv.ParseUint(ff2[0], 16, 8); err == nil {
				if v > 31 {
					return nil, fmt.Errorf("a slot cannot be a number larger than 0x1f")
				}
				device = uint8(v)
			} else {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("bad pci address format: want '[domain:]bus:device.function', given '%s'", s)
	}

	return &Address{
		Domain:   domain,
		Bus:      bus,
		Device:   device,
		Function: function,
	}, nil
}

// AddressFromIdent parses any of the accepted textual notations
// into the same address record.
func AddressFromIdent(s string) (*Address, error) {
	m := identRegexp.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("bad pci address format: want '[segment_]bus_device.function', given '%s'", s)
	}

	var domain uint16
	var bus, device, function uint8

	if len(m[1]) > 0 {
		if v, err := strconv.ParseUint(m[1], 16, 16); err == nil {
			domain = uint16(v)
		} else {
			return nil, err
		}
	}

	if v, err := strconv.ParseUint(m[2], 16, 8); err == nil {
		bus = uint8(v)
	} else {
		return nil, err
	}

	if v, err := strconv.ParseUint(m[3], 16, 8); err == nil {
		if v > 31 {
			return nil, fmt.Errorf("a slot cannot be a number larger than 0x1f")
		}
		device = uint8(v)
	} else {
		return nil, err
	}

	if v, err := strconv.ParseUint(m[4], 16, 8); err == nil {
		if v > 7 {
			return nil, fmt.Errorf("a function cannot be a number larger than 0x7")
		}
		function = uint8(v)
	} else {
		return nil, err
	}

	return &Address{
		Domain:   domain,
		Bus:      bus,
		Device:   device,
		Function: function,
	}, nil
}

func (a *Address) String() string {
	return fmt.Sprintf("%.4x:%.2x:%.2x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// Ident returns the short host-style notation. The segment part
// is omitted when it equals the default one.
func (a *Address) Ident() string {
	if a.Domain != 0 {
		return fmt.Sprintf("%.4x_%.2x_%.2x.%x", a.Domain, a.Bus, a.Device, a.Function)
	}

	return fmt.Sprintf("%.2x_%.2x.%x", a.Bus, a.Device, a.Function)
}

// NodeName returns the device name in the form the hypervisor control
// plane uses for its node device objects.
func (a *Address) NodeName() string {
	return fmt.Sprintf("pci_%.4x_%.2x_%.2x_%x", a.Domain, a.Bus, a.Device, a.Function)
}
