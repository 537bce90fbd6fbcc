package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// A topology path encodes the position of a device relative to its root
// bus as a dash-joined chain of "bus_device.function" hops, one per
// upstream bridge plus the device itself. Bus numbers in the hops are
// stored relative to the secondary bus number advertised by the bridge
// one level closer to the root, which makes the encoding survive the
// bus renumbering the hypervisor performs when devices are passed
// through and back.

type InvalidTopologyError struct {
	Path   string
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid PCI topology in %q: %s", e.Path, e.Reason)
}

func IsInvalidTopologyError(err error) bool {
	var e *InvalidTopologyError

	return errors.As(err, &e)
}

var (
	hopRegexp     = regexp.MustCompile(`^([0-9a-f]+)[_:]([0-9a-f]+)[._]([0-9a-f]+)$`)
	segmentRegexp = regexp.MustCompile(`^([0-9a-f]{4})[_:](.*)$`)
)

// PathOf converts a live device address into its topology path.
//
// A device sitting directly on a root bus encodes as the flat
// single-hop form which is identical to its short ident. The segment
// prefix appears only when the segment differs from the default one.
func PathOf(ident string) (string, error) {
	addr, err := AddressFromIdent(ident)
	if err != nil {
		return "", err
	}

	roots, err := rootBuses()
	if err != nil {
		return "", err
	}

	if _, ok := roots[fmt.Sprintf("%.4x:%.2x", addr.Domain, addr.Bus)]; ok {
		return addr.Ident(), nil
	}

	link, err := os.Readlink(filepath.Join(devicesDir(), addr.String()))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, addr.String())
		}
		return "", err
	}

	// The link target looks like
	// "../../../devices/pci0000:00/0000:00:03.0/0000:02:00.0".
	// Everything after the root bus component is the bridge chain
	// ending with the device itself.
	_, chain, found := strings.Cut(link, fmt.Sprintf("/pci%.4x:", addr.Domain))
	if !found || len(chain) < 3 {
		return "", &InvalidTopologyError{Path: link, Reason: "no root bus component"}
	}
	chain = chain[3:]

	hops := make([]string, 0, 4)

	busOffset := 0

	for _, part := range strings.Split(chain, "/") {
		hop, err := AddressFromIdent(part)
		if err != nil {
			return "", &InvalidTopologyError{Path: link, Reason: fmt.Sprintf("invalid bridge entry %q", part)}
		}

		if busOffset < 0 {
			return "", &InvalidTopologyError{Path: link, Reason: fmt.Sprintf("%s is not a bridge", hops[len(hops)-1])}
		}

		if int(hop.Bus) < busOffset {
			return "", &InvalidTopologyError{Path: link, Reason: fmt.Sprintf("bus number of %q below the advertised secondary bus number", part)}
		}

		hops = append(hops, fmt.Sprintf("%.2x_%.2x.%x", int(hop.Bus)-busOffset, hop.Device, hop.Function))

		switch n, err := readUint(filepath.Join(devicesDir(), hop.String()), "secondary_bus_number", 10, 16); {
		case err == nil:
			busOffset = int(n)
		case os.IsNotExist(err):
			// the terminal device, not a bridge
			busOffset = -1
		default:
			return "", err
		}
	}

	if addr.Domain != 0 {
		return fmt.Sprintf("%.4x_%s", addr.Domain, strings.Join(hops, "-")), nil
	}

	return strings.Join(hops, "-"), nil
}

// AddressOf converts a topology path back into the current live address
// by replaying the hops against the device tree: the accumulated offset
// is added to each hop's bus number and the resulting device's secondary
// bus number becomes the offset for the next hop. A hop whose live
// device no longer advertises a secondary bus number terminates the
// walk and is returned as the final address.
//
// AddressOf is the exact left inverse of PathOf for any device
// reachable at call time.
func AddressOf(path string) (*Address, error) {
	var addr *Address
	var domain uint16

	busOffset := 0

	parts := strings.Split(path, "-")

	for i, part := range parts {
		if busOffset == 0 {
			if m := segmentRegexp.FindStringSubmatch(part); m != nil {
				if v, err := strconv.ParseUint(m[1], 16, 16); err == nil {
					domain = uint16(v)
					part = m[2]
				} else {
					return nil, err
				}
			}
		}

		m := hopRegexp.FindStringSubmatch(part)
		if m == nil {
			return nil, &InvalidTopologyError{Path: path, Reason: fmt.Sprintf("invalid hop %q", part)}
		}

		bus, err := strconv.ParseUint(m[1], 16, 16)
		if err != nil {
			return nil, err
		}

		device, err := strconv.ParseUint(m[2], 16, 8)
		if err != nil || device > 31 {
			return nil, &InvalidTopologyError{Path: path, Reason: fmt.Sprintf("invalid device number in hop %q", part)}
		}

		function, err := strconv.ParseUint(m[3], 16, 8)
		if err != nil || function > 7 {
			return nil, &InvalidTopologyError{Path: path, Reason: fmt.Sprintf("invalid function number in hop %q", part)}
		}

		busNum := int(bus) + busOffset
		if busNum > 0xff {
			return nil, &InvalidTopologyError{Path: path, Reason: fmt.Sprintf("bus number overflow in hop %q", part)}
		}

		addr = &Address{
			Domain:   domain,
			Bus:      uint8(busNum),
			Device:   uint8(device),
			Function: uint8(function),
		}

		if i == len(parts)-1 {
			break
		}

		devdir := filepath.Join(devicesDir(), addr.String())

		switch n, err := readUint(devdir, "secondary_bus_number", 10, 16); {
		case err == nil:
			busOffset = int(n)
		case os.IsNotExist(err):
			if _, err := os.Stat(devdir); err != nil {
				return nil, &InvalidTopologyError{Path: path, Reason: fmt.Sprintf("bridge %s not found in the device tree", addr.String())}
			}
			// the bridge chain got shorter: treat this hop as the
			// terminal device
			return addr, nil
		default:
			return nil, err
		}
	}

	return addr, nil
}

// IsPathForm reports whether the identifier is a topology path: a chain
// of hops anchored at one of the root buses of the live device tree.
// Flat idents of devices sitting behind a bridge do not match, which is
// what tells the two port notations apart.
func IsPathForm(ident string) bool {
	roots, err := rootBuses()
	if err != nil {
		return false
	}

	if len(ident) > 2 && ident[2] == '_' {
		ident = "0000_" + ident
	}

	alternatives := make([]string, 0, len(roots))

	for r := range roots {
		alternatives = append(alternatives, regexp.QuoteMeta(strings.ReplaceAll(r, ":", "_")))
	}

	if len(alternatives) == 0 {
		return false
	}

	re, err := regexp.Compile(`^(?:` + strings.Join(alternatives, "|") + `)_[0-9a-f]{2}\.[0-9a-f](?:-[0-9a-f]{2}_[0-9a-f]{2}\.[0-9a-f])*$`)
	if err != nil {
		return false
	}

	return re.MatchString(ident)
}

// ResolveAddress interprets a device port identifier: a topology path
// is replayed against the live device tree, a legacy flat ident is
// parsed as it stands.
func ResolveAddress(ident string) (*Address, error) {
	if IsPathForm(ident) {
		return AddressOf(ident)
	}

	return AddressFromIdent(ident)
}

// rootBuses returns the root bus identifiers ("ssss:bb") of the live
// device tree.
func rootBuses() (map[string]struct{}, error) {
	files, err := os.ReadDir(filepath.Join(SysfsRoot, "devices"))
	if err != nil {
		return nil, err
	}

	roots := make(map[string]struct{})

	for _, f := range files {
		if strings.HasPrefix(f.Name(), "pci") {
			roots[strings.TrimPrefix(f.Name(), "pci")] = struct{}{}
		}
	}

	return roots, nil
}
