package hostdev

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hvctl/hostdev/internal/pci"
	"github.com/hvctl/hostdev/internal/pci/idsdb"

	"libvirt.org/go/libvirtxml"
)

// nodeNameRegexp is the strict grammar of control plane node device
// names this subsystem models. Anything else is an unsupported
// device type.
var nodeNameRegexp = regexp.MustCompile(`^pci_([0-9a-f]{4})_([0-9a-f]{2})_([0-9a-f]{2})_([0-9a-f])$`)

// DeviceInterface is the capability interface descriptor of a
// device: "p" followed by the 6-digit class/subclass/prog-if code.
type DeviceInterface string

func NewDeviceInterface(code string) DeviceInterface {
	code = strings.TrimPrefix(code, "0x")

	if len(code) != 6 {
		code = "000000"
	}

	return DeviceInterface("p" + code)
}

// DeviceInfo represents one physical PCI device of a backend domain.
//
// All hardware metadata is resolved lazily because it requires the
// backend domain to be running: until the first successful resolution
// the accessors report the "unknown" defaults and nothing is cached,
// so a later access can still succeed.
type DeviceInfo struct {
	env     *Env
	backend Domain
	addr    pci.Address

	mu         sync.Mutex
	vendor     string
	product    string
	vendorID   string
	productID  string
	serial     string
	interfaces []DeviceInterface
}

// NewDeviceInfo builds a device object from an address-derived
// identifier in any of the accepted notations.
func NewDeviceInfo(env *Env, backend Domain, ident string) (*DeviceInfo, error) {
	addr, err := pci.AddressFromIdent(ident)
	if err != nil {
		return nil, err
	}

	return &DeviceInfo{env: env, backend: backend, addr: *addr}, nil
}

// DeviceInfoFromNodeName builds a device object from a control plane
// node device name. Names outside the supported grammar report an
// UnsupportedDeviceError: the control plane enumerates device types
// this subsystem does not model.
func DeviceInfoFromNodeName(env *Env, backend Domain, name string) (*DeviceInfo, error) {
	m := nodeNameRegexp.FindStringSubmatch(name)
	if m == nil {
		return nil, &UnsupportedDeviceError{Name: name}
	}

	return NewDeviceInfo(env, backend, fmt.Sprintf("%s_%s_%s.%s", m[1], m[2], m[3], m[4]))
}

func (d *DeviceInfo) Address() *pci.Address {
	addr := d.addr

	return &addr
}

// Ident returns the canonical short identifier of the device.
func (d *DeviceInfo) Ident() string {
	return d.addr.Ident()
}

// NodeName returns the control plane node device name.
func (d *DeviceInfo) NodeName() string {
	return d.addr.NodeName()
}

func (d *DeviceInfo) BackendDomain() Domain {
	return d.backend
}

func (d *DeviceInfo) Vendor(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.vendor) == 0 {
		return d.loadDesc(ctx).vendor
	}

	return d.vendor
}

func (d *DeviceInfo) Product(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.product) == 0 {
		return d.loadDesc(ctx).product
	}

	return d.product
}

func (d *DeviceInfo) VendorID(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.vendorID) == 0 {
		return d.loadDesc(ctx).vendorID
	}

	return d.vendorID
}

func (d *DeviceInfo) ProductID(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.productID) == 0 {
		return d.loadDesc(ctx).productID
	}

	return d.productID
}

// Interfaces returns the capability interface descriptors of the
// device, computed from its raw class code. The value is memoized
// permanently once resolved while the backend domain is running.
func (d *DeviceInfo) Interfaces() []DeviceInterface {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.interfaces != nil {
		return d.interfaces
	}

	code, err := pci.ClassCode(&d.addr)
	if err != nil {
		return []DeviceInterface{NewDeviceInterface("")}
	}

	ifaces := []DeviceInterface{NewDeviceInterface(code)}

	if d.backend.IsRunning() {
		d.interfaces = ifaces
	}

	return ifaces
}

// DeviceClass resolves the human readable class name of the device
// via the class database.
func (d *DeviceInfo) DeviceClass() string {
	code, err := pci.ClassCode(&d.addr)
	if err != nil {
		return "unknown"
	}

	return idsdb.Get().ClassOf(code)
}

// Description returns the "<class>: <vendor> <product>" summary of
// the device. Vendor and product strings coming from hardware
// descriptors are sanitized before use.
func (d *DeviceInfo) Description(ctx context.Context) string {
	return fmt.Sprintf("%s: %s %s",
		d.DeviceClass(),
		sanitizeDesc(d.Vendor(ctx)),
		sanitizeDesc(d.Product(ctx)),
	)
}

// SelfIdentity returns the fingerprint of the device that does not
// depend on its current bus address, used to re-match the same
// physical device across reboots when the hypervisor renumbers the
// topology.
func (d *DeviceInfo) SelfIdentity(ctx context.Context) string {
	var ifaces strings.Builder

	for _, ifc := range d.Interfaces() {
		ifaces.WriteString(string(ifc))
	}

	d.mu.Lock()
	serial := d.serial
	d.mu.Unlock()

	return fmt.Sprintf("%s:%s:%s:%s",
		sanitizeIdent(d.VendorID(ctx)),
		sanitizeIdent(d.ProductID(ctx)),
		sanitizeIdent(serial),
		ifaces.String(),
	)
}

// FrontendDomain resolves the guest currently holding the device, if
// any. The attachment index is rebuilt on every call: attachment
// state changes independently of this object's lifetime.
func (d *DeviceInfo) FrontendDomain() (Domain, bool) {
	attached, err := AttachedDevices(d.env.Store, d.env.Registry)
	if err != nil {
		return nil, false
	}

	dom, ok := attached[d.Ident()]

	return dom, ok
}

type deviceDesc struct {
	vendor    string
	product   string
	vendorID  string
	productID string
}

// loadDesc queries the control plane for the hardware metadata of
// the device. The all-unknown defaults are returned without caching
// while the backend domain is not running, so a later call can still
// resolve and memoize the real values. Callers hold d.mu.
func (d *DeviceInfo) loadDesc(ctx context.Context) deviceDesc {
	desc := deviceDesc{
		vendor:    "unknown",
		product:   "unknown",
		vendorID:  "0000",
		productID: "0000",
	}

	if !d.backend.IsRunning() {
		return desc
	}

	xmldesc, err := d.env.HV.NodeDeviceXML(ctx, d.NodeName())
	if err != nil {
		return desc
	}

	var node libvirtxml.NodeDevice

	if err := node.Unmarshal(xmldesc); err != nil {
		return desc
	}

	capability := node.Capability.PCI
	if capability == nil {
		return desc
	}

	if v := capability.Vendor; len(v.ID) > 0 {
		desc.vendorID = strings.TrimPrefix(v.ID, "0x")

		if len(v.Name) > 0 {
			desc.vendor = v.Name
		} else if known, ok := idsdb.Get().FindVendor(desc.vendorID); ok {
			desc.vendor = known.Name
		}
	}

	if p := capability.Product; len(p.ID) > 0 {
		desc.productID = strings.TrimPrefix(p.ID, "0x")

		if len(p.Name) > 0 {
			desc.product = p.Name
		} else if known, ok := idsdb.Get().FindProduct(desc.vendorID, desc.productID); ok {
			desc.product = known.Name
		}
	}

	// data successfully loaded, cache these values
	d.vendor = desc.vendor
	d.product = desc.product
	d.vendorID = desc.vendorID
	d.productID = desc.productID

	return desc
}

// sanitizeIdent maps everything outside the identity allow-list to
// an underscore.
func sanitizeIdent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// sanitizeDesc makes a hardware descriptor string printable: escaped
// byte sequences like "USB\x202.0" are decoded first, anything
// non-printable that remains becomes an underscore. It never fails
// on malformed input.
func sanitizeDesc(s string) string {
	if strings.Contains(s, `\x`) {
		if unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`); err == nil {
			s = unquoted
		}
	}

	return strings.Map(func(r rune) rune {
		if r >= 0x20 && r < 0x7f {
			return r
		}
		return '_'
	}, s)
}
