package hostdev

import (
	"context"
	"fmt"
)

type fakeDomain struct {
	name     string
	id       int
	running  bool
	virtMode string
	features map[string]string
}

func (d *fakeDomain) Name() string     { return d.name }
func (d *fakeDomain) ID() int          { return d.id }
func (d *fakeDomain) IsRunning() bool  { return d.running }
func (d *fakeDomain) VirtMode() string { return d.virtMode }

func (d *fakeDomain) Feature(name string) (string, bool) {
	v, ok := d.features[name]

	return v, ok
}

type fakeRegistry struct {
	admin       Domain
	domains     map[string]Domain
	offline     bool
	assignments map[string][]Assignment
}

func (r *fakeRegistry) AdminDomain() Domain { return r.admin }
func (r *fakeRegistry) Offline() bool       { return r.offline }

func (r *fakeRegistry) Domain(name string) (Domain, bool) {
	d, ok := r.domains[name]

	return d, ok
}

func (r *fakeRegistry) Assignments(name string) ([]Assignment, error) {
	return r.assignments[name], nil
}

type fakeHypervisor struct {
	nodeNames []string
	nodeXML   map[string]string
	domXML    map[string]string

	detachErr map[string]error

	nodeDetached []string
	attached     []string
	detached     []string
}

func (h *fakeHypervisor) NodeDeviceNames(ctx context.Context, capability string) ([]string, error) {
	return h.nodeNames, nil
}

func (h *fakeHypervisor) NodeDeviceXML(ctx context.Context, name string) (string, error) {
	xmldesc, ok := h.nodeXML[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeDeviceNotFound, name)
	}

	return xmldesc, nil
}

func (h *fakeHypervisor) NodeDeviceDetach(ctx context.Context, name string) error {
	if err := h.detachErr[name]; err != nil {
		return err
	}

	h.nodeDetached = append(h.nodeDetached, name)

	return nil
}

func (h *fakeHypervisor) DomainXML(ctx context.Context, name string) (string, error) {
	xmldesc, ok := h.domXML[name]
	if !ok {
		return "", fmt.Errorf("domain not found: %s", name)
	}

	return xmldesc, nil
}

func (h *fakeHypervisor) AttachDevice(ctx context.Context, domain, devXML string) error {
	h.attached = append(h.attached, domain)

	return nil
}

func (h *fakeHypervisor) DetachDevice(ctx context.Context, domain, devXML string) error {
	h.detached = append(h.detached, domain)

	return nil
}

func nodeDeviceXML(name, vendorID, vendorName, productID, productName string) string {
	return fmt.Sprintf(
		`<device>
  <name>%s</name>
  <path>/sys/devices/pci0000:00/%s</path>
  <capability type='pci'>
    <class>0x060400</class>
    <domain>0</domain>
    <bus>2</bus>
    <slot>0</slot>
    <function>0</function>
    <product id='%s'>%s</product>
    <vendor id='%s'>%s</vendor>
  </capability>
</device>`, name, name, productID, productName, vendorID, vendorName)
}
