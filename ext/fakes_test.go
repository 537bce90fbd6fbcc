package ext

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/hvctl/hostdev/hostdev"
	"github.com/hvctl/hostdev/internal/pci"
)

func resultStr(value string, want, got interface{}) string {
	return fmt.Sprintf("unexpected result for %q:\n\twant = %v\n\tgot = %v", value, want, got)
}

type fakeDomain struct {
	name     string
	id       int
	running  bool
	virtMode string
	features map[string]string

	// when positive, the domain reports running for that many
	// IsRunning calls and stopped afterwards
	stopAfter int
}

func (d *fakeDomain) Name() string { return d.name }
func (d *fakeDomain) ID() int      { return d.id }

func (d *fakeDomain) IsRunning() bool {
	running := d.running

	if d.running && d.stopAfter > 0 {
		d.stopAfter--

		if d.stopAfter == 0 {
			d.running = false
		}
	}

	return running
}

func (d *fakeDomain) VirtMode() string { return d.virtMode }

func (d *fakeDomain) Feature(name string) (string, bool) {
	v, ok := d.features[name]

	return v, ok
}

type fakeRegistry struct {
	admin       hostdev.Domain
	domains     map[string]hostdev.Domain
	offline     bool
	assignments map[string][]hostdev.Assignment
}

func (r *fakeRegistry) AdminDomain() hostdev.Domain { return r.admin }
func (r *fakeRegistry) Offline() bool               { return r.offline }

func (r *fakeRegistry) Domain(name string) (hostdev.Domain, bool) {
	d, ok := r.domains[name]

	return d, ok
}

func (r *fakeRegistry) Assignments(name string) ([]hostdev.Assignment, error) {
	return r.assignments[name], nil
}

type fakeHypervisor struct {
	nodeNames []string
	nodeXML   map[string]string
	domXML    map[string]string

	attachErr error
	detachErr error

	nodeDetached []string
	attachedXML  []string
	detachedXML  []string
}

func (h *fakeHypervisor) NodeDeviceNames(ctx context.Context, capability string) ([]string, error) {
	return h.nodeNames, nil
}

func (h *fakeHypervisor) NodeDeviceXML(ctx context.Context, name string) (string, error) {
	xmldesc, ok := h.nodeXML[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", hostdev.ErrNodeDeviceNotFound, name)
	}

	return xmldesc, nil
}

func (h *fakeHypervisor) NodeDeviceDetach(ctx context.Context, name string) error {
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
	if h.attachErr != nil {
		return h.attachErr
	}

	h.attachedXML = append(h.attachedXML, devXML)

	return nil
}

func (h *fakeHypervisor) DetachDevice(ctx context.Context, domain, devXML string) error {
	if h.detachErr != nil {
		return h.detachErr
	}

	h.detachedXML = append(h.detachedXML, devXML)

	return nil
}

func nodeDeviceXML(name string) string {
	return fmt.Sprintf(
		`<device>
  <name>%s</name>
  <path>/sys/devices/pci0000:00/%s</path>
  <capability type='pci'>
    <class>0x020000</class>
    <product id='0x15f3'>Ethernet Controller I225-V</product>
    <vendor id='0x8086'>Intel Corporation</vendor>
  </capability>
</device>`, name, name)
}

// sysfsFixture builds a throwaway device tree containing the given
// root bus devices with full attribute sets, the shape the parallel
// device scan expects: real directories under devices/, symlinks
// under bus/pci/devices.
func sysfsFixture(t *testing.T, rootBus string, sbdfs ...string) {
	t.Helper()

	root := t.TempDir()

	for _, d := range []string{"devices/pci" + rootBus, "bus/pci/devices"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			t.Fatal(err)
		}
	}

	for _, sbdf := range sbdfs {
		rel := filepath.Join("devices", "pci"+rootBus, sbdf)
		dir := filepath.Join(root, rel)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}

		if err := os.Symlink("../../../"+filepath.ToSlash(rel), filepath.Join(root, "bus", "pci", "devices", sbdf)); err != nil {
			t.Fatal(err)
		}

		config := make([]byte, 64)
		binary.LittleEndian.PutUint16(config[0:2], 0x8086)

		attrs := map[string][]byte{
			"config": config,
			"enable": []byte("1\n"),
			"class":  []byte("0x" + strconv.FormatUint(0x020000, 16) + "\n"),
			"vendor": []byte("0x8086\n"),
			"device": []byte("0x15f3\n"),
		}

		for name, data := range attrs {
			if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
				t.Fatal(err)
			}
		}
	}

	prev := pci.SysfsRoot
	pci.SysfsRoot = root
	t.Cleanup(func() { pci.SysfsRoot = prev })
}

// helperScript drops an executable shell script into a throwaway
// directory and returns its path.
func helperScript(t *testing.T, body string) string {
	t.Helper()

	fname := filepath.Join(t.TempDir(), "helper")

	if err := os.WriteFile(fname, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}

	return fname
}
