package pci

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// testTree builds a minimal device tree with the same shape sysfs has:
// real device directories under devices/pci<rootbus>/... and symlinks
// to them under bus/pci/devices.
type testTree struct {
	t    *testing.T
	root string
}

func newTestTree(t *testing.T) *testTree {
	t.Helper()

	tr := &testTree{t: t, root: t.TempDir()}

	for _, d := range []string{"devices", "bus/pci/devices", "bus/pci/drivers"} {
		if err := os.MkdirAll(filepath.Join(tr.root, d), 0755); err != nil {
			t.Fatal(err)
		}
	}

	prev := SysfsRoot
	SysfsRoot = tr.root
	t.Cleanup(func() { SysfsRoot = prev })

	return tr
}

func (tr *testTree) addRootBus(id string) {
	tr.t.Helper()

	if err := os.MkdirAll(filepath.Join(tr.root, "devices", "pci"+id), 0755); err != nil {
		tr.t.Fatal(err)
	}
}

// addDevice registers a device sitting at the end of the given bridge
// chain (SBDF notation, root to leaf) and returns its real directory.
// A non-negative secondary makes the device a bridge advertising that
// secondary bus number.
func (tr *testTree) addDevice(rootBus string, chain []string, secondary int) string {
	tr.t.Helper()

	rel := filepath.Join(append([]string{"devices", "pci" + rootBus}, chain...)...)
	dir := filepath.Join(tr.root, rel)

	if err := os.MkdirAll(dir, 0755); err != nil {
		tr.t.Fatal(err)
	}

	sbdf := chain[len(chain)-1]
	link := filepath.Join(tr.root, "bus", "pci", "devices", sbdf)

	if _, err := os.Lstat(link); err != nil {
		if err := os.Symlink("../../../"+filepath.ToSlash(rel), link); err != nil {
			tr.t.Fatal(err)
		}
	}

	if secondary >= 0 {
		if err := os.WriteFile(filepath.Join(dir, "secondary_bus_number"), []byte(strconv.Itoa(secondary)+"\n"), 0644); err != nil {
			tr.t.Fatal(err)
		}
	}

	return dir
}

// addAttrs fills the attribute files a full device lookup reads.
func (tr *testTree) addAttrs(sbdf string, class uint32, vendor, device uint16, multifunction bool) {
	tr.t.Helper()

	dir := filepath.Join(tr.root, "bus", "pci", "devices", sbdf)

	config := make([]byte, 64)
	binary.LittleEndian.PutUint16(config[0:2], vendor)
	binary.LittleEndian.PutUint16(config[2:4], device)
	if multifunction {
		config[0x0E] = 0x80
	}

	attrs := map[string][]byte{
		"config": config,
		"enable": []byte("1\n"),
		"class":  []byte("0x" + strconv.FormatUint(uint64(class), 16) + "\n"),
		"vendor": []byte("0x" + strconv.FormatUint(uint64(vendor), 16) + "\n"),
		"device": []byte("0x" + strconv.FormatUint(uint64(device), 16) + "\n"),
	}

	for name, data := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			tr.t.Fatal(err)
		}
	}
}

func (tr *testTree) addDriver(name string) {
	tr.t.Helper()

	dir := filepath.Join(tr.root, "bus", "pci", "drivers", name)

	if err := os.MkdirAll(dir, 0755); err != nil {
		tr.t.Fatal(err)
	}

	for _, f := range []string{"new_id", "unbind", "bind"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0644); err != nil {
			tr.t.Fatal(err)
		}
	}
}

func (tr *testTree) bindDriver(sbdf, driver string) {
	tr.t.Helper()

	dir, err := filepath.EvalSymlinks(filepath.Join(tr.root, "bus", "pci", "devices", sbdf))
	if err != nil {
		tr.t.Fatal(err)
	}

	if err := os.Symlink(filepath.Join(tr.root, "bus", "pci", "drivers", driver), filepath.Join(dir, "driver")); err != nil && !os.IsExist(err) {
		tr.t.Fatal(err)
	}
}
