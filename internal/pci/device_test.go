package pci

import (
	"errors"
	"testing"
)

func TestLookupDevice(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")
	tr.addDevice("0000:00", []string{"0000:00:14.0"}, -1)
	tr.addAttrs("0000:00:14.0", 0x0c0330, 0x8086, 0x51ed, true)

	dev, err := LookupDevice("0000:00:14.0")
	if err != nil {
		t.Fatal(resultStr("0000:00:14.0", nil, err))
	}

	if dev.Class() != 0x0c0330 {
		t.Fatal(resultStr("class", uint32(0x0c0330), dev.Class()))
	}

	if dev.ClassHex() != "0x0c0330" {
		t.Fatal(resultStr("class", "0x0c0330", dev.ClassHex()))
	}

	if dev.Vendor() != 0x8086 || dev.Device() != 0x51ed {
		t.Fatal(resultStr("vendor/device", "0x8086/0x51ed", dev.VendorHex()+"/"+dev.DeviceHex()))
	}

	if !dev.Enabled() {
		t.Fatal(resultStr("enable", true, dev.Enabled()))
	}

	if !dev.HasMultifunctionFeature() {
		t.Fatal(resultStr("multifunction", true, dev.HasMultifunctionFeature()))
	}
}

func TestLookupDeviceNotFound(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")

	if _, err := LookupDevice("0000:00:1f.3"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatal(resultStr("0000:00:1f.3", ErrDeviceNotFound, err))
	}
}

func TestDeviceExists(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")
	tr.addDevice("0000:00", []string{"0000:00:14.0"}, -1)

	if addr := (&Address{Bus: 0, Device: 0x14}); !Exists(addr) {
		t.Fatal(resultStr(addr.String(), true, false))
	}

	if addr := (&Address{Bus: 2, Device: 0}); Exists(addr) {
		t.Fatal(resultStr(addr.String(), false, true))
	}
}

func TestDeviceCurrentDriver(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")
	tr.addDevice("0000:00", []string{"0000:00:14.0"}, -1)
	tr.addAttrs("0000:00:14.0", 0x0c0330, 0x8086, 0x51ed, false)
	tr.addDriver("pciback")
	tr.bindDriver("0000:00:14.0", "pciback")

	dev, err := LookupDevice("0000:00:14.0")
	if err != nil {
		t.Fatal(resultStr("0000:00:14.0", nil, err))
	}

	if dev.CurrentDriver() != "pciback" {
		t.Fatal(resultStr("driver", "pciback", dev.CurrentDriver()))
	}
}

func TestDeviceUnbindDriver(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")
	tr.addDevice("0000:00", []string{"0000:00:14.0"}, -1)
	tr.addAttrs("0000:00:14.0", 0x0c0330, 0x8086, 0x51ed, false)
	tr.addDriver("xhci_hcd")
	tr.bindDriver("0000:00:14.0", "xhci_hcd")

	dev, err := LookupDevice("0000:00:14.0")
	if err != nil {
		t.Fatal(resultStr("0000:00:14.0", nil, err))
	}

	if err := dev.UnbindDriver(); err != nil {
		t.Fatal(resultStr("unbind", nil, err))
	}

	if dev.CurrentDriver() != "" {
		t.Fatal(resultStr("driver", "", dev.CurrentDriver()))
	}

	// unbinding an already unbound device is a no-op
	if err := dev.UnbindDriver(); err != nil {
		t.Fatal(resultStr("unbind", nil, err))
	}
}

func TestDeviceList(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")

	for _, sbdf := range []string{"0000:00:14.0", "0000:00:03.0", "0000:00:1f.6"} {
		tr.addDevice("0000:00", []string{sbdf}, -1)
		tr.addAttrs(sbdf, 0x020000, 0x8086, 0x15f3, false)
	}

	devices, err := DeviceList()
	if err != nil {
		t.Fatal(resultStr("device list", nil, err))
	}

	if len(devices) != 3 {
		t.Fatal(resultStr("device list", 3, len(devices)))
	}

	// sorted by address
	want := []string{"0000:00:03.0", "0000:00:14.0", "0000:00:1f.6"}

	for i, dev := range devices {
		if dev.String() != want[i] {
			t.Fatal(resultStr("device list", want[i], dev.String()))
		}
	}
}

// Single-core hosts get a worker limit of 1. The scan must still
// complete with more devices than worker slots.
func TestDeviceListSingleWorker(t *testing.T) {
	tr := newTestTree(t)

	tr.addRootBus("0000:00")

	sbdfs := []string{"0000:00:02.0", "0000:00:03.0", "0000:00:14.0", "0000:00:1c.0", "0000:00:1f.6"}

	for _, sbdf := range sbdfs {
		tr.addDevice("0000:00", []string{sbdf}, -1)
		tr.addAttrs(sbdf, 0x020000, 0x8086, 0x15f3, false)
	}

	devices, err := deviceList(1)
	if err != nil {
		t.Fatal(resultStr("device list", nil, err))
	}

	if len(devices) != len(sbdfs) {
		t.Fatal(resultStr("device list", len(sbdfs), len(devices)))
	}

	for i, dev := range devices {
		if dev.String() != sbdfs[i] {
			t.Fatal(resultStr("device list", sbdfs[i], dev.String()))
		}
	}
}
