package pci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hvctl/hostdev/internal/pci/idsdb"

	"golang.org/x/sync/errgroup"
)

var ErrDeviceNotFound = errors.New("PCI device not found")

// SysfsRoot is the base of the host device tree. It is a variable
// so that tests can point the package at a fixture tree.
var SysfsRoot = "/sys"

func devicesDir() string {
	return filepath.Join(SysfsRoot, "bus", "pci", "devices")
}

func driversDir() string {
	return filepath.Join(SysfsRoot, "bus", "pci", "drivers")
}

type Device struct {
	addr *Address

	driver  string
	enabled bool

	classID  uint32
	vendorID uint16
	deviceID uint16

	className    string
	subclassName string
	vendorName   string
	deviceName   string

	multifunction bool

	mu sync.Mutex
}

func LookupDevice(hexaddr string) (*Device, error) {
	pcidev, err := lookup(hexaddr)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, hexaddr)
		}
		return nil, fmt.Errorf("read error (device: %s): %w", hexaddr, err)
	}

	return pcidev, nil
}

// Exists reports whether the device node is present in the live device tree.
func Exists(addr *Address) bool {
	_, err := os.Stat(filepath.Join(devicesDir(), addr.String()))

	return err == nil
}

// ClassCode reads the raw class attribute of a device and returns it
// as a 6-digit hex string without the 0x prefix.
func ClassCode(addr *Address) (string, error) {
	n, err := readUint(filepath.Join(devicesDir(), addr.String()), "class", 16, 32)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%06x", n), nil
}

func lookup(hexaddr string) (*Device, error) {
	addr, err := AddressFromHex(hexaddr)
	if err != nil {
		return nil, err
	}

	pcidev := Device{addr: addr}

	if config, err := readHeadBytes(pcidev.FullPath(), "config", 64); err == nil {
		// Multifunction (offset 0x0E is the "Header Type")
		// The first function (function 0) must have bit 7 (0x80) of the Header Type (0x0E) register set.
		pcidev.multifunction = len(config) > 0x0E && (config[0x0E]&0x80) == 0x80
	} else {
		return nil, err
	}

	if s, err := readString(pcidev.FullPath(), "enable"); err == nil {
		pcidev.enabled = s == "1"
	} else {
		return nil, err
	}

	db := idsdb.Get()

	if n, err := readUint(pcidev.FullPath(), "class", 16, 32); err == nil {
		pcidev.classID = uint32(n)
		if v, ok := db.FindClass(pcidev.ClassHex()); ok {
			pcidev.className = v.Name
			for _, sub := range v.Subclasses {
				pcidev.subclassName = sub.Name
			}
		}
	} else {
		return nil, err
	}

	if n, err := readUint(pcidev.FullPath(), "vendor", 16, 16); err == nil {
		pcidev.vendorID = uint16(n)
		if v, ok := db.FindVendor(pcidev.VendorHex()); ok {
			pcidev.vendorName = v.Name
		}
	} else {
		return nil, err
	}

	if n, err := readUint(pcidev.FullPath(), "device", 16, 16); err == nil {
		pcidev.deviceID = uint16(n)
		if v, ok := db.FindProduct(pcidev.VendorHex(), pcidev.DeviceHex()); ok {
			pcidev.deviceName = v.Name
		}
	} else {
		return nil, err
	}

	if s, err := filepath.EvalSymlinks(filepath.Join(pcidev.FullPath(), "driver")); err == nil {
		pcidev.driver = filepath.Base(s)
	} else {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return &pcidev, nil
}

func (d *Device) FullPath() string {
	return filepath.Join(devicesDir(), d.addr.String())
}

func (d *Device) Addr() *Address {
	return d.addr
}

func (d *Device) String() string {
	return d.addr.String()
}

func (d *Device) Enabled() bool {
	return d.enabled
}

func (d *Device) HasMultifunctionFeature() bool {
	return d.multifunction
}

func (d *Device) CurrentDriver() string {
	return d.driver
}

func (d *Device) Vendor() uint16 {
	return d.vendorID
}

func (d *Device) VendorHex() string {
	return fmt.Sprintf("0x%04x", d.vendorID)
}

func (d *Device) VendorName() string {
	return d.vendorName
}

func (d *Device) Class() uint32 {
	return d.classID
}

func (d *Device) ClassHex() string {
	return fmt.Sprintf("0x%06x", d.classID)
}

func (d *Device) ClassName() string {
	return d.className
}

func (d *Device) SubclassName() string {
	return d.subclassName
}

func (d *Device) Device() uint16 {
	return d.deviceID
}

func (d *Device) DeviceHex() string {
	return fmt.Sprintf("0x%04x", d.deviceID)
}

func (d *Device) DeviceName() string {
	return d.deviceName
}

func (d *Device) AssignDriver(n string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n = strings.TrimSpace(n); len(n) == 0 {
		return fmt.Errorf("empty driver name")
	}

	if d.driver == n {
		return nil
	}

	if len(d.driver) > 0 {
		if err := os.WriteFile(filepath.Join(d.FullPath(), "driver/unbind"), []byte(d.String()), 0200); err != nil {
			return fmt.Errorf("failed to unbind: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(driversDir(), n, "new_id"), []byte(d.VendorHex()+" "+d.DeviceHex()+"\n"), 0200); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("failed to assign driver: is %s loaded?", n)
		}
		return fmt.Errorf("failed to assign driver: %w", err)
	}

	if s, err := filepath.EvalSymlinks(filepath.Join(d.FullPath(), "driver")); err == nil {
		d.driver = filepath.Base(s)
	} else {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot check the new driver: %w", err)
		}
	}

	if d.driver != n {
		return fmt.Errorf("failed to assign driver: run 'dmesg' for more details")
	}

	return nil
}

func (d *Device) UnbindDriver() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.driver) > 0 {
		if err := os.WriteFile(filepath.Join(d.FullPath(), "driver/unbind"), []byte(d.String()), 0200); err != nil {
			return fmt.Errorf("failed to unbind: %w", err)
		}
		d.driver = ""
	}

	return nil
}

func DeviceList() ([]*Device, error) {
	return deviceList(runtime.NumCPU())
}

func deviceList(limit int) ([]*Device, error) {
	files, err := os.ReadDir(devicesDir())
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(files))

	results := make(chan *Device)
	done := make(chan struct{})

	gr, ctx := errgroup.WithContext(context.Background())

	// Only the lookup workers count against the limit. Scheduling
	// them from this goroutine keeps the loop from occupying a slot
	// itself, which would stall the group when the limit is 1.
	gr.SetLimit(limit)

	var syncMap sync.Map

	go func() {
		for pcidev := range results {
			devices = append(devices, pcidev)
		}
		close(done)
	}()

	for _, f := range files {
		if ctx.Err() != nil {
			break
		}

		if f.Type()&os.ModeSymlink == 0 {
			continue
		}

		hexaddr := f.Name()

		if _, ok := syncMap.Load(hexaddr); ok {
			continue
		}

		gr.Go(func() error {
			pcidev, err := LookupDevice(hexaddr)
			if err != nil {
				if errors.Is(err, ErrDeviceNotFound) {
					// The device was probably removed while reading
					return nil
				}
				return err
			}

			results <- pcidev

			syncMap.Store(hexaddr, struct{}{})

			return nil
		})
	}

	grErr := gr.Wait()

	close(results)
	<-done

	if grErr != nil {
		return nil, grErr
	}

	// Sort by PCI address
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].String() < devices[j].String()
	})

	return devices, nil
}

func readHeadBytes(dirname, fname string, count uint) ([]byte, error) {
	file, err := os.Open(filepath.Join(dirname, fname))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, count)

	n, err := file.Read(buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

func readString(dirname, fname string) (string, error) {
	s, err := os.ReadFile(filepath.Join(dirname, fname))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(s)), nil
}

func readUint(dirname, fname string, base, bits int) (uint64, error) {
	s, err := readString(dirname, fname)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), base, bits)
}
