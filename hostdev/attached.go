package hostdev

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hvctl/hostdev/internal/pci"
)

// Dir implements Store over a filesystem tree: record directories
// become directories, record values become files.
type Dir string

func (d Dir) List(p string) ([]string, error) {
	files, err := os.ReadDir(filepath.Join(string(d), filepath.FromSlash(p)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(files))

	for _, f := range files {
		names = append(names, f.Name())
	}

	return names, nil
}

func (d Dir) Read(p string) (string, error) {
	b, err := os.ReadFile(filepath.Join(string(d), filepath.FromSlash(p)))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}

// AttachedDevices builds the device ident -> owning domain map by
// reading the isolation driver backend records from the control
// plane store in one pass.
//
// The control plane has no direct way to ask where a device is
// attached: the alternative would be one expensive query per known
// domain. The backend store is organized by owning domain id, then
// device slot, then device descriptor, so a single walk is enough.
// Stale records pointing at domains missing from the current
// configuration are silently skipped.
func AttachedDevices(store Store, registry DomainRegistry) (map[string]Domain, error) {
	devices := make(map[string]Domain)

	domids, err := store.List("backend/pci")
	if err != nil {
		return nil, err
	}

	for _, domid := range domids {
		devids, err := store.List(path.Join("backend/pci", domid))
		if err != nil {
			return nil, err
		}

		for _, devid := range devids {
			devpath := path.Join("backend/pci", domid, devid)

			name, err := store.Read(path.Join(devpath, "domain"))
			if err != nil {
				return nil, err
			}

			domain, ok := registry.Domain(name)
			if !ok {
				// unknown domain, maybe from a stale configuration
				continue
			}

			numdevs, err := store.Read(path.Join(devpath, "num_devs"))
			if err != nil {
				return nil, err
			}

			n, err := strconv.Atoi(numdevs)
			if err != nil {
				return nil, fmt.Errorf("malformed num_devs record in %s: %w", devpath, err)
			}

			for i := 0; i < n; i++ {
				sbdf, err := store.Read(path.Join(devpath, "dev-"+strconv.Itoa(i)))
				if err != nil {
					return nil, err
				}

				addr, err := pci.AddressFromHex(sbdf)
				if err != nil {
					return nil, fmt.Errorf("malformed device record in %s: %w", devpath, err)
				}

				devices[addr.Ident()] = domain
			}
		}
	}

	return devices, nil
}
