package hostdev

import (
	"sync"
)

// The process-wide device cache guarantees at most one DeviceInfo
// per (backend domain, identifier) pair, so the lazily resolved
// metadata is memoized in one place no matter which handler asked
// first.
var devicesCache = struct {
	mu      sync.Mutex
	devices map[string]*DeviceInfo
}{
	devices: make(map[string]*DeviceInfo),
}

// CachedDeviceInfo returns the process-wide DeviceInfo for the given
// backend domain and identifier, constructing it on first use.
func CachedDeviceInfo(env *Env, backend Domain, ident string) (*DeviceInfo, error) {
	devicesCache.mu.Lock()
	defer devicesCache.mu.Unlock()

	key := backend.Name() + "/" + ident

	if dev, ok := devicesCache.devices[key]; ok {
		return dev, nil
	}

	dev, err := NewDeviceInfo(env, backend, ident)
	if err != nil {
		return nil, err
	}

	devicesCache.devices[key] = dev

	return dev, nil
}

// FlushDeviceCache drops all cached device objects. Wired to the
// controller shutdown event.
func FlushDeviceCache() {
	devicesCache.mu.Lock()
	defer devicesCache.mu.Unlock()

	devicesCache.devices = make(map[string]*DeviceInfo)
}
