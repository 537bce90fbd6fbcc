package ext

import (
	"context"
	"fmt"
	"sync"

	"github.com/hvctl/hostdev/hostdev"
	"github.com/hvctl/hostdev/internal/appconf"
	"github.com/hvctl/hostdev/internal/pci"
	"github.com/hvctl/hostdev/internal/pci/idsdb"

	log "github.com/sirupsen/logrus"
)

// Extension wires the PCI device assignment handlers into the
// controller event registry.
type Extension struct {
	env  *hostdev.Env
	conf *appconf.Config

	binder hostdev.Binder

	mu     sync.Mutex
	warned map[string]struct{}
}

func New(env *hostdev.Env, conf *appconf.Config) *Extension {
	ext := Extension{
		env:    env,
		conf:   conf,
		warned: make(map[string]struct{}),
	}

	switch conf.Devices.Binding {
	case appconf.BindingDriver:
		ext.binder = &hostdev.SysfsBinder{Driver: conf.Devices.IsolationDriver}
	default:
		ext.binder = &hostdev.NodeBinder{HV: env.HV}
	}

	if len(conf.Devices.IDSTable) > 0 {
		if err := idsdb.Preload(conf.Devices.IDSTable); err != nil {
			log.Warnf("failed to load the PCI ids table from %s: %s", conf.Devices.IDSTable, err)
		}
	}

	return &ext
}

func (e *Extension) Register(r *Registry) {
	r.On(EventDeviceList, e.OnDeviceList)
	r.On(EventDeviceGet, e.OnDeviceGet)
	r.On(EventDeviceListAttached, e.OnDeviceListAttached)
	r.On(EventDevicePreAttach, e.OnDevicePreAttach)
	r.On(EventDevicePreDetach, e.OnDevicePreDetach)
	r.On(EventDomainPreStart, e.OnDomainPreStart)
	r.On(EventControllerClose, e.OnControllerClose)
}

// OnDeviceList enumerates the host visible PCI devices. Only the
// admin domain exposes PCI devices. Node devices outside the
// supported name grammar are skipped with a warning, once per
// unique name.
func (e *Extension) OnDeviceList(ctx context.Context, ev *Event) ([]Result, error) {
	if ev.Domain.ID() != hostdev.AdminDomainID {
		return nil, nil
	}

	names, err := e.env.HV.NodeDeviceNames(ctx, hostdev.DeviceClass)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(names))

	for _, name := range names {
		dev, err := hostdev.DeviceInfoFromNodeName(e.env, ev.Domain, name)
		if err != nil {
			if hostdev.IsUnsupportedDeviceError(err) {
				e.warnOnce(name)
				continue
			}
			return results, err
		}

		dev, err = hostdev.CachedDeviceInfo(e.env, ev.Domain, dev.Ident())
		if err != nil {
			return results, err
		}

		results = append(results, Result{Device: dev})
	}

	return results, nil
}

// OnDeviceGet resolves one device by its identifier.
func (e *Extension) OnDeviceGet(ctx context.Context, ev *Event) ([]Result, error) {
	if e.env.Registry.Offline() {
		return nil, nil
	}

	dev, err := hostdev.CachedDeviceInfo(e.env, ev.Domain, ev.Ident)
	if err != nil {
		return nil, err
	}

	return []Result{{Device: dev}}, nil
}

// OnDeviceListAttached yields one record per host device currently
// attached to the domain, read from its live XML descriptor.
func (e *Extension) OnDeviceListAttached(ctx context.Context, ev *Event) ([]Result, error) {
	if !ev.Domain.IsRunning() || ev.Domain.ID() == hostdev.AdminDomainID {
		return nil, nil
	}

	domXML, err := e.env.HV.DomainXML(ctx, ev.Domain.Name())
	if err != nil {
		return nil, err
	}

	addrs, err := hostdevAddresses(domXML)
	if err != nil {
		return nil, err
	}

	admin := e.env.Registry.AdminDomain()

	results := make([]Result, 0, len(addrs))

	for _, addr := range addrs {
		dev, err := hostdev.CachedDeviceInfo(e.env, admin, addr.Ident())
		if err != nil {
			return results, err
		}

		results = append(results, Result{Device: dev, Options: map[string]string{}})
	}

	return results, nil
}

// OnDevicePreAttach validates an attach request and, for a running
// domain, performs the live attach: isolation driver binding first,
// then the control plane attach call. A live attach failure is not
// an error at this point because the persisted assignment is already
// durable: the device will show up on the next domain restart.
func (e *Extension) OnDevicePreAttach(ctx context.Context, ev *Event) ([]Result, error) {
	addr, err := pci.AddressFromIdent(ev.Ident)
	if err != nil {
		return nil, err
	}

	if !pci.Exists(addr) {
		return nil, &hostdev.ConfigurationError{Reason: fmt.Sprintf("invalid PCI device: %s", ev.Ident)}
	}

	if ev.Domain.ID() == hostdev.AdminDomainID {
		return nil, &hostdev.ConfigurationError{Reason: "cannot attach PCI device to the admin domain"}
	}

	if ev.Domain.VirtMode() == "pvh" {
		return nil, &hostdev.ConfigurationError{Reason: fmt.Sprintf("cannot attach PCI device to %s in pvh mode", ev.Domain.Name())}
	}

	if !ev.Domain.IsRunning() {
		// deferred: the persisted assignment applies on the next start
		return nil, nil
	}

	dev, err := hostdev.CachedDeviceInfo(e.env, e.env.Registry.AdminDomain(), addr.Ident())
	if err != nil {
		return nil, err
	}

	if err := e.binder.Bind(ctx, dev); err != nil {
		return nil, err
	}

	devXML, err := hostdevXML(addr, ev.Options, e.powerMgmt())
	if err != nil {
		return nil, err
	}

	// the domain may have stopped while we were binding
	if !ev.Domain.IsRunning() {
		return nil, nil
	}

	if err := e.env.HV.AttachDevice(ctx, ev.Domain.Name(), devXML); err != nil {
		log.WithField("domain", ev.Domain.Name()).Warnf(
			"failed to attach PCI device %s on the fly, changes will be seen after restart: %s", dev.Ident(), err)
	}

	return nil, nil
}

// OnDevicePreDetach performs the live detach of a device from a
// running domain. Unlike the attach path, failures here are surfaced:
// leaving a device attached when its detach was requested breaks the
// isolation the caller asked for.
func (e *Extension) OnDevicePreDetach(ctx context.Context, ev *Event) ([]Result, error) {
	if !ev.Domain.IsRunning() {
		return nil, nil
	}

	dev, err := hostdev.CachedDeviceInfo(e.env, e.env.Registry.AdminDomain(), ev.Ident)
	if err != nil {
		return nil, err
	}

	logger := log.WithField("domain", ev.Domain.Name()).WithField("device", dev.Ident())

	slot, err := guestSlot(ctx, e.conf, ev.Domain, dev.Address())
	if err != nil {
		logger.Errorf("failed to detach PCI device: %s", err)
		return nil, err
	}

	if len(slot) == 0 {
		logger.Errorf("device already detached")
		return nil, nil
	}

	if err := guestDetach(ctx, e.conf, ev.Domain, slot); err != nil {
		logger.Errorf("failed to detach PCI device: %s", err)
		return nil, fmt.Errorf("detaching PCI device %s: %w", dev.Ident(), err)
	}

	devXML, err := hostdevXML(dev.Address(), nil, e.powerMgmt())
	if err != nil {
		return nil, err
	}

	// the domain may have stopped while the helpers ran
	if !ev.Domain.IsRunning() {
		return nil, nil
	}

	if err := e.env.HV.DetachDevice(ctx, ev.Domain.Name(), devXML); err != nil {
		logger.Errorf("failed to detach PCI device: %s", err)
		return nil, fmt.Errorf("detaching PCI device %s: %w", dev.Ident(), err)
	}

	return nil, nil
}

// OnDomainPreStart reconciles the isolation driver bindings before a
// domain boots: every persistently assigned device must exist in the
// live device tree and gets bound regardless of its prior state.
func (e *Extension) OnDomainPreStart(ctx context.Context, ev *Event) ([]Result, error) {
	assignments, err := e.env.Registry.Assignments(ev.Domain.Name())
	if err != nil {
		return nil, err
	}

	if len(assignments) == 0 {
		return nil, nil
	}

	// one parallel scan instead of a stat per assignment
	devices, err := pci.DeviceList()
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(devices))

	for _, d := range devices {
		present[d.Addr().Ident()] = struct{}{}
	}

	admin := e.env.Registry.AdminDomain()

	for _, a := range assignments {
		addr, err := a.Address()
		if err != nil {
			return nil, err
		}

		if _, ok := present[addr.Ident()]; !ok {
			return nil, &hostdev.ConfigurationError{Reason: fmt.Sprintf("assigned PCI device %s is not present", a.Port)}
		}

		dev, err := hostdev.CachedDeviceInfo(e.env, admin, addr.Ident())
		if err != nil {
			return nil, err
		}

		if err := e.binder.Bind(ctx, dev); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// OnControllerClose drops the process wide device cache.
func (e *Extension) OnControllerClose(ctx context.Context, ev *Event) ([]Result, error) {
	hostdev.FlushDeviceCache()

	return nil, nil
}

func (e *Extension) powerMgmt() bool {
	v, ok := e.env.Registry.AdminDomain().Feature(hostdev.FeatureSuspendS0ix)

	return ok && truthy(v)
}

func (e *Extension) warnOnce(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.warned[name]; ok {
		return
	}

	e.warned[name] = struct{}{}

	log.Warnf("unsupported device: %s", name)
}
