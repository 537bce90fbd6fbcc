// Package ext implements the device assignment extension of the
// host controller: the PCI event handlers and the in-process event
// dispatch they are driven by.
package ext

import (
	"context"

	"github.com/hvctl/hostdev/hostdev"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event names the extension subscribes to.
const (
	EventDeviceList         = "device-list:pci"
	EventDeviceGet          = "device-get:pci"
	EventDeviceListAttached = "device-list-attached:pci"
	EventDevicePreAttach    = "device-pre-attach:pci"
	EventDevicePreDetach    = "device-pre-detach:pci"
	EventDomainPreStart     = "domain-pre-start"
	EventControllerClose    = "controller-close"
)

// Event is one controller event: the name it fired under, the domain
// it fired on and the event specific payload.
type Event struct {
	Name   string
	Domain hostdev.Domain

	// Device identifier, for the per-device events
	Ident string

	// Free-form device options, for the attach events
	Options map[string]string
}

// Result is one record produced by a handler.
type Result struct {
	Device  *hostdev.DeviceInfo
	Options map[string]string
}

// HandlerFunc is an event handler producing zero or more results in
// order. All consumers drain the returned slice fully.
type HandlerFunc func(ctx context.Context, ev *Event) ([]Result, error)

// Registry keeps the handlers subscribed to each event name.
type Registry struct {
	handlers map[string][]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]HandlerFunc)}
}

func (r *Registry) On(name string, fn HandlerFunc) {
	r.handlers[name] = append(r.handlers[name], fn)
}

// Fire invokes the handlers subscribed to the event name, in
// registration order, and concatenates their results. The first
// handler error stops the dispatch and is returned to the caller.
//
// Each fire gets its own id so the log lines of one event can be
// told apart under interleaving.
func (r *Registry) Fire(ctx context.Context, ev *Event) ([]Result, error) {
	logger := log.WithField("event", ev.Name).WithField("fire-id", uuid.New().String())

	var results []Result

	for _, fn := range r.handlers[ev.Name] {
		rr, err := fn(ctx, ev)
		if err != nil {
			logger.Errorf("handler failed: %s", err)
			return results, err
		}

		results = append(results, rr...)
	}

	return results, nil
}
