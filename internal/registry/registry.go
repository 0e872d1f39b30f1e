package registry

// Registry callback boundary
//
// The controller core pushes device and data updates outward through
// this interface; it never reads back except to avoid duplicate
// auto-connects. Implementations must not call back into the
// controller from these methods.

import (
	"sync"

	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/logging"
)

// Registry receives controller-side observations.
type Registry interface {
	OnDeviceAdded(identity dcp.DeviceIdentity)
	OnDeviceRemoved(station string)
	OnDeviceStateChanged(station string, state string)
	OnDataReceived(station string, sensorIndex int, raw []byte)
	OnSlotsDiscovered(station string, slots []cyclic.SlotEntry)

	// Known reports whether the registry already tracks the station,
	// so the controller skips duplicate auto-connects.
	Known(station string) bool
}

// LogRegistry logs events and remembers known stations; the default
// when no broker is configured.
type LogRegistry struct {
	log   *logging.Logger
	mu    sync.Mutex
	known map[string]bool
}

// NewLogRegistry creates a registry that only logs.
func NewLogRegistry(log *logging.Logger) *LogRegistry {
	return &LogRegistry{log: log, known: make(map[string]bool)}
}

func (r *LogRegistry) OnDeviceAdded(identity dcp.DeviceIdentity) {
	r.mu.Lock()
	r.known[identity.StationName] = true
	r.mu.Unlock()
	if r.log != nil {
		r.log.Info("device %s at %s (%s)", identity.StationName, identity.Address, identity.MAC)
	}
}

func (r *LogRegistry) OnDeviceRemoved(station string) {
	r.mu.Lock()
	delete(r.known, station)
	r.mu.Unlock()
	if r.log != nil {
		r.log.Info("device %s removed", station)
	}
}

func (r *LogRegistry) OnDeviceStateChanged(station string, state string) {
	if r.log != nil {
		r.log.Verbose("device %s is now %s", station, state)
	}
}

func (r *LogRegistry) OnDataReceived(station string, sensorIndex int, raw []byte) {
	if r.log != nil {
		r.log.Debug("data from %s sensor %d: % X", station, sensorIndex, raw)
	}
}

func (r *LogRegistry) OnSlotsDiscovered(station string, slots []cyclic.SlotEntry) {
	if r.log != nil {
		r.log.Info("device %s reports %d slots", station, len(slots))
	}
}

func (r *LogRegistry) Known(station string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[station]
}
