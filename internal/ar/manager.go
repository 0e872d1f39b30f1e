package ar

// Manager owns the AR table. Side effects of state transitions are
// reported as events drained from Process, so callers dispatch
// registry callbacks without holding the manager lock.

import (
	"sync"
	"time"

	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/logging"
)

// Retry policy for aborted ARs.
const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
	maxRetries     = 5
)

// DefaultMaxARs bounds the AR table.
const DefaultMaxARs = 64

// EventType discriminates manager events.
type EventType uint8

const (
	EventStateChanged EventType = iota
	EventDeviceRemoved
	EventSlotsDiscovered
)

// Event is one observable side effect of AR processing.
type Event struct {
	Type    EventType
	Station string
	Old     State
	New     State
	Slots   []cyclic.SlotEntry
}

// Manager is the mutex-guarded AR table plus its event queue.
type Manager struct {
	mu         sync.Mutex
	log        *logging.Logger
	max        int
	ars        map[string]*AR
	byFrameID  map[uint16]*AR
	events     []Event
	sessionKey uint16
}

// NewManager creates a manager holding at most max ARs.
func NewManager(max int, log *logging.Logger) *Manager {
	if max <= 0 {
		max = DefaultMaxARs
	}
	return &Manager{
		log:       log,
		max:       max,
		ars:       make(map[string]*AR),
		byFrameID: make(map[uint16]*AR),
	}
}

// Create registers a fresh AR for the device's station name.
func (m *Manager) Create(device dcp.DeviceIdentity, watchdog time.Duration) (*AR, error) {
	if device.StationName == "" {
		return nil, errors.New(errors.KindInvalidParam, "create AR: empty station name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ars[device.StationName]; ok {
		return nil, errors.New(errors.KindAlreadyExists, "AR for %q already exists", device.StationName)
	}
	if len(m.ars) >= m.max {
		return nil, errors.New(errors.KindFull, "AR table full (%d entries)", m.max)
	}

	m.sessionKey++
	a := newAR(device.Clone(), m.sessionKey, watchdog)
	m.ars[device.StationName] = a
	return a, nil
}

// Delete removes an AR and unbinds its frame IDs. Emits DeviceRemoved.
func (m *Manager) Delete(station string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(station)
}

func (m *Manager) deleteLocked(station string) error {
	a, ok := m.ars[station]
	if !ok {
		return errors.New(errors.KindNotFound, "no AR for %q", station)
	}
	a.close()
	m.unbindFrameIDsLocked(a)
	delete(m.ars, station)
	m.events = append(m.events, Event{Type: EventDeviceRemoved, Station: station})
	return nil
}

// Get looks up an AR by station name.
func (m *Manager) Get(station string) (*AR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ars[station]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no AR for %q", station)
	}
	return a, nil
}

// GetByFrameID resolves a cyclic frame ID to its AR.
func (m *Manager) GetByFrameID(id uint16) (*AR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byFrameID[id]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no AR owns frame ID 0x%04X", id)
	}
	return a, nil
}

// Stations lists registered station names.
func (m *Manager) Stations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.ars))
	for name := range m.ars {
		names = append(names, name)
	}
	return names
}

// BindFrameIDs indexes the AR's assigned frame IDs for receive-path
// dispatch. Call after a successful connect confirm.
func (m *Manager) BindFrameIDs(a *AR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range a.IOCRs {
		id := a.IOCRs[i].FrameID
		if id == 0 {
			return errors.New(errors.KindInvalidParam, "AR %s: IOCR %d has no frame ID", a.Device.StationName, a.IOCRs[i].Reference)
		}
		if other, ok := m.byFrameID[id]; ok && other != a {
			return errors.New(errors.KindAlreadyExists, "frame ID 0x%04X already bound to %q", id, other.Device.StationName)
		}
		m.byFrameID[id] = a
	}
	return nil
}

func (m *Manager) unbindFrameIDsLocked(a *AR) {
	for i := range a.IOCRs {
		if id := a.IOCRs[i].FrameID; id != 0 && m.byFrameID[id] == a {
			delete(m.byFrameID, id)
		}
	}
}

// recordTransition queues a StateChanged event if old differs from the
// AR's current state. Callers hold the lock.
func (m *Manager) recordTransitionLocked(a *AR, old State) {
	if a.State == old {
		return
	}
	if m.log != nil {
		m.log.Debug("AR %s: %s -> %s", a.Device.StationName, old, a.State)
	}
	m.events = append(m.events, Event{
		Type:    EventStateChanged,
		Station: a.Device.StationName,
		Old:     old,
		New:     a.State,
	})
}

// Apply runs fn on the named AR under the manager lock and queues a
// StateChanged event for any transition fn causes.
func (m *Manager) Apply(station string, fn func(*AR) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ars[station]
	if !ok {
		return errors.New(errors.KindNotFound, "no AR for %q", station)
	}
	old := a.State
	err := fn(a)
	m.recordTransitionLocked(a, old)
	return err
}

// ReportSlots queues a SlotsDiscovered event for the station.
func (m *Manager) ReportSlots(station string, slots []cyclic.SlotEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Type:    EventSlotsDiscovered,
		Station: station,
		Slots:   append([]cyclic.SlotEntry(nil), slots...),
	})
}

// Process advances all state machines one tick, runs watchdog checks
// and drains the accumulated events.
func (m *Manager) Process(now time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.ars {
		if a.Connecting() {
			continue
		}
		old := a.State
		if a.advanceParameterPhase() {
			m.recordTransitionLocked(a, old)
			continue
		}
		if a.watchdogExpired(now) {
			a.abort(errors.New(errors.KindTimeout, "watchdog: no cyclic activity within %s", a.Watchdog))
			m.scheduleRetryLocked(a, now)
			m.unbindFrameIDsLocked(a)
			m.recordTransitionLocked(a, old)
		}
	}

	events := m.events
	m.events = nil
	return events
}

// MarkFailed aborts the AR after a connect or protocol failure and
// schedules the next retry.
func (m *Manager) MarkFailed(station string, cause error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ars[station]
	if !ok {
		return
	}
	old := a.State
	a.abort(cause)
	m.scheduleRetryLocked(a, now)
	m.unbindFrameIDsLocked(a)
	m.recordTransitionLocked(a, old)
}

func (m *Manager) scheduleRetryLocked(a *AR, now time.Time) {
	a.RetryCount++
	a.nextRetry = now.Add(retryDelay(a.RetryCount))
}

// retryDelay doubles from the base per attempt, capped.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// CheckHealth returns stations whose aborted AR is due for another
// connect attempt, replacing each with a fresh Init AR that inherits
// the retry count. ARs past the retry limit are dropped.
func (m *Manager) CheckHealth(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for station, a := range m.ars {
		if a.State != StateAbort || a.Connecting() {
			continue
		}
		if a.RetryCount > maxRetries {
			if m.log != nil {
				m.log.Info("AR %s: giving up after %d failed attempts: %v", station, a.RetryCount, a.LastError)
			}
			m.deleteLocked(station)
			continue
		}
		if now.Before(a.nextRetry) {
			continue
		}

		m.sessionKey++
		fresh := newAR(a.Device, m.sessionKey, a.Watchdog)
		fresh.RetryCount = a.RetryCount
		fresh.LastError = a.LastError
		m.unbindFrameIDsLocked(a)
		m.ars[station] = fresh
		due = append(due, station)
	}
	return due
}
