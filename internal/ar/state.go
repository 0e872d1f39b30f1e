package ar

// Application relationship state machine
//
// Init -> ConnectReq -> ConnectCnf -> PrmServer -> Ready -> Run, with
// Close and Abort reachable from any non-terminal state. Close and
// Abort end the AR instance; retrying means creating a fresh AR. The
// parameter-server phase carries no wire traffic and advances on the
// next manager tick (devices parameterize through the expected-
// submodule block sent with the connect request).

import (
	"sync/atomic"
	"time"

	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/rpc"
)

// State is an AR's position in its lifecycle.
type State uint8

const (
	StateInit State = iota
	StateConnectReq
	StateConnectCnf
	StatePrmServer
	StateReady
	StateRun
	StateClose
	StateAbort
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConnectReq:
		return "ConnectReq"
	case StateConnectCnf:
		return "ConnectCnf"
	case StatePrmServer:
		return "PrmServer"
	case StateReady:
		return "Ready"
	case StateRun:
		return "Run"
	case StateClose:
		return "Close"
	case StateAbort:
		return "Abort"
	}
	return "Invalid"
}

// Terminal reports whether the AR instance is finished.
func (s State) Terminal() bool {
	return s == StateClose || s == StateAbort
}

// IOCR reference numbers; fixed because every AR carries exactly one
// input and one output relationship.
const (
	InputIOCRRef  uint16 = 1
	OutputIOCRRef uint16 = 2
)

// IOCR is one direction of cyclic data within an AR. The buffer is
// allocated at connect time from the negotiated DataLength (the
// C_SDU size on the wire, never the raw slot sum) and lent to the
// cyclic engine while the AR runs.
type IOCR struct {
	Type            uint16 // rpc.IOCRTypeInput or rpc.IOCRTypeOutput
	Reference       uint16
	FrameID         uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	WatchdogFactor  uint16
	DataHoldFactor  uint16
	DataLength      uint16
	Buffer          []byte
}

// adopt takes over the parameters the device accepted and sizes the
// buffer to match.
func (io *IOCR) adopt(p rpc.IOCRParam) {
	io.SendClockFactor = p.SendClockFactor
	io.ReductionRatio = p.ReductionRatio
	io.WatchdogFactor = p.WatchdogFactor
	io.DataHoldFactor = p.DataHoldFactor
	io.DataLength = p.DataLength
	io.Buffer = make([]byte, p.DataLength)
}

// AR is one application relationship to one device. All mutation goes
// through the manager's lock except the connecting flag, which the
// cyclic loop reads without it.
type AR struct {
	UUID         [16]byte
	SessionKey   uint16
	State        State
	Device       dcp.DeviceIdentity
	Watchdog     time.Duration
	LastActivity time.Time
	RetryCount   int
	LastError    error
	IOCRs        [2]IOCR
	Slots        []cyclic.SlotEntry
	AlarmRef     uint16

	nextRetry  time.Time
	connecting atomic.Bool
}

func newAR(device dcp.DeviceIdentity, sessionKey uint16, watchdog time.Duration) *AR {
	a := &AR{
		UUID:       rpc.NewARUUID(),
		SessionKey: sessionKey,
		State:      StateInit,
		Device:     device,
		Watchdog:   watchdog,
	}
	a.IOCRs[0] = IOCR{Type: rpc.IOCRTypeInput, Reference: InputIOCRRef}
	a.IOCRs[1] = IOCR{Type: rpc.IOCRTypeOutput, Reference: OutputIOCRRef}
	return a
}

// Input returns the device-to-controller IOCR.
func (a *AR) Input() *IOCR { return &a.IOCRs[0] }

// Output returns the controller-to-device IOCR.
func (a *AR) Output() *IOCR { return &a.IOCRs[1] }

// Connecting reports whether a connect pipeline is mid-flight for
// this AR. The cyclic loop skips connecting ARs.
func (a *AR) Connecting() bool { return a.connecting.Load() }

// SetConnecting marks the AR as owned by an in-flight connect.
func (a *AR) SetConnecting(v bool) { a.connecting.Store(v) }

// Touch records cyclic or protocol activity for watchdog purposes.
func (a *AR) Touch(now time.Time) { a.LastActivity = now }

func (a *AR) markConnectRequested(now time.Time) error {
	if a.State != StateInit {
		return errors.New(errors.KindProtocol, "AR %s: connect request in state %s", a.Device.StationName, a.State)
	}
	a.State = StateConnectReq
	a.LastActivity = now
	return nil
}

// handleConnectConfirm applies a validated connect response. Called
// without a prior connect request it returns a typed error and leaves
// the AR unchanged.
func (a *AR) handleConnectConfirm(result rpc.ConnectResult, now time.Time) error {
	if a.State != StateConnectReq {
		return errors.New(errors.KindProtocol, "AR %s: connect confirm in state %s", a.Device.StationName, a.State)
	}
	if result.ARUUID != a.UUID {
		return errors.New(errors.KindProtocol, "AR %s: confirm carries foreign AR UUID", a.Device.StationName)
	}
	for i := range a.IOCRs {
		iocr := &a.IOCRs[i]
		id, ok := result.FrameIDs[iocr.Reference]
		if !ok {
			return errors.New(errors.KindProtocol, "AR %s: no frame ID assigned for IOCR %d", a.Device.StationName, iocr.Reference)
		}
		iocr.FrameID = id
	}
	a.SessionKey = result.SessionKey
	a.AlarmRef = result.AlarmReference
	a.State = StateConnectCnf
	a.LastActivity = now
	return nil
}

// advanceParameterPhase steps through the wire-silent parameterization
// states, one per call.
func (a *AR) advanceParameterPhase() (advanced bool) {
	switch a.State {
	case StateConnectCnf:
		a.State = StatePrmServer
	case StatePrmServer:
		a.State = StateReady
	default:
		return false
	}
	return true
}

func (a *AR) markRunning(now time.Time) error {
	if a.State != StateReady {
		return errors.New(errors.KindProtocol, "AR %s: run transition in state %s", a.Device.StationName, a.State)
	}
	a.State = StateRun
	a.LastActivity = now
	return nil
}

// abort ends the AR after a protocol failure or watchdog expiry.
// No-op on an already terminal AR.
func (a *AR) abort(err error) {
	if a.State.Terminal() {
		return
	}
	a.State = StateAbort
	a.LastError = err
}

// close ends the AR after an explicit disconnect.
func (a *AR) close() {
	if a.State.Terminal() {
		return
	}
	a.State = StateClose
}

// watchdogExpired reports whether a Run AR has gone silent longer
// than its watchdog allows.
func (a *AR) watchdogExpired(now time.Time) bool {
	return a.State == StateRun && now.Sub(a.LastActivity) > a.Watchdog
}
