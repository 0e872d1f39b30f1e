package ar

// Multi-phase connect pipeline
//
// When no slot layout is known for a device, the connector first
// establishes a DAP-only AR (identity, interface and port submodules,
// no cyclic payload), reads RealIdentificationData to learn the
// plugged modules, releases, and only then performs the full connect
// with real IOCR and expected-submodule blocks. Discovered layouts
// are cached per device identity so later connects skip straight to
// the full phase.

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/logging"
	"github.com/openpnet/pnetctl/internal/rpc"
)

// DAP subslot numbers (slot 0).
const (
	dapSubslotIdentity  uint16 = 0x0001
	dapSubslotInterface uint16 = 0x8000
	dapSubslotPort      uint16 = 0x8001
)

// Timing carries the IOCR timing parameters for both directions.
type Timing struct {
	SendClockFactor uint16 // 31.25 us units
	ReductionRatio  uint16
	WatchdogFactor  uint16
	DataHoldFactor  uint16
}

// DefaultTiming is 32 x 31.25 us = 1 ms send clock.
func DefaultTiming() Timing {
	return Timing{SendClockFactor: 32, ReductionRatio: 32, WatchdogFactor: 3, DataHoldFactor: 3}
}

// ModuleProfile tells the connector how to treat a discovered module:
// which way its data flows and how wide its slot is on the wire.
// Unknown modules default to 5-byte sensor slots.
type ModuleProfile struct {
	Direction  cyclic.Direction
	DataLength uint16
}

// Connector drives the connect pipeline against the RPC client.
type Connector struct {
	client      *rpc.Client
	mgr         *Manager
	log         *logging.Logger
	localMAC    net.HardwareAddr
	stationName string
	timing      Timing

	mu       sync.Mutex
	layouts  map[string][]cyclic.SlotEntry
	profiles map[uint32]ModuleProfile
}

// NewConnector creates a connector sending from localMAC and naming
// itself stationName in AR block requests.
func NewConnector(client *rpc.Client, mgr *Manager, localMAC net.HardwareAddr, stationName string, timing Timing, log *logging.Logger) *Connector {
	return &Connector{
		client:      client,
		mgr:         mgr,
		log:         log,
		localMAC:    localMAC,
		stationName: stationName,
		timing:      timing,
		layouts:     make(map[string][]cyclic.SlotEntry),
		profiles:    make(map[uint32]ModuleProfile),
	}
}

// RegisterModuleProfile maps a module ident to its direction and slot
// width for layout construction.
func (c *Connector) RegisterModuleProfile(moduleIdent uint32, p ModuleProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[moduleIdent] = p
}

func layoutKey(a *AR) string {
	return fmt.Sprintf("%04X:%04X:%s", a.Device.VendorID, a.Device.DeviceID, a.Device.StationName)
}

func (c *Connector) cachedLayout(a *AR) []cyclic.SlotEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots, ok := c.layouts[layoutKey(a)]
	if !ok {
		return nil
	}
	return append([]cyclic.SlotEntry(nil), slots...)
}

func (c *Connector) cacheLayout(a *AR, slots []cyclic.SlotEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layouts[layoutKey(a)] = append([]cyclic.SlotEntry(nil), slots...)
}

// ForgetLayout drops the cached layout for a device, forcing the next
// connect through the discovery phases again.
func (c *Connector) ForgetLayout(a *AR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layouts, layoutKey(a))
}

// Connect runs the full pipeline for the station's AR: discover the
// slot layout if needed, connect, parameterize and bring the AR to
// run state. On failure the AR is aborted and scheduled for retry.
func (c *Connector) Connect(station string) error {
	a, err := c.mgr.Get(station)
	if err != nil {
		return err
	}
	if a.Connecting() {
		return errors.New(errors.KindAlreadyExists, "connect for %q already in flight", station)
	}
	if a.State != StateInit {
		return errors.New(errors.KindProtocol, "AR %s: connect in state %s", station, a.State)
	}
	if len(a.Device.Address) == 0 || a.Device.Address.IsUnspecified() {
		return errors.New(errors.KindInvalidParam, "device %q has no IP address; set one via DCP first", station)
	}

	a.SetConnecting(true)
	defer a.SetConnecting(false)

	if err := c.connect(a); err != nil {
		c.mgr.MarkFailed(station, err, time.Now())
		return err
	}
	return nil
}

func (c *Connector) connect(a *AR) error {
	slots := c.cachedLayout(a)
	if slots == nil {
		discovered, err := c.discoverLayout(a)
		if err != nil {
			return fmt.Errorf("layout discovery: %w", err)
		}
		c.cacheLayout(a, discovered)
		c.mgr.ReportSlots(a.Device.StationName, discovered)
		slots = discovered
	}

	if err := c.fullConnect(a, slots); err != nil {
		return err
	}
	return c.bringUp(a)
}

// discoverLayout is phases 2 and 3: DAP-only connect, record read of
// the real identification data, release.
func (c *Connector) discoverLayout(a *AR) ([]cyclic.SlotEntry, error) {
	dst := rpc.DeviceAddr(a.Device.Address)
	probe := newAR(a.Device, a.SessionKey, a.Watchdog)

	params := c.buildParams(probe, nil)
	result, err := c.client.Connect(dst, params)
	if err != nil {
		return nil, fmt.Errorf("DAP-only connect: %w", err)
	}

	data, readErr := c.client.ReadRecord(dst, result.ARUUID, rpc.RecordAddress{
		Slot:    0,
		Subslot: dapSubslotIdentity,
		Index:   rpc.IndexRealIdentificationData,
	}, rpc.MaxRecordDataLen)

	// Release regardless; the probe AR must not linger on the device.
	if err := c.client.Release(dst, result.ARUUID, result.SessionKey); err != nil && c.log != nil {
		c.log.Debug("probe release for %s: %v", a.Device.StationName, err)
	}

	if readErr != nil {
		return nil, fmt.Errorf("read real identification data: %w", readErr)
	}
	ident, err := rpc.ParseRealIdentificationData(data)
	if err != nil {
		return nil, err
	}
	return c.slotsFromIdent(ident), nil
}

// slotsFromIdent converts discovered modules to slot entries, skipping
// the DAP, which never carries cyclic data.
func (c *Connector) slotsFromIdent(ident []rpc.RealIdentSlot) []cyclic.SlotEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var slots []cyclic.SlotEntry
	for _, s := range ident {
		if s.Slot == 0 {
			continue
		}
		for _, sub := range s.Subslots {
			entry := cyclic.SlotEntry{
				Slot:           s.Slot,
				Subslot:        sub.Subslot,
				ModuleIdent:    s.ModuleIdent,
				SubmoduleIdent: sub.SubmoduleIdent,
				Direction:      cyclic.DirectionSensor,
				DataLength:     cyclic.SensorSlotWidth,
			}
			if p, ok := c.profiles[s.ModuleIdent]; ok {
				entry.Direction = p.Direction
				entry.DataLength = p.DataLength
			}
			slots = append(slots, entry)
		}
	}
	return slots
}

// fullConnect is phase 4. A rejected connect is retried once with the
// fix the error analysis suggests before giving up.
func (c *Connector) fullConnect(a *AR, slots []cyclic.SlotEntry) error {
	a.Slots = append([]cyclic.SlotEntry(nil), slots...)
	dst := rpc.DeviceAddr(a.Device.Address)
	now := time.Now()

	apply := func(fn func(*AR) error) error {
		return c.mgr.Apply(a.Device.StationName, fn)
	}

	params := c.buildParams(a, slots)
	if err := apply(func(a *AR) error { return a.markConnectRequested(now) }); err != nil {
		return err
	}

	// used tracks whichever parameter set the device accepted; IOCR
	// state below must come from it, not the first attempt.
	used := params
	result, err := c.client.Connect(dst, params)
	if err != nil {
		retryParams, ok := c.recoverParams(a, params, err)
		if !ok {
			return err
		}
		if result, err = c.client.Connect(dst, retryParams); err != nil {
			return err
		}
		used = retryParams
	}

	if result.ModuleDiff && c.log != nil {
		c.log.Info("device %s reports %d differing modules; continuing with its view",
			a.Device.StationName, result.ModuleDiffCount)
	}

	if err := apply(func(a *AR) error { return a.handleConnectConfirm(result, time.Now()) }); err != nil {
		return err
	}
	for i := range a.IOCRs {
		a.IOCRs[i].adopt(used.IOCRs[i])
	}
	return c.mgr.BindFrameIDs(a)
}

// recoverParams maps a connect rejection to a one-shot parameter fix.
func (c *Connector) recoverParams(a *AR, params rpc.ConnectParams, err error) (rpc.ConnectParams, bool) {
	var se *rpc.StatusError
	if !errors.As(err, &se) {
		return params, false
	}
	analysis := rpc.AnalyzeError(se.Status)
	if c.log != nil {
		c.log.Info("connect to %s rejected (%s in %s): retrying with %s",
			a.Device.StationName, analysis.Field, analysis.Block, analysis.Action)
	}

	switch analysis.Action {
	case rpc.RecoveryTryCaseFoldedName:
		params.InitiatorStationName = strings.ToLower(params.InitiatorStationName)
		return params, true
	case rpc.RecoveryRetryMinimalConfig:
		return c.buildParams(a, nil), true
	case rpc.RecoveryFixTiming:
		for i := range params.IOCRs {
			params.IOCRs[i].SendClockFactor = 32
			params.IOCRs[i].ReductionRatio = 32
			params.IOCRs[i].WatchdogFactor = 3
			params.IOCRs[i].DataHoldFactor = 3
		}
		return params, true
	case rpc.RecoveryRetryUnchanged:
		return params, true
	}
	return params, false
}

// bringUp walks the wire-silent parameter phase and completes the
// ApplicationReady exchange.
func (c *Connector) bringUp(a *AR) error {
	station := a.Device.StationName
	apply := func(fn func(*AR) error) error { return c.mgr.Apply(station, fn) }

	for i := 0; i < 2; i++ {
		if err := apply(func(a *AR) error {
			a.advanceParameterPhase()
			return nil
		}); err != nil {
			return err
		}
	}

	dst := rpc.DeviceAddr(a.Device.Address)
	_, err := c.client.Control(dst, rpc.ControlRequest{
		Command:    rpc.ControlApplicationReady,
		ARUUID:     a.UUID,
		SessionKey: a.SessionKey,
	})
	if err != nil {
		return fmt.Errorf("application ready: %w", err)
	}

	return apply(func(a *AR) error { return a.markRunning(time.Now()) })
}

// Disconnect releases the AR on the device (best effort) and removes
// it from the manager.
func (c *Connector) Disconnect(station string) error {
	a, err := c.mgr.Get(station)
	if err != nil {
		return err
	}
	if !a.State.Terminal() && a.State != StateInit && len(a.Device.Address) > 0 {
		if err := c.client.Release(rpc.DeviceAddr(a.Device.Address), a.UUID, a.SessionKey); err != nil && c.log != nil {
			c.log.Debug("release for %s: %v", station, err)
		}
	}
	return c.mgr.Delete(station)
}

// buildParams assembles connect parameters. With a nil slot list the
// request is DAP-only: identity, interface and port submodules, no
// cyclic payload. IOCR data lengths are padded to the wire minimum
// up front so the negotiated values and the AR buffers agree.
func (c *Connector) buildParams(a *AR, slots []cyclic.SlotEntry) rpc.ConnectParams {
	inputLen, inputObjs, inputStatus := iocrLayout(slots, cyclic.DirectionSensor)
	outputLen, outputObjs, outputStatus := iocrLayout(slots, cyclic.DirectionActuator)

	expected := []rpc.ExpectedSlot{{
		Slot:        0,
		ModuleIdent: dapModuleIdent,
		Submodules: []rpc.ExpectedSubmodule{
			{Subslot: dapSubslotIdentity, Ident: 0x00000001},
			{Subslot: dapSubslotInterface, Ident: 0x00008000},
			{Subslot: dapSubslotPort, Ident: 0x00008001},
		},
	}}
	expected = append(expected, expectedFromSlots(slots)...)

	return rpc.ConnectParams{
		ARUUID:                a.UUID,
		SessionKey:            a.SessionKey,
		InitiatorMAC:          c.localMAC,
		InitiatorObjectUUID:   c.client.ObjectUUID(),
		InitiatorStationName:  c.stationName,
		ActivityTimeoutFactor: uint16(a.Watchdog.Milliseconds() / 100),
		AlarmReference:        a.SessionKey,
		IOCRs: []rpc.IOCRParam{
			{
				Type:            rpc.IOCRTypeInput,
				Reference:       InputIOCRRef,
				FrameID:         0x8000,
				DataLength:      rpc.EffectiveIOCRDataLength(inputLen),
				SendClockFactor: c.timing.SendClockFactor,
				ReductionRatio:  c.timing.ReductionRatio,
				WatchdogFactor:  c.timing.WatchdogFactor,
				DataHoldFactor:  c.timing.DataHoldFactor,
				DataObjects:     inputObjs,
				StatusObjects:   inputStatus,
			},
			{
				Type:            rpc.IOCRTypeOutput,
				Reference:       OutputIOCRRef,
				FrameID:         0x8001,
				DataLength:      rpc.EffectiveIOCRDataLength(outputLen),
				SendClockFactor: c.timing.SendClockFactor,
				ReductionRatio:  c.timing.ReductionRatio,
				WatchdogFactor:  c.timing.WatchdogFactor,
				DataHoldFactor:  c.timing.DataHoldFactor,
				DataObjects:     outputObjs,
				StatusObjects:   outputStatus,
			},
		},
		Slots: expected,
	}
}

// dapModuleIdent is the conventional DAP module ident accepted by the
// devices this controller targets.
const dapModuleIdent uint32 = 0x00000010

// iocrLayout computes data length and object positions for one
// direction: data objects first, then the opposite-direction consumer
// status bytes.
func iocrLayout(slots []cyclic.SlotEntry, dir cyclic.Direction) (uint16, []rpc.IOCRObject, []rpc.IOCRObject) {
	var (
		offset uint16
		objs   []rpc.IOCRObject
		status []rpc.IOCRObject
	)
	for _, s := range slots {
		if s.Direction != dir {
			continue
		}
		objs = append(objs, rpc.IOCRObject{Slot: s.Slot, Subslot: s.Subslot, FrameOffset: offset})
		offset += s.DataLength
	}
	for _, s := range slots {
		if s.Direction == dir {
			continue
		}
		status = append(status, rpc.IOCRObject{Slot: s.Slot, Subslot: s.Subslot, FrameOffset: offset})
		offset++
	}
	return offset, objs, status
}

func expectedFromSlots(slots []cyclic.SlotEntry) []rpc.ExpectedSlot {
	bySlot := make(map[uint16]*rpc.ExpectedSlot)
	var order []uint16
	for _, s := range slots {
		e, ok := bySlot[s.Slot]
		if !ok {
			e = &rpc.ExpectedSlot{Slot: s.Slot, ModuleIdent: s.ModuleIdent}
			bySlot[s.Slot] = e
			order = append(order, s.Slot)
		}
		dir := rpc.DataDescriptionInput
		if s.Direction == cyclic.DirectionActuator {
			dir = rpc.DataDescriptionOutput
		}
		e.Submodules = append(e.Submodules, rpc.ExpectedSubmodule{
			Subslot:    s.Subslot,
			Ident:      s.SubmoduleIdent,
			Direction:  dir,
			DataLength: s.DataLength,
		})
	}
	out := make([]rpc.ExpectedSlot, 0, len(order))
	for _, slot := range order {
		out = append(out, *bySlot[slot])
	}
	return out
}
