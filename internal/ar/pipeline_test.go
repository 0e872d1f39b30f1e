package ar

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/rpc"
)

// fakeDevice answers context-manager calls like a two-module device.
// When failConnect is set, that connect call (1-based) is rejected
// with an expected-submodule fault.
type fakeDevice struct {
	t             *testing.T
	ident         []rpc.RealIdentSlot
	failConnect   int
	connectCount  int
	connectBodies [][]byte
	released      int
}

func appendBlock(buf []byte, blockType uint16, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, blockType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)+2))
	buf = append(buf, 0x01, 0x00)
	return append(buf, payload...)
}

func align4(buf []byte) []byte {
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func (d *fakeDevice) connectResponse(reqBody []byte) []byte {
	// AR UUID and session key ride at fixed offsets in the AR block
	var aruuid [16]byte
	copy(aruuid[:], reqBody[8:24])
	sessionKey := binary.BigEndian.Uint16(reqBody[24:26])

	mac, _ := net.ParseMAC("aa:bb:cc:00:01:02")

	body := binary.BigEndian.AppendUint32(nil, 0) // PNIO status OK

	arPayload := binary.BigEndian.AppendUint16(nil, 0x0001)
	arPayload = append(arPayload, aruuid[:]...)
	arPayload = binary.BigEndian.AppendUint16(arPayload, sessionKey)
	arPayload = append(arPayload, mac...)
	arPayload = binary.BigEndian.AppendUint16(arPayload, 0x8892)
	body = align4(appendBlock(body, rpc.BlockTypeARBlockRes, arPayload))

	for ref, frameID := range map[uint16]uint16{InputIOCRRef: 0x8000, OutputIOCRRef: 0x8001} {
		p := binary.BigEndian.AppendUint16(nil, 0)
		p = binary.BigEndian.AppendUint16(p, ref)
		p = binary.BigEndian.AppendUint16(p, frameID)
		body = align4(appendBlock(body, rpc.BlockTypeIOCRBlockRes, p))
	}

	alarmPayload := binary.BigEndian.AppendUint16(nil, 0x0001)
	alarmPayload = binary.BigEndian.AppendUint16(alarmPayload, 3)
	body = align4(appendBlock(body, rpc.BlockTypeAlarmCRBlockRes, alarmPayload))

	return body
}

func (d *fakeDevice) readResponse(reqBody []byte) []byte {
	data := rpc.BuildRealIdentificationData(d.ident)

	body := binary.BigEndian.AppendUint32(nil, 0)
	start := len(body)
	hdr := binary.BigEndian.AppendUint16(nil, 1) // seq
	hdr = append(hdr, reqBody[8:24]...)          // echo AR UUID
	hdr = append(hdr, reqBody[24:36]...)         // api/slot/subslot/pad/index
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(data)))
	body = appendBlock(body, rpc.BlockTypeIODReadRes, hdr)
	for len(body)-start < 64 {
		body = append(body, 0)
	}
	return append(body, data...)
}

func controlResponse(reqBody []byte, blockType, bits uint16) []byte {
	body := binary.BigEndian.AppendUint32(nil, 0)
	p := binary.BigEndian.AppendUint16(nil, 0)
	p = append(p, reqBody[8:24]...) // AR UUID
	p = append(p, reqBody[24:26]...)
	p = binary.BigEndian.AppendUint16(p, 0)
	p = binary.BigEndian.AppendUint16(p, bits|0x0008) // done
	p = binary.BigEndian.AppendUint16(p, 0)
	return appendBlock(body, blockType, p)
}

func (d *fakeDevice) Call(dst *net.UDPAddr, hdr rpc.Header, body []byte, timeout time.Duration) (rpc.Header, []byte, error) {
	resp := hdr
	resp.PType = rpc.PTypeResponse
	switch hdr.Opnum {
	case rpc.OpnumConnect:
		d.connectCount++
		d.connectBodies = append(d.connectBodies, append([]byte(nil), body...))
		if d.connectCount == d.failConnect {
			return resp, binary.BigEndian.AppendUint32(nil, 0xDB810300), nil
		}
		return resp, d.connectResponse(body), nil
	case rpc.OpnumRead:
		return resp, d.readResponse(body), nil
	case rpc.OpnumRelease:
		d.released++
		return resp, controlResponse(body, rpc.BlockTypeControlReleaseRes, 0x0004), nil
	case rpc.OpnumControl:
		return resp, controlResponse(body, rpc.BlockTypeControlAppReadyRes, 0x0002), nil
	}
	d.t.Fatalf("unexpected opnum %d", hdr.Opnum)
	return resp, nil, nil
}

func (d *fakeDevice) Close() error { return nil }

// expectedSlotNumbers walks a connect request body to the expected-
// submodule block and returns its (slot, module ident) pairs.
func expectedSlotNumbers(t *testing.T, body []byte) [][2]uint32 {
	t.Helper()
	off := 0
	for off+6 <= len(body) {
		blockType := binary.BigEndian.Uint16(body[off:])
		blockLen := int(binary.BigEndian.Uint16(body[off+2:]))
		payload := body[off+6 : off+4+blockLen]
		if blockType == rpc.BlockTypeExpectedSubmodule {
			var out [][2]uint32
			count := int(binary.BigEndian.Uint16(payload))
			p := 2
			for i := 0; i < count; i++ {
				slot := binary.BigEndian.Uint16(payload[p+4:])
				ident := binary.BigEndian.Uint32(payload[p+6:])
				subCount := int(binary.BigEndian.Uint16(payload[p+12:]))
				p += 14
				for j := 0; j < subCount; j++ {
					p += 8
					// DAP submodules carry no data description
					if slot != 0 {
						p += 6
					}
				}
				out = append(out, [2]uint32{uint32(slot), ident})
			}
			return out
		}
		off += 4 + blockLen
	}
	t.Fatal("no expected-submodule block in connect request")
	return nil
}

func newPipeline(t *testing.T, dev *fakeDevice) (*Connector, *Manager) {
	t.Helper()
	mgr := NewManager(4, nil)
	client := rpc.NewClient(dev, 1, 0x0301, 0x002A, rpc.DefaultTimeouts(), nil)
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	return NewConnector(client, mgr, mac, "controller", DefaultTiming(), nil), mgr
}

func TestDiscoveryPipeline(t *testing.T) {
	dev := &fakeDevice{
		t: t,
		ident: []rpc.RealIdentSlot{
			{Slot: 0, ModuleIdent: 0x10, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x11}}},
			{Slot: 1, ModuleIdent: 0x20, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x21}}},
			{Slot: 2, ModuleIdent: 0x30, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x31}}},
		},
	}
	c, mgr := newPipeline(t, dev)
	c.RegisterModuleProfile(0x30, ModuleProfile{Direction: cyclic.DirectionActuator, DataLength: 4})

	a, err := mgr.Create(testDevice("rtu-01"), 3*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Connect("rtu-01"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if dev.connectCount != 2 {
		t.Fatalf("connect calls: got %d, want DAP-only then full", dev.connectCount)
	}
	if dev.released != 1 {
		t.Errorf("probe releases: got %d, want 1", dev.released)
	}

	// DAP-only probe carries just slot 0
	probe := expectedSlotNumbers(t, dev.connectBodies[0])
	if len(probe) != 1 || probe[0][0] != 0 {
		t.Errorf("probe expected slots: got %v", probe)
	}

	// Full connect lists the discovered modules in slot order
	full := expectedSlotNumbers(t, dev.connectBodies[1])
	want := [][2]uint32{{0, dapModuleIdent}, {1, 0x20}, {2, 0x30}}
	if len(full) != len(want) {
		t.Fatalf("full expected slots: got %v, want %v", full, want)
	}
	for i := range want {
		if full[i] != want[i] {
			t.Errorf("slot %d: got %v, want %v", i, full[i], want[i])
		}
	}

	if a.State != StateRun {
		t.Errorf("AR state: got %s, want Run", a.State)
	}
	if a.Input().FrameID != 0x8000 || a.Output().FrameID != 0x8001 {
		t.Errorf("frame IDs: got 0x%04X/0x%04X", a.Input().FrameID, a.Output().FrameID)
	}

	// One 5-byte sensor plus one status byte is 6, so both IOCRs are
	// padded to the 40-byte wire minimum; buffers follow the
	// negotiated length, never the raw slot sum.
	if a.Input().DataLength != rpc.MinIOCRDataLength || a.Output().DataLength != rpc.MinIOCRDataLength {
		t.Errorf("IOCR data lengths: got %d/%d, want %d", a.Input().DataLength, a.Output().DataLength, rpc.MinIOCRDataLength)
	}
	if len(a.Input().Buffer) != int(a.Input().DataLength) || len(a.Output().Buffer) != int(a.Output().DataLength) {
		t.Errorf("buffers: got %d/%d bytes, want %d/%d",
			len(a.Input().Buffer), len(a.Output().Buffer), a.Input().DataLength, a.Output().DataLength)
	}
	if a.Input().SendClockFactor != 32 || a.Input().ReductionRatio != 32 {
		t.Errorf("input timing: got %d/%d, want 32/32", a.Input().SendClockFactor, a.Input().ReductionRatio)
	}

	// Discovered layout: slot 1 sensor, slot 2 actuator
	if len(a.Slots) != 2 {
		t.Fatalf("slots: got %+v", a.Slots)
	}
	if a.Slots[0].Direction != cyclic.DirectionSensor || a.Slots[1].Direction != cyclic.DirectionActuator {
		t.Errorf("slot directions: got %+v", a.Slots)
	}

	// Events: state changes plus the discovered slot list
	var sawSlots bool
	for _, ev := range mgr.Process(time.Now()) {
		if ev.Type == EventSlotsDiscovered && len(ev.Slots) == 2 {
			sawSlots = true
		}
	}
	if !sawSlots {
		t.Error("pipeline must report discovered slots")
	}
}

func TestPipelineSkipsDiscoveryWithCachedLayout(t *testing.T) {
	dev := &fakeDevice{
		t: t,
		ident: []rpc.RealIdentSlot{
			{Slot: 1, ModuleIdent: 0x20, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x21}}},
		},
	}
	c, mgr := newPipeline(t, dev)

	mgr.Create(testDevice("rtu-01"), 3*time.Second)
	if err := c.Connect("rtu-01"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	first := dev.connectCount

	c.Disconnect("rtu-01")
	mgr.Create(testDevice("rtu-01"), 3*time.Second)
	if err := c.Connect("rtu-01"); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if got := dev.connectCount - first; got != 1 {
		t.Errorf("second connect calls: got %d, want 1 (layout cached)", got)
	}
}

func TestRetrySizesBuffersFromAcceptedParams(t *testing.T) {
	// Nine 5-byte sensors need a 45-byte input C_SDU, above the wire
	// minimum. The device rejects the full connect, so the
	// minimal-config retry wins with the 40-byte minimum instead.
	ident := []rpc.RealIdentSlot{
		{Slot: 0, ModuleIdent: 0x10, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x11}}},
	}
	for s := uint16(1); s <= 9; s++ {
		ident = append(ident, rpc.RealIdentSlot{
			Slot: s, ModuleIdent: 0x20,
			Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x21}},
		})
	}
	dev := &fakeDevice{t: t, ident: ident, failConnect: 2}
	c, mgr := newPipeline(t, dev)

	a, err := mgr.Create(testDevice("rtu-01"), 3*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Connect("rtu-01"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if dev.connectCount != 3 {
		t.Fatalf("connect calls: got %d, want probe, rejected full, accepted retry", dev.connectCount)
	}

	if a.Input().DataLength != rpc.MinIOCRDataLength {
		t.Errorf("input data length: got %d from the rejected parameters, want %d", a.Input().DataLength, rpc.MinIOCRDataLength)
	}
	if got := len(a.Input().Buffer); got != int(rpc.MinIOCRDataLength) {
		t.Errorf("input buffer: got %d bytes, want %d", got, rpc.MinIOCRDataLength)
	}
	if a.State != StateRun {
		t.Errorf("AR state: got %s, want Run", a.State)
	}
}

func TestConnectRequiresDeviceIP(t *testing.T) {
	dev := &fakeDevice{t: t}
	c, mgr := newPipeline(t, dev)

	device := testDevice("rtu-01")
	device.Address = nil
	mgr.Create(device, time.Second)

	if err := c.Connect("rtu-01"); !errors.Is(err, errors.KindInvalidParam) {
		t.Errorf("connect without IP: got %v, want InvalidParam", err)
	}
}

func TestConnectFailureSchedulesRetry(t *testing.T) {
	dev := &failingDevice{}
	mgr := NewManager(4, nil)
	client := rpc.NewClient(dev, 1, 0x0301, 0x002A, rpc.DefaultTimeouts(), nil)
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	c := NewConnector(client, mgr, mac, "controller", DefaultTiming(), nil)

	a, _ := mgr.Create(testDevice("rtu-01"), time.Second)
	if err := c.Connect("rtu-01"); err == nil {
		t.Fatal("connect against dead device must fail")
	}
	if a.State != StateAbort || a.RetryCount != 1 {
		t.Errorf("after failure: state %s, retries %d", a.State, a.RetryCount)
	}
}

// failingDevice times out every call.
type failingDevice struct{}

func (d *failingDevice) Call(dst *net.UDPAddr, hdr rpc.Header, body []byte, timeout time.Duration) (rpc.Header, []byte, error) {
	return rpc.Header{}, nil, errors.New(errors.KindTimeout, "no response")
}

func (d *failingDevice) Close() error { return nil }
