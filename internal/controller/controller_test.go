package controller

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openpnet/pnetctl/internal/ar"
	"github.com/openpnet/pnetctl/internal/config"
	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
	"github.com/openpnet/pnetctl/internal/metrics"
	"github.com/openpnet/pnetctl/internal/rpc"
)

var (
	controllerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	deviceMAC     = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x01, 0x02}
)

// fakeSocket is an in-memory raw Ethernet link.
type fakeSocket struct {
	mu    sync.Mutex
	inbox chan []byte
	sent  [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbox: make(chan []byte, 16)}
}

func (s *fakeSocket) SendFrame(data []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Recv() ([]byte, error) {
	select {
	case f := <-s.inbox:
		return f, nil
	case <-time.After(2 * time.Millisecond):
		return nil, errors.New(errors.KindTimeout, "poll timeout")
	}
}

func (s *fakeSocket) Close() error { return nil }

// sentWithFrameID returns transmitted frames carrying the frame ID.
func (s *fakeSocket) sentWithFrameID(id uint16) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, f := range s.sent {
		if len(f) >= 16 && binary.BigEndian.Uint16(f[12:14]) == frame.EtherTypePROFINET &&
			binary.BigEndian.Uint16(f[14:16]) == id {
			out = append(out, f)
		}
	}
	return out
}

// recordingRegistry captures every callback for later assertion.
type recordingRegistry struct {
	mu     sync.Mutex
	added  []string
	states map[string][]string
	slots  map[string]int
	data   map[string][][]byte
	known  map[string]bool
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{
		states: make(map[string][]string),
		slots:  make(map[string]int),
		data:   make(map[string][][]byte),
		known:  make(map[string]bool),
	}
}

func (r *recordingRegistry) OnDeviceAdded(identity dcp.DeviceIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, identity.StationName)
	r.known[identity.StationName] = true
}

func (r *recordingRegistry) OnDeviceRemoved(station string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.known, station)
}

func (r *recordingRegistry) OnDeviceStateChanged(station, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[station] = append(r.states[station], state)
}

func (r *recordingRegistry) OnDataReceived(station string, sensorIndex int, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[station] = append(r.data[station], append([]byte(nil), raw...))
}

func (r *recordingRegistry) OnSlotsDiscovered(station string, slots []cyclic.SlotEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[station] = len(slots)
}

func (r *recordingRegistry) Known(station string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[station]
}

func (r *recordingRegistry) dataCount(station string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data[station])
}

// fakeRTU answers context-manager calls like a two-module device.
// readStatus, when non-zero, makes record reads fail with that PNIO
// status.
type fakeRTU struct {
	t          *testing.T
	readStatus uint32

	mu            sync.Mutex
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

func (d *fakeRTU) connectResponse(reqBody []byte) []byte {
	var aruuid [16]byte
	copy(aruuid[:], reqBody[8:24])
	sessionKey := binary.BigEndian.Uint16(reqBody[24:26])

	body := binary.BigEndian.AppendUint32(nil, 0) // PNIO status OK

	arPayload := binary.BigEndian.AppendUint16(nil, 0x0001)
	arPayload = append(arPayload, aruuid[:]...)
	arPayload = binary.BigEndian.AppendUint16(arPayload, sessionKey)
	arPayload = append(arPayload, deviceMAC...)
	arPayload = binary.BigEndian.AppendUint16(arPayload, 0x8892)
	body = align4(appendBlock(body, rpc.BlockTypeARBlockRes, arPayload))

	for ref, frameID := range map[uint16]uint16{1: 0x8000, 2: 0x8001} {
		p := binary.BigEndian.AppendUint16(nil, 0)
		p = binary.BigEndian.AppendUint16(p, ref)
		p = binary.BigEndian.AppendUint16(p, frameID)
		body = align4(appendBlock(body, rpc.BlockTypeIOCRBlockRes, p))
	}

	alarmPayload := binary.BigEndian.AppendUint16(nil, 0x0001)
	alarmPayload = binary.BigEndian.AppendUint16(alarmPayload, 3)
	return align4(appendBlock(body, rpc.BlockTypeAlarmCRBlockRes, alarmPayload))
}

func (d *fakeRTU) readResponse(reqBody []byte) []byte {
	data := rpc.BuildRealIdentificationData([]rpc.RealIdentSlot{
		{Slot: 0, ModuleIdent: 0x10, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x11}}},
		{Slot: 1, ModuleIdent: 0x20, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x21}}},
		{Slot: 2, ModuleIdent: 0x30, Subslots: []rpc.RealIdentSubslot{{Subslot: 1, SubmoduleIdent: 0x31}}},
	})

	body := binary.BigEndian.AppendUint32(nil, 0)
	start := len(body)
	hdr := binary.BigEndian.AppendUint16(nil, 1)
	hdr = append(hdr, reqBody[8:24]...)  // echo AR UUID
	hdr = append(hdr, reqBody[24:36]...) // api/slot/subslot/pad/index
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
	p = append(p, reqBody[8:24]...)
	p = append(p, reqBody[24:26]...)
	p = binary.BigEndian.AppendUint16(p, 0)
	p = binary.BigEndian.AppendUint16(p, bits|0x0008)
	p = binary.BigEndian.AppendUint16(p, 0)
	return appendBlock(body, blockType, p)
}

func (d *fakeRTU) Call(dst *net.UDPAddr, hdr rpc.Header, body []byte, timeout time.Duration) (rpc.Header, []byte, error) {
	resp := hdr
	resp.PType = rpc.PTypeResponse
	switch hdr.Opnum {
	case rpc.OpnumConnect:
		d.mu.Lock()
		d.connectBodies = append(d.connectBodies, append([]byte(nil), body...))
		d.mu.Unlock()
		return resp, d.connectResponse(body), nil
	case rpc.OpnumRead:
		if d.readStatus != 0 {
			return resp, binary.BigEndian.AppendUint32(nil, d.readStatus), nil
		}
		return resp, d.readResponse(body), nil
	case rpc.OpnumRelease:
		d.mu.Lock()
		d.released++
		d.mu.Unlock()
		return resp, controlResponse(body, rpc.BlockTypeControlReleaseRes, 0x0004), nil
	case rpc.OpnumControl:
		return resp, controlResponse(body, rpc.BlockTypeControlAppReadyRes, 0x0002), nil
	}
	d.t.Errorf("unexpected opnum %d", hdr.Opnum)
	return resp, nil, errors.New(errors.KindProtocol, "unexpected opnum")
}

func (d *fakeRTU) Close() error { return nil }

func (d *fakeRTU) connects() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.connectBodies))
	copy(out, d.connectBodies)
	return out
}

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

// identifyResponse builds a DCP identify-success frame for the fake
// device.
func identifyResponse(t *testing.T) []byte {
	t.Helper()
	blocks := frame.NewBuilder(512)

	name := append([]byte{0, 0}, []byte("rtu-01")...)
	dcp.EncodeBlock(blocks, dcp.Block{
		Option: dcp.OptionDeviceProperties, Suboption: dcp.SuboptionNameOfStation, Payload: name,
	})

	ipPayload := append([]byte{0, 1}, dcp.EncodeIPParameter(dcp.IPParameter{
		Address: [4]byte{192, 168, 0, 50},
		Mask:    [4]byte{255, 255, 255, 0},
		Gateway: [4]byte{192, 168, 0, 1},
	})...)
	dcp.EncodeBlock(blocks, dcp.Block{
		Option: dcp.OptionIP, Suboption: dcp.SuboptionIPParameter, Payload: ipPayload,
	})

	id := []byte{0, 0, 0x00, 0x2A, 0x03, 0x01} // vendor 0x002A device 0x0301
	dcp.EncodeBlock(blocks, dcp.Block{
		Option: dcp.OptionDeviceProperties, Suboption: dcp.SuboptionDeviceID, Payload: id,
	})

	b := frame.NewBuilder(512)
	frame.EncodeEthernetHeader(b, frame.EthernetHeader{
		Dst: controllerMAC, Src: deviceMAC, EtherType: frame.EtherTypePROFINET,
	})
	b.PutUint16(frame.FrameIDDCPIdentifyR)
	dcp.EncodeHeader(b, dcp.Header{
		ServiceID:   dcp.ServiceIdentify,
		ServiceType: dcp.ServiceTypeSuccess,
		Xid:         7,
		DataLength:  uint16(blocks.Len()),
	})
	b.PutBytes(blocks.Bytes())
	b.PadTo(frame.MinFrameLen)
	return b.Bytes()
}

// sensorFrame builds an inbound cyclic frame for the first sensor
// slot, padding the payload to the negotiated 40-byte C_SDU the way a
// conforming device does.
func sensorFrame(t *testing.T, value float32, counter uint16) []byte {
	t.Helper()
	payload := make([]byte, rpc.MinIOCRDataLength)
	enc := cyclic.EncodeSensorReading(cyclic.SensorReading{Value: value, Quality: cyclic.QualityGood})
	copy(payload, enc[:])

	rt, err := cyclic.BuildRTFrame(controllerMAC, deviceMAC, 0x8000, payload, counter, cyclic.DefaultDataStatus)
	if err != nil {
		t.Fatalf("build RT frame: %v", err)
	}
	return rt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(t *testing.T, sock *fakeSocket, dev *fakeRTU, reg *recordingRegistry) *Controller {
	t.Helper()
	cfg := config.CreateDefault()
	cfg.Modules = []config.ModuleConfig{
		{Ident: 0x30, Direction: "actuator", DataLength: 4},
	}

	c, err := New(Options{
		Config:   cfg,
		Socket:   sock,
		RPCConn:  dev,
		Registry: reg,
		LocalMAC: controllerMAC,
		Metrics:  metrics.NewSink(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func TestControllerEndToEnd(t *testing.T) {
	sock := newFakeSocket()
	dev := &fakeRTU{t: t}
	reg := newRecordingRegistry()
	c := newTestController(t, sock, dev, reg)

	c.Start()
	defer c.Stop()

	// Discovery: identify request goes out, the device answers.
	if err := c.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitFor(t, "identify request", func() bool {
		return len(sock.sentWithFrameID(frame.FrameIDDCPIdentify)) > 0
	})
	sock.inbox <- identifyResponse(t)
	waitFor(t, "device in cache", func() bool {
		d, ok := c.DCP().Cache().GetByName("rtu-01")
		return ok && d.MAC.String() == deviceMAC.String()
	})
	reg.mu.Lock()
	if len(reg.added) != 1 || reg.added[0] != "rtu-01" {
		t.Errorf("registry additions: got %v", reg.added)
	}
	reg.mu.Unlock()

	// Connect runs the discovery pipeline: DAP-only probe, record
	// read, release, then the full connect.
	if err := c.Connect("rtu-01"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	connects := dev.connects()
	if len(connects) != 2 {
		t.Fatalf("connect calls: got %d, want DAP-only then full", len(connects))
	}
	probe := expectedSlotNumbers(t, connects[0])
	if len(probe) != 1 || probe[0][0] != 0 {
		t.Errorf("probe expected slots: got %v", probe)
	}
	full := expectedSlotNumbers(t, connects[1])
	if len(full) != 3 || full[1] != [2]uint32{1, 0x20} || full[2] != [2]uint32{2, 0x30} {
		t.Errorf("full connect expected slots: got %v", full)
	}
	if dev.released != 1 {
		t.Errorf("probe releases: got %d, want 1", dev.released)
	}
	if state, _ := c.State("rtu-01"); state != ar.StateRun {
		t.Fatalf("AR state: got %s, want %s", state, ar.StateRun)
	}

	// The scan loop attaches the engine and starts transmitting the
	// output IOCR.
	waitFor(t, "cyclic output frames", func() bool {
		return len(sock.sentWithFrameID(0x8001)) > 0
	})
	waitFor(t, "discovered slots reported", func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.slots["rtu-01"] == 2
	})

	// Inbound sensor data flows to the registry and the accessor.
	sock.inbox <- sensorFrame(t, 12.5, 1)
	waitFor(t, "sensor data", func() bool { return reg.dataCount("rtu-01") > 0 })

	reading, err := c.Sensor("rtu-01", 0)
	if err != nil {
		t.Fatalf("sensor: %v", err)
	}
	if reading.Value != 12.5 || reading.Quality != cyclic.QualityGood {
		t.Errorf("reading: got %+v", reading)
	}

	// The next cycle's frame carries the counter beyond the C_SDU
	// padding and must not be mistaken for a replay.
	sock.inbox <- sensorFrame(t, 13.25, 2)
	waitFor(t, "second cycle accepted", func() bool { return reg.dataCount("rtu-01") >= 2 })
	if reading, err = c.Sensor("rtu-01", 0); err != nil || reading.Value != 13.25 {
		t.Errorf("second reading: got %+v, %v", reading, err)
	}

	// Actuator command lands in subsequent output frames.
	if err := c.SetActuator("rtu-01", 2, cyclic.ActuatorOutput{Command: 1, PWMDuty: 128}); err != nil {
		t.Fatalf("set actuator: %v", err)
	}
	waitFor(t, "actuator bytes on the wire", func() bool {
		frames := sock.sentWithFrameID(0x8001)
		if len(frames) == 0 {
			return false
		}
		last := frames[len(frames)-1]
		return last[16] == 1 && last[17] == 128
	})
}

func TestControllerRejectsUnknownStation(t *testing.T) {
	sock := newFakeSocket()
	dev := &fakeRTU{t: t}
	c := newTestController(t, sock, dev, newRecordingRegistry())

	if err := c.Connect("ghost"); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("connect unknown station: got %v, want NotFound", err)
	}
}

func TestRecordMetricsCarryStatus(t *testing.T) {
	sock := newFakeSocket()
	dev := &fakeRTU{t: t, readStatus: 0xDE80B000}
	c := newTestController(t, sock, dev, newRecordingRegistry())

	c.DCP().Cache().Upsert(dcp.DeviceIdentity{
		MAC:         deviceMAC,
		StationName: "rtu-01",
		Address:     net.IPv4(192, 168, 0, 50),
	})
	if _, err := c.mgr.Create(c.Devices()[0], time.Second); err != nil {
		t.Fatalf("create: %v", err)
	}
	c.mgr.Apply("rtu-01", func(a *ar.AR) error {
		a.State = ar.StateRun
		return nil
	})

	_, err := c.ReadRecord("rtu-01", rpc.RecordAddress{Index: 0x1000})
	var se *rpc.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("record read: got %v, want a status error", err)
	}

	var found bool
	for _, m := range c.Metrics().GetMetrics() {
		if m.Operation != metrics.OperationRecordRead {
			continue
		}
		found = true
		if m.PNIOStatus != 0xDE80B000 {
			t.Errorf("metric status: got 0x%08X, want 0xDE80B000", m.PNIOStatus)
		}
	}
	if !found {
		t.Error("no record-read metric recorded")
	}
}

func TestDiscoveryWindowFromConfig(t *testing.T) {
	newWithWindow := func(ms int) *Controller {
		cfg := config.CreateDefault()
		cfg.Timing.DiscoveryWindowMs = ms
		c, err := New(Options{
			Config:   cfg,
			Socket:   newFakeSocket(),
			RPCConn:  &fakeRTU{t: t},
			Registry: newRecordingRegistry(),
			LocalMAC: controllerMAC,
		})
		if err != nil {
			t.Fatalf("new controller: %v", err)
		}
		return c
	}

	if got := newWithWindow(2000).DCP().ResponseWindow(); got != 2*time.Second {
		t.Errorf("configured window: got %v, want 2s", got)
	}
	// Zero falls back to the protocol default, tiny values clamp up.
	if got := newWithWindow(0).DCP().ResponseWindow(); got != dcp.DefaultResponseWindow {
		t.Errorf("default window: got %v, want %v", got, dcp.DefaultResponseWindow)
	}
	if got := newWithWindow(10).DCP().ResponseWindow(); got != dcp.MinResponseWindow {
		t.Errorf("clamped window: got %v, want %v", got, dcp.MinResponseWindow)
	}
}

func TestRecordOpsRequireRunState(t *testing.T) {
	sock := newFakeSocket()
	dev := &fakeRTU{t: t}
	c := newTestController(t, sock, dev, newRecordingRegistry())

	// Seed the cache directly; no AR exists yet.
	c.DCP().Cache().Upsert(dcp.DeviceIdentity{
		MAC:         deviceMAC,
		StationName: "rtu-01",
		Address:     net.IPv4(192, 168, 0, 50),
	})
	c.mgr.Create(c.Devices()[0], time.Second)

	_, err := c.ReadRecord("rtu-01", rpc.RecordAddress{Index: 0x1000})
	if !errors.Is(err, errors.KindNotConnected) {
		t.Errorf("record read before run: got %v, want NotConnected", err)
	}
}
