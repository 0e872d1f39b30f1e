package dcp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/openpnet/pnetctl/internal/frame"
)

type fakeSender struct {
	frames [][]byte
	err    error
}

func (f *fakeSender) SendFrame(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

var testMAC = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x01, 0x02}
var ctrlMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

func TestSetStationNameBlockRoundTrip(t *testing.T) {
	b := frame.NewBuilder(64)
	blk := Block{
		Option:    OptionDeviceProperties,
		Suboption: SuboptionNameOfStation,
		Payload:   SetBlockPayload(QualifierPermanent, []byte("rtu-07")),
	}
	if err := EncodeBlock(b, blk); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// option + suboption + length + qualifier + 6-byte name = 12, already even
	if b.Len() != 12 {
		t.Errorf("encoded length: got %d, want 12", b.Len())
	}

	got, err := DecodeBlock(frame.NewParser(b.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Option != OptionDeviceProperties || got.Suboption != SuboptionNameOfStation {
		t.Errorf("option/suboption: got %d/%d, want 2/2", got.Option, got.Suboption)
	}
	if string(got.Payload[2:]) != "rtu-07" {
		t.Errorf("name: got %q, want %q", got.Payload[2:], "rtu-07")
	}
	if got.Payload[0] != 0x00 || got.Payload[1] != 0x01 {
		t.Errorf("qualifier: got % X, want 00 01", got.Payload[:2])
	}
}

func TestEncodeBlockOddLengthPadding(t *testing.T) {
	b := frame.NewBuilder(64)
	blk := Block{
		Option:    OptionDeviceProperties,
		Suboption: SuboptionNameOfStation,
		Payload:   SetBlockPayload(QualifierTemporary, []byte("rtu-1")),
	}
	if err := EncodeBlock(b, blk); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// 4 header + 7 payload + 1 pad byte
	if b.Len() != 12 {
		t.Errorf("padded length: got %d, want 12", b.Len())
	}
	// Block length field counts the payload only, not the pad
	if b.Bytes()[2] != 0x00 || b.Bytes()[3] != 0x07 {
		t.Errorf("block length field: got % X, want 00 07", b.Bytes()[2:4])
	}

	got, err := DecodeBlock(frame.NewParser(b.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.Payload[2:]) != "rtu-1" {
		t.Errorf("name: got %q, want %q", got.Payload[2:], "rtu-1")
	}
}

func TestIdentifyAllFrame(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender, ctrlMAC, 0, nil)

	if err := c.IdentifyAll(); err != nil {
		t.Fatalf("IdentifyAll: %v", err)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("frames sent: got %d, want 1", len(sender.frames))
	}

	f := sender.frames[0]
	if len(f) < frame.MinFrameLen {
		t.Errorf("frame length: got %d, want >= %d", len(f), frame.MinFrameLen)
	}
	if !bytes.Equal(f[0:6], MulticastMAC) {
		t.Errorf("destination: got % X, want DCP multicast", f[0:6])
	}
	// EtherType then frame ID
	if f[12] != 0x88 || f[13] != 0x92 {
		t.Errorf("ethertype: got %02X%02X, want 8892", f[12], f[13])
	}
	if f[14] != 0xFE || f[15] != 0xFE {
		t.Errorf("frame ID: got %02X%02X, want FEFE", f[14], f[15])
	}
	// Service ID identify, service type request
	if f[16] != ServiceIdentify || f[17] != ServiceTypeRequest {
		t.Errorf("service: got %02X/%02X, want 05/00", f[16], f[17])
	}
	// All-selector block
	if f[26] != 0xFF || f[27] != 0xFF {
		t.Errorf("filter block: got %02X%02X, want FFFF", f[26], f[27])
	}
}

func TestSetIPFrameIsUnicast(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender, ctrlMAC, 0, nil)

	err := c.SetIP(testMAC, net.IPv4(192, 168, 0, 50), net.IPv4(255, 255, 255, 0), net.IPv4(192, 168, 0, 1), true)
	if err != nil {
		t.Fatalf("SetIP: %v", err)
	}

	f := sender.frames[0]
	if !bytes.Equal(f[0:6], testMAC) {
		t.Errorf("destination: got % X, want device MAC", f[0:6])
	}
	if f[14] != 0xFE || f[15] != 0xFD {
		t.Errorf("frame ID: got %02X%02X, want FEFD (get/set)", f[14], f[15])
	}
	if f[16] != ServiceSet {
		t.Errorf("service ID: got %02X, want 04", f[16])
	}
}

func TestSignalFrameCarriesFlashOnce(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender, ctrlMAC, 0, nil)

	if err := c.Signal(testMAC); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	f := sender.frames[0]
	if f[16] != ServiceSet {
		t.Errorf("service ID: got %02X, want 04", f[16])
	}
	// Block starts after the 10-byte DCP header: option, suboption,
	// length, then qualifier and the 16-bit signal value.
	if f[26] != OptionControl || f[27] != SuboptionSignal {
		t.Errorf("block option/suboption: got %02X/%02X, want 05/03", f[26], f[27])
	}
	if f[30] != 0x00 || f[31] != 0x00 {
		t.Errorf("qualifier: got % X, want 00 00", f[30:32])
	}
	if f[32] != 0x01 || f[33] != 0x00 {
		t.Errorf("signal value: got % X, want 01 00 (flash once)", f[32:34])
	}
}

// buildIdentifyResponse assembles the DCP payload (frame ID stripped) of
// an identify response carrying name, IP and device-ID blocks.
func buildIdentifyResponse(t *testing.T, name string, ip [4]byte, vendorID, deviceID uint16) []byte {
	t.Helper()

	blocks := frame.NewBuilder(512)

	nameBlk := Block{
		Option:    OptionDeviceProperties,
		Suboption: SuboptionNameOfStation,
		Payload:   append([]byte{0x00, 0x00}, []byte(name)...),
	}
	if err := EncodeBlock(blocks, nameBlk); err != nil {
		t.Fatalf("encode name block: %v", err)
	}

	ipPayload := []byte{0x00, 0x01}
	ipPayload = append(ipPayload, ip[:]...)
	ipPayload = append(ipPayload, 255, 255, 255, 0)
	ipPayload = append(ipPayload, ip[0], ip[1], ip[2], 1)
	if err := EncodeBlock(blocks, Block{Option: OptionIP, Suboption: SuboptionIPParameter, Payload: ipPayload}); err != nil {
		t.Fatalf("encode ip block: %v", err)
	}

	idPayload := []byte{0x00, 0x00, byte(vendorID >> 8), byte(vendorID), byte(deviceID >> 8), byte(deviceID)}
	if err := EncodeBlock(blocks, Block{Option: OptionDeviceProperties, Suboption: SuboptionDeviceID, Payload: idPayload}); err != nil {
		t.Fatalf("encode device-id block: %v", err)
	}

	b := frame.NewBuilder(512)
	hdr := Header{
		ServiceID:   ServiceIdentify,
		ServiceType: ServiceTypeSuccess,
		Xid:         42,
		DataLength:  uint16(blocks.Len()),
	}
	if err := EncodeHeader(b, hdr); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if err := b.PutBytes(blocks.Bytes()); err != nil {
		t.Fatalf("append blocks: %v", err)
	}
	return b.Bytes()
}

func TestProcessFramePopulatesCache(t *testing.T) {
	c := NewClient(&fakeSender{}, ctrlMAC, 0, nil)

	var cbDevice DeviceIdentity
	c.OnDevice(func(d DeviceIdentity) { cbDevice = d })

	payload := buildIdentifyResponse(t, "rtu-07", [4]byte{192, 168, 0, 50}, 0x002A, 0x0301)
	if err := c.ProcessFrame(testMAC, frame.FrameIDDCPIdentifyR, payload); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	dev, ok := c.Cache().Get(testMAC)
	if !ok {
		t.Fatal("device not cached")
	}
	if dev.StationName != "rtu-07" {
		t.Errorf("station name: got %q, want %q", dev.StationName, "rtu-07")
	}
	if dev.Address.String() != "192.168.0.50" {
		t.Errorf("address: got %s, want 192.168.0.50", dev.Address)
	}
	if dev.VendorID != 0x002A || dev.DeviceID != 0x0301 {
		t.Errorf("identity: got %04X/%04X, want 002A/0301", dev.VendorID, dev.DeviceID)
	}
	if cbDevice.StationName != "rtu-07" {
		t.Errorf("callback snapshot name: got %q, want %q", cbDevice.StationName, "rtu-07")
	}
}

func TestProcessFrameRejectsNonDCPFrameID(t *testing.T) {
	c := NewClient(&fakeSender{}, ctrlMAC, 0, nil)
	if err := c.ProcessFrame(testMAC, 0x8001, nil); err == nil {
		t.Error("cyclic frame ID should be rejected")
	}
}

func TestCacheEntriesNeverExpire(t *testing.T) {
	c := NewCache()
	c.Upsert(DeviceIdentity{
		MAC:         testMAC,
		StationName: "rtu-07",
		LastSeen:    time.Now().Add(-24 * time.Hour),
	})

	// A day-old entry is still present: expiry is the caller's decision
	if _, ok := c.Get(testMAC); !ok {
		t.Fatal("stale entry evicted; cache must never expire entries on its own")
	}
	if c.Len() != 1 {
		t.Errorf("cache size: got %d, want 1", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("cache size after Clear: got %d, want 0", c.Len())
	}
}

func TestCacheUpsertMergesPartialUpdates(t *testing.T) {
	c := NewCache()
	c.Upsert(DeviceIdentity{MAC: testMAC, StationName: "rtu-07", VendorID: 0x002A})

	// A later response without a name block must not erase the name
	got := c.Upsert(DeviceIdentity{MAC: testMAC, Address: net.IPv4(10, 0, 0, 9)})
	if got.StationName != "rtu-07" {
		t.Errorf("merged name: got %q, want %q", got.StationName, "rtu-07")
	}
	if got.Address.String() != "10.0.0.9" {
		t.Errorf("merged address: got %s, want 10.0.0.9", got.Address)
	}
	if got.VendorID != 0x002A {
		t.Errorf("merged vendor: got %04X, want 002A", got.VendorID)
	}
}

func TestClampResponseWindow(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultResponseWindow},
		{50 * time.Millisecond, MinResponseWindow},
		{2 * time.Second, 2 * time.Second},
		{time.Minute, MaxResponseWindow},
	}
	for _, tc := range cases {
		if got := ClampResponseWindow(tc.in); got != tc.want {
			t.Errorf("ClampResponseWindow(%v): got %v, want %v", tc.in, got, tc.want)
		}
	}
}
