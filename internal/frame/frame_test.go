package frame

import (
	"bytes"
	"net"
	"testing"

	"github.com/openpnet/pnetctl/internal/errors"
)

func TestBuilderRoundTrip(t *testing.T) {
	b := NewBuilder(16)
	if err := b.PutUint8(0x05); err != nil {
		t.Fatalf("PutUint8: %v", err)
	}
	if err := b.PutUint16(0x8892); err != nil {
		t.Fatalf("PutUint16: %v", err)
	}
	if err := b.PutUint32(0xDEADBEEF); err != nil {
		t.Fatalf("PutUint32: %v", err)
	}

	want := []byte{0x05, 0x88, 0x92, 0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("builder bytes: got % X, want % X", b.Bytes(), want)
	}

	p := NewParser(b.Bytes())
	if v, _ := p.Uint8(); v != 0x05 {
		t.Errorf("Uint8: got 0x%02X, want 0x05", v)
	}
	if v, _ := p.Uint16(); v != 0x8892 {
		t.Errorf("Uint16: got 0x%04X, want 0x8892", v)
	}
	if v, _ := p.Uint32(); v != 0xDEADBEEF {
		t.Errorf("Uint32: got 0x%08X, want 0xDEADBEEF", v)
	}
	if p.Remaining() != 0 {
		t.Errorf("remaining: got %d, want 0", p.Remaining())
	}
}

func TestBuilderFull(t *testing.T) {
	b := NewBuilder(3)
	if err := b.PutUint16(0x0001); err != nil {
		t.Fatalf("PutUint16: %v", err)
	}

	err := b.PutUint16(0x0002)
	if !errors.Is(err, errors.KindFull) {
		t.Errorf("overflow write: got %v, want Full error", err)
	}
	// Failed write must not modify the buffer
	if b.Len() != 2 {
		t.Errorf("length after failed write: got %d, want 2", b.Len())
	}
}

func TestBuilderPadTo(t *testing.T) {
	b := NewBuilder(MinFrameLen)
	b.PutUint16(0xFEFE)
	if err := b.PadTo(MinFrameLen); err != nil {
		t.Fatalf("PadTo: %v", err)
	}
	if b.Len() != MinFrameLen {
		t.Errorf("padded length: got %d, want %d", b.Len(), MinFrameLen)
	}

	if err := b.PadTo(MinFrameLen + 10); !errors.Is(err, errors.KindFull) {
		t.Errorf("pad beyond capacity: got %v, want Full error", err)
	}
}

func TestBuilderSetUint16(t *testing.T) {
	b := NewBuilder(8)
	b.PutUint16(0x0000) // placeholder length
	b.PutUint32(0x11223344)
	if err := b.SetUint16(0, 4); err != nil {
		t.Fatalf("SetUint16: %v", err)
	}
	want := []byte{0x00, 0x04, 0x11, 0x22, 0x33, 0x44}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("patched buffer: got % X, want % X", b.Bytes(), want)
	}

	if err := b.SetUint16(5, 0); err == nil {
		t.Error("patch past written range should fail")
	}
}

func TestParserTruncated(t *testing.T) {
	p := NewParser([]byte{0x01, 0x02, 0x03})

	if _, err := p.Uint32(); !errors.Is(err, errors.KindTruncated) {
		t.Errorf("short Uint32: got %v, want Truncated error", err)
	}
	// Failed read must not advance the cursor
	if p.Offset() != 0 {
		t.Errorf("offset after failed read: got %d, want 0", p.Offset())
	}

	if _, err := p.Bytes(4); !errors.Is(err, errors.KindTruncated) {
		t.Errorf("short Bytes: got %v, want Truncated error", err)
	}
}

func TestParserAlign(t *testing.T) {
	p := NewParser(make([]byte, 8))
	p.Uint8()
	if err := p.Align(4); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if p.Offset() != 4 {
		t.Errorf("offset after align: got %d, want 4", p.Offset())
	}
	// Already aligned: no movement
	if err := p.Align(4); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if p.Offset() != 4 {
		t.Errorf("offset after second align: got %d, want 4", p.Offset())
	}
}

func TestEthernetHeaderRoundTrip(t *testing.T) {
	dst, _ := net.ParseMAC("01:0e:cf:00:00:00")
	src, _ := net.ParseMAC("aa:bb:cc:00:01:02")

	b := NewBuilder(MinFrameLen)
	h := EthernetHeader{Dst: dst, Src: src, EtherType: EtherTypePROFINET}
	if err := EncodeEthernetHeader(b, h); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.Len() != 14 {
		t.Errorf("untagged header length: got %d, want 14", b.Len())
	}

	got, err := DecodeEthernetHeader(NewParser(b.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Dst, dst) || !bytes.Equal(got.Src, src) {
		t.Errorf("MACs: got %s/%s, want %s/%s", got.Dst, got.Src, dst, src)
	}
	if got.EtherType != EtherTypePROFINET {
		t.Errorf("ethertype: got 0x%04X, want 0x8892", got.EtherType)
	}
	if got.HasVLAN {
		t.Error("untagged frame decoded as VLAN-tagged")
	}
}

func TestEthernetHeaderVLAN(t *testing.T) {
	dst, _ := net.ParseMAC("01:0e:cf:00:00:00")
	src, _ := net.ParseMAC("aa:bb:cc:00:01:02")

	b := NewBuilder(MinFrameLen)
	h := EthernetHeader{Dst: dst, Src: src, HasVLAN: true, VLANTag: 0xC000, EtherType: EtherTypePROFINET}
	if err := EncodeEthernetHeader(b, h); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.Len() != 18 {
		t.Errorf("tagged header length: got %d, want 18", b.Len())
	}

	got, err := DecodeEthernetHeader(NewParser(b.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.HasVLAN || got.VLANTag != 0xC000 {
		t.Errorf("VLAN tag: got hasVLAN=%v tag=0x%04X, want true/0xC000", got.HasVLAN, got.VLANTag)
	}
	if got.EtherType != EtherTypePROFINET {
		t.Errorf("ethertype behind VLAN: got 0x%04X, want 0x8892", got.EtherType)
	}
}

func TestFrameIDRanges(t *testing.T) {
	if !IsDCPFrameID(0xFEFE) || IsDCPFrameID(0x8001) {
		t.Error("DCP range check wrong")
	}
	if !IsCyclicFrameID(0x8001) || IsCyclicFrameID(0xFEFE) {
		t.Error("cyclic range check wrong")
	}
}
