package cyclic

// RT class 1 frame codec
//
// Wire layout after the Ethernet header:
//   frame ID (u16) | payload | IOPS bytes (payload/5, 0x80 each) |
//   cycle counter (u16) | data status | transfer status
// padded to the 60-byte Ethernet minimum. Inbound frames carry the
// mirror structure with IOCS bytes in place of IOPS.

import (
	"net"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
)

// Data status bits. The default says: primary, valid data, provider
// in run, station problem indicator clear.
const (
	DataStatusPrimary     = 0x01
	DataStatusDataValid   = 0x04
	DataStatusProviderRun = 0x10
	DataStatusStationOK   = 0x20

	DefaultDataStatus = DataStatusPrimary | DataStatusDataValid | DataStatusProviderRun | DataStatusStationOK
)

// IOxSGood marks a slot's provider/consumer status as good.
const IOxSGood = 0x80

// BuildRTFrame serializes one outbound cyclic frame, ready to send.
func BuildRTFrame(dst, src net.HardwareAddr, frameID uint16, payload []byte, counter uint16, dataStatus uint8) ([]byte, error) {
	statusCount := len(payload) / SensorSlotWidth
	capacity := 14 + 2 + len(payload) + statusCount + 4
	if capacity < frame.MinFrameLen {
		capacity = frame.MinFrameLen
	}
	b := frame.NewBuilder(capacity)

	hdr := frame.EthernetHeader{Dst: dst, Src: src, EtherType: frame.EtherTypePROFINET}
	if err := frame.EncodeEthernetHeader(b, hdr); err != nil {
		return nil, err
	}
	if err := b.PutUint16(frameID); err != nil {
		return nil, err
	}
	if err := b.PutBytes(payload); err != nil {
		return nil, err
	}
	for i := 0; i < statusCount; i++ {
		if err := b.PutUint8(IOxSGood); err != nil {
			return nil, err
		}
	}
	if err := b.PutUint16(counter); err != nil {
		return nil, err
	}
	if err := b.PutUint8(dataStatus); err != nil {
		return nil, err
	}
	if err := b.PutUint8(0x00); err != nil { // transfer status
		return nil, err
	}
	if err := b.PadTo(frame.MinFrameLen); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// RTData is one parsed inbound cyclic frame, header already stripped.
type RTData struct {
	Payload    []byte
	Counter    uint16
	DataStatus uint8
}

// ParseRTData extracts the payload and trailer from the bytes that
// follow the frame ID. dataLen is the input IOCR's configured payload
// length; the IOCS bytes after the payload are skipped.
func ParseRTData(data []byte, dataLen int) (RTData, error) {
	p := frame.NewParser(data)
	payload, err := p.Bytes(dataLen)
	if err != nil {
		return RTData{}, errors.Wrap(errors.KindTruncated, err, "cyclic payload")
	}
	if err := p.Skip(dataLen / SensorSlotWidth); err != nil {
		return RTData{}, errors.Wrap(errors.KindTruncated, err, "consumer status bytes")
	}
	counter, err := p.Uint16()
	if err != nil {
		return RTData{}, errors.Wrap(errors.KindTruncated, err, "cycle counter")
	}
	status, err := p.Uint8()
	if err != nil {
		return RTData{}, errors.Wrap(errors.KindTruncated, err, "data status")
	}
	return RTData{Payload: payload, Counter: counter, DataStatus: status}, nil
}

// counterWindow is the forward distance a cycle counter may advance
// in one step and still be considered fresh.
const counterWindow = 0x8000

// CounterGuard tracks the last accepted cycle counter for one input
// IOCR and rejects duplicates and replays, accounting for 16-bit
// wraparound.
type CounterGuard struct {
	last   uint16
	seeded bool
}

// Check accepts counter if it lies in the forward window after the
// last accepted value. The first counter ever seen is always
// accepted. On acceptance the guard advances.
func (g *CounterGuard) Check(counter uint16) error {
	if !g.seeded {
		g.seeded = true
		g.last = counter
		return nil
	}
	delta := counter - g.last // wraps mod 2^16
	if delta == 0 || delta >= counterWindow {
		return errors.New(errors.KindProtocol, "cycle counter %d replays or precedes last accepted %d", counter, g.last)
	}
	g.last = counter
	return nil
}

// Reset clears the guard for a fresh connection.
func (g *CounterGuard) Reset() {
	g.seeded = false
	g.last = 0
}
