package dcp

// DCP block and header codec
//
// DCP PDU layout after the 2-byte frame ID:
//   - Service ID (1 byte)
//   - Service Type (1 byte)
//   - Transaction ID (4 bytes)
//   - Response Delay (2 bytes, identify requests only; reserved otherwise)
//   - DCP Data Length (2 bytes)
//   - Blocks: Option (1), Suboption (1), Block Length (2), payload,
//     padded to even length (pad byte not counted in Block Length)
//
// Set-request and response payloads start with a 2-byte qualifier/info
// word; identify-request filter blocks carry the bare value.

import (
	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
)

// DCP service IDs
const (
	ServiceGet      uint8 = 0x03
	ServiceSet      uint8 = 0x04
	ServiceIdentify uint8 = 0x05
	ServiceHello    uint8 = 0x06
)

// DCP service types
const (
	ServiceTypeRequest     uint8 = 0x00
	ServiceTypeSuccess     uint8 = 0x01
	ServiceTypeUnsupported uint8 = 0x05
)

// DCP options
const (
	OptionIP               uint8 = 0x01
	OptionDeviceProperties uint8 = 0x02
	OptionControl          uint8 = 0x05
	OptionAll              uint8 = 0xFF
)

// IP option suboptions
const (
	SuboptionMACAddress  uint8 = 0x01
	SuboptionIPParameter uint8 = 0x02
)

// Device-properties suboptions
const (
	SuboptionDeviceVendor  uint8 = 0x01
	SuboptionNameOfStation uint8 = 0x02
	SuboptionDeviceID      uint8 = 0x03
	SuboptionDeviceRole    uint8 = 0x04
	SuboptionDeviceOptions uint8 = 0x05
)

// Control suboptions
const (
	SuboptionStart          uint8 = 0x01
	SuboptionStop           uint8 = 0x02
	SuboptionSignal         uint8 = 0x03
	SuboptionResponse       uint8 = 0x04
	SuboptionResetToFactory uint8 = 0x06
)

// Block qualifiers for Set requests
const (
	QualifierTemporary uint16 = 0x0000
	QualifierPermanent uint16 = 0x0001

	// Signal value: flash-once
	SignalFlashOnce uint16 = 0x0100

	// ResetToFactory qualifier: reset communication parameters
	ResetCommunication uint16 = 0x0004
)

// Header is the fixed DCP PDU header following the frame ID.
type Header struct {
	ServiceID     uint8
	ServiceType   uint8
	Xid           uint32
	ResponseDelay uint16
	DataLength    uint16
}

// EncodeHeader appends the DCP header to the builder.
func EncodeHeader(b *frame.Builder, h Header) error {
	if err := b.PutUint8(h.ServiceID); err != nil {
		return err
	}
	if err := b.PutUint8(h.ServiceType); err != nil {
		return err
	}
	if err := b.PutUint32(h.Xid); err != nil {
		return err
	}
	if err := b.PutUint16(h.ResponseDelay); err != nil {
		return err
	}
	return b.PutUint16(h.DataLength)
}

// DecodeHeader reads a DCP header from the parser.
func DecodeHeader(p *frame.Parser) (Header, error) {
	var h Header
	var err error

	if h.ServiceID, err = p.Uint8(); err != nil {
		return h, err
	}
	if h.ServiceType, err = p.Uint8(); err != nil {
		return h, err
	}
	if h.Xid, err = p.Uint32(); err != nil {
		return h, err
	}
	if h.ResponseDelay, err = p.Uint16(); err != nil {
		return h, err
	}
	if h.DataLength, err = p.Uint16(); err != nil {
		return h, err
	}
	if int(h.DataLength) > p.Remaining() {
		return h, errors.New(errors.KindProtocol, "dcp data length %d exceeds frame remainder %d", h.DataLength, p.Remaining())
	}
	return h, nil
}

// Block is one raw DCP TLV block.
type Block struct {
	Option    uint8
	Suboption uint8
	Payload   []byte // includes the qualifier/info word where present
}

// EncodeBlock appends a block with even-length padding.
func EncodeBlock(b *frame.Builder, blk Block) error {
	if err := b.PutUint8(blk.Option); err != nil {
		return err
	}
	if err := b.PutUint8(blk.Suboption); err != nil {
		return err
	}
	if err := b.PutUint16(uint16(len(blk.Payload))); err != nil {
		return err
	}
	if err := b.PutBytes(blk.Payload); err != nil {
		return err
	}
	if len(blk.Payload)%2 != 0 {
		return b.PutUint8(0)
	}
	return nil
}

// DecodeBlock reads one block, consuming the even-padding byte.
func DecodeBlock(p *frame.Parser) (Block, error) {
	var blk Block
	var err error

	if blk.Option, err = p.Uint8(); err != nil {
		return blk, err
	}
	if blk.Suboption, err = p.Uint8(); err != nil {
		return blk, err
	}
	length, err := p.Uint16()
	if err != nil {
		return blk, err
	}
	if blk.Payload, err = p.Bytes(int(length)); err != nil {
		return blk, err
	}
	if length%2 != 0 && p.Remaining() > 0 {
		if err := p.Skip(1); err != nil {
			return blk, err
		}
	}
	return blk, nil
}

// SetBlockPayload builds a Set-request payload: qualifier then value.
func SetBlockPayload(qualifier uint16, value []byte) []byte {
	payload := make([]byte, 2+len(value))
	payload[0] = byte(qualifier >> 8)
	payload[1] = byte(qualifier)
	copy(payload[2:], value)
	return payload
}

// IPParameter is the decoded payload of an IP-parameter block.
type IPParameter struct {
	Address [4]byte
	Mask    [4]byte
	Gateway [4]byte
}

// DecodeIPParameter parses an IP-parameter response payload (after the
// 2-byte block info).
func DecodeIPParameter(payload []byte) (IPParameter, error) {
	var ip IPParameter
	if len(payload) < 14 {
		return ip, errors.New(errors.KindTruncated, "ip parameter block: need 14 bytes, have %d", len(payload))
	}
	copy(ip.Address[:], payload[2:6])
	copy(ip.Mask[:], payload[6:10])
	copy(ip.Gateway[:], payload[10:14])
	return ip, nil
}

// EncodeIPParameter builds the value part of a Set IP request.
func EncodeIPParameter(ip IPParameter) []byte {
	value := make([]byte, 12)
	copy(value[0:4], ip.Address[:])
	copy(value[4:8], ip.Mask[:])
	copy(value[8:12], ip.Gateway[:])
	return value
}
