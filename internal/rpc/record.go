package rpc

// Record read/write codec
//
// Both requests carry a 64-byte IOD header block (sequence number, AR
// UUID, address tuple, index, length, padding) with no NDR wrapper.
// Write requests append the record payload after the header.

import (
	"encoding/binary"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
)

// Well-known record indices
const (
	// RealIdentificationData: the device's actual plugged-module layout
	IndexRealIdentificationData uint16 = 0xF844

	// Vendor-specific credential-sync record
	IndexCredentialSync uint16 = 0xF840
)

// MaxRecordDataLen bounds the record payload so the PDU stays under the
// wire maximum alongside the RPC and IOD headers.
const MaxRecordDataLen = 2000

// The IOD read/write header block is always 64 bytes including the
// block header; trailing padding fills the difference.
const iodHeaderLen = 64

// RecordAddress addresses a record by slot, subslot and index.
type RecordAddress struct {
	API     uint32
	Slot    uint16
	Subslot uint16
	Index   uint16
}

func appendIODHeader(buf []byte, blockType uint16, seq uint16, aruuid [16]byte, addr RecordAddress, dataLen uint32) []byte {
	payloadLen := iodHeaderLen - blockHeaderLen
	start := len(buf)

	buf = appendBlockHeader(buf, blockType, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, seq)
	buf = append(buf, aruuid[:]...)
	buf = binary.BigEndian.AppendUint32(buf, addr.API)
	buf = binary.BigEndian.AppendUint16(buf, addr.Slot)
	buf = binary.BigEndian.AppendUint16(buf, addr.Subslot)
	buf = binary.BigEndian.AppendUint16(buf, 0) // padding
	buf = binary.BigEndian.AppendUint16(buf, addr.Index)
	buf = binary.BigEndian.AppendUint32(buf, dataLen)
	// Pad the block out to its fixed size
	for len(buf)-start < iodHeaderLen {
		buf = append(buf, 0)
	}
	return buf
}

// BuildRecordReadRequest emits a record read body asking for up to
// maxLen bytes at addr.
func BuildRecordReadRequest(seq uint16, aruuid [16]byte, addr RecordAddress, maxLen uint32) ([]byte, error) {
	if maxLen > MaxRecordDataLen {
		return nil, errors.New(errors.KindInvalidParam, "record read: max length %d exceeds %d", maxLen, MaxRecordDataLen)
	}
	return appendIODHeader(nil, BlockTypeIODReadReq, seq, aruuid, addr, maxLen), nil
}

// BuildRecordWriteRequest emits a record write body carrying data.
func BuildRecordWriteRequest(seq uint16, aruuid [16]byte, addr RecordAddress, data []byte) ([]byte, error) {
	if len(data) > MaxRecordDataLen {
		return nil, errors.New(errors.KindInvalidParam, "record write: %d bytes exceeds %d", len(data), MaxRecordDataLen)
	}
	buf := appendIODHeader(nil, BlockTypeIODWriteReq, seq, aruuid, addr, uint32(len(data)))
	return append(buf, data...), nil
}

// RecordResult is a decoded record read/write confirmation.
type RecordResult struct {
	SeqNumber uint16
	ARUUID    [16]byte
	Address   RecordAddress
	Data      []byte // read payload; nil for writes
}

func parseIODResponseHeader(body []byte, wantType uint16, operation string) (RecordResult, []byte, error) {
	var result RecordResult

	status, rest, err := readStatus(body)
	if err != nil {
		return result, nil, err
	}
	if !status.OK() {
		return result, nil, &StatusError{Operation: operation, Status: status}
	}

	hdr, err := readBlockHeader(rest)
	if err != nil {
		return result, nil, err
	}
	if hdr.Type != wantType {
		return result, nil, errors.New(errors.KindProtocol, "%s: unexpected block 0x%04X, want 0x%04X", operation, hdr.Type, wantType)
	}

	p := frame.NewParser(rest[blockHeaderLen:])
	if result.SeqNumber, err = p.Uint16(); err != nil {
		return result, nil, err
	}
	u, err := p.Bytes(16)
	if err != nil {
		return result, nil, err
	}
	copy(result.ARUUID[:], u)
	if result.Address.API, err = p.Uint32(); err != nil {
		return result, nil, err
	}
	if result.Address.Slot, err = p.Uint16(); err != nil {
		return result, nil, err
	}
	if result.Address.Subslot, err = p.Uint16(); err != nil {
		return result, nil, err
	}
	if err := p.Skip(2); err != nil { // padding
		return result, nil, err
	}
	if result.Address.Index, err = p.Uint16(); err != nil {
		return result, nil, err
	}
	dataLen, err := p.Uint32()
	if err != nil {
		return result, nil, err
	}

	// Record data starts after the fixed-size header block
	if len(rest) < iodHeaderLen {
		return result, nil, errors.New(errors.KindTruncated, "%s: header %d bytes, want %d", operation, len(rest), iodHeaderLen)
	}
	data := rest[iodHeaderLen:]
	if int(dataLen) > len(data) {
		return result, nil, errors.New(errors.KindTruncated, "%s: header says %d data bytes, have %d", operation, dataLen, len(data))
	}
	return result, data[:dataLen], nil
}

// ParseRecordReadResponse decodes a record read confirmation.
func ParseRecordReadResponse(body []byte) (RecordResult, error) {
	result, data, err := parseIODResponseHeader(body, BlockTypeIODReadRes, "RecordRead")
	if err != nil {
		return result, err
	}
	result.Data = data
	return result, nil
}

// ParseRecordWriteResponse decodes a record write confirmation.
func ParseRecordWriteResponse(body []byte) (RecordResult, error) {
	result, _, err := parseIODResponseHeader(body, BlockTypeIODWriteRes, "RecordWrite")
	return result, err
}

// RealIdentSlot is one slot of a RealIdentificationData record.
type RealIdentSlot struct {
	Slot        uint16
	ModuleIdent uint32
	Subslots    []RealIdentSubslot
}

// RealIdentSubslot is one subslot entry of a real-identification slot.
type RealIdentSubslot struct {
	Subslot        uint16
	SubmoduleIdent uint32
}

// ParseRealIdentificationData decodes the payload of a record read at
// index 0xF844: the device's actual plugged-module layout.
//
// Layout: block header, NumberOfAPIs, then per API: API, NumberOfSlots,
// then per slot: SlotNumber, ModuleIdentNumber, NumberOfSubslots, then
// per subslot: SubslotNumber, SubmoduleIdentNumber.
func ParseRealIdentificationData(data []byte) ([]RealIdentSlot, error) {
	hdr, err := readBlockHeader(data)
	if err != nil {
		return nil, err
	}
	p := frame.NewParser(data[blockHeaderLen : blockHeaderLen+hdr.PayloadLen])

	apis, err := p.Uint16()
	if err != nil {
		return nil, err
	}

	var slots []RealIdentSlot
	for a := 0; a < int(apis); a++ {
		if _, err := p.Uint32(); err != nil { // API number
			return nil, err
		}
		slotCount, err := p.Uint16()
		if err != nil {
			return nil, err
		}
		for s := 0; s < int(slotCount); s++ {
			var slot RealIdentSlot
			if slot.Slot, err = p.Uint16(); err != nil {
				return nil, err
			}
			if slot.ModuleIdent, err = p.Uint32(); err != nil {
				return nil, err
			}
			subCount, err := p.Uint16()
			if err != nil {
				return nil, err
			}
			for i := 0; i < int(subCount); i++ {
				var sub RealIdentSubslot
				if sub.Subslot, err = p.Uint16(); err != nil {
					return nil, err
				}
				if sub.SubmoduleIdent, err = p.Uint32(); err != nil {
					return nil, err
				}
				slot.Subslots = append(slot.Subslots, sub)
			}
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

// BuildRealIdentificationData encodes a plugged-module layout in the
// 0xF844 record format. Used by tests and the loopback tooling.
func BuildRealIdentificationData(slots []RealIdentSlot) []byte {
	payloadLen := 2 + 4 + 2
	for _, slot := range slots {
		payloadLen += 2 + 4 + 2 + len(slot.Subslots)*6
	}

	buf := appendBlockHeader(nil, 0x0013, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, 1) // one API
	buf = binary.BigEndian.AppendUint32(buf, 0) // API 0
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(slots)))
	for _, slot := range slots {
		buf = binary.BigEndian.AppendUint16(buf, slot.Slot)
		buf = binary.BigEndian.AppendUint32(buf, slot.ModuleIdent)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(slot.Subslots)))
		for _, sub := range slot.Subslots {
			buf = binary.BigEndian.AppendUint16(buf, sub.Subslot)
			buf = binary.BigEndian.AppendUint32(buf, sub.SubmoduleIdent)
		}
	}
	return buf
}
