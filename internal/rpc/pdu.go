package rpc

// DCE/RPC connectionless header and PNIO block primitives
//
// Header numerics follow the declared DREP (little-endian). PNIO block
// contents after the header are big-endian. The NDR args/array header
// some references show between the two is NOT on the wire for
// Connect/Control, and Record Read/Write carry a sequence-numbered IOD
// block without NDR either; devices reject frames that include it.

import (
	"encoding/binary"

	"github.com/openpnet/pnetctl/internal/errors"
)

// UDP port of the PNIO context manager
const ContextManagerPort = 34964

// Maximum PDU size accepted by devices
const MaxPDULen = 1464

// RPC packet types
const (
	PTypeRequest  uint8 = 0x00
	PTypeResponse uint8 = 0x02
	PTypeFault    uint8 = 0x03
	PTypeReject   uint8 = 0x06
)

// PNIO context-manager operation numbers
const (
	OpnumConnect uint16 = 0
	OpnumRelease uint16 = 1
	OpnumRead    uint16 = 2
	OpnumWrite   uint16 = 3
	OpnumControl uint16 = 4
)

const rpcHeaderLen = 80

// Header is the 80-byte DCE/RPC CL header.
type Header struct {
	PType         uint8
	Flags1        uint8
	ObjectUUID    [16]byte
	InterfaceUUID [16]byte
	ActivityUUID  [16]byte
	SequenceNum   uint32
	Opnum         uint16
	BodyLen       uint16
	FragmentNum   uint16
}

// EncodeHeader serializes the RPC header. UUIDs are copied verbatim;
// callers pre-swap activity UUIDs (see NewActivityUUID).
func EncodeHeader(h Header) []byte {
	buf := make([]byte, rpcHeaderLen)

	buf[0] = 0x04 // RPC version: connectionless
	buf[1] = h.PType
	buf[2] = h.Flags1
	buf[3] = 0x00                 // flags2
	buf[4], buf[5], buf[6] = 0x10, 0x00, 0x00 // DREP: little-endian, ASCII
	buf[7] = 0x00                 // serial high

	copy(buf[8:24], h.ObjectUUID[:])
	copy(buf[24:40], h.InterfaceUUID[:])
	copy(buf[40:56], h.ActivityUUID[:])

	binary.LittleEndian.PutUint32(buf[56:60], 0) // server boot time
	binary.LittleEndian.PutUint32(buf[60:64], 1) // interface version
	binary.LittleEndian.PutUint32(buf[64:68], h.SequenceNum)
	binary.LittleEndian.PutUint16(buf[68:70], h.Opnum)
	binary.LittleEndian.PutUint16(buf[70:72], 0xFFFF) // interface hint
	binary.LittleEndian.PutUint16(buf[72:74], 0xFFFF) // activity hint
	binary.LittleEndian.PutUint16(buf[74:76], h.BodyLen)
	binary.LittleEndian.PutUint16(buf[76:78], h.FragmentNum)
	buf[78] = 0x00 // auth protocol: none
	buf[79] = 0x00 // serial low

	return buf
}

// DecodeHeader parses an RPC header and returns it plus the body.
func DecodeHeader(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < rpcHeaderLen {
		return h, nil, errors.New(errors.KindTruncated, "rpc header: need %d bytes, have %d", rpcHeaderLen, len(data))
	}
	if data[0] != 0x04 {
		return h, nil, errors.New(errors.KindProtocol, "rpc version: got 0x%02X, want 0x04", data[0])
	}

	h.PType = data[1]
	h.Flags1 = data[2]
	copy(h.ObjectUUID[:], data[8:24])
	copy(h.InterfaceUUID[:], data[24:40])
	copy(h.ActivityUUID[:], data[40:56])
	h.SequenceNum = binary.LittleEndian.Uint32(data[64:68])
	h.Opnum = binary.LittleEndian.Uint16(data[68:70])
	h.BodyLen = binary.LittleEndian.Uint16(data[74:76])
	h.FragmentNum = binary.LittleEndian.Uint16(data[76:78])

	body := data[rpcHeaderLen:]
	if int(h.BodyLen) > len(body) {
		return h, nil, errors.New(errors.KindTruncated, "rpc body: header says %d bytes, have %d", h.BodyLen, len(body))
	}
	return h, body[:h.BodyLen], nil
}

// PNIO block types
const (
	BlockTypeIODWriteReq uint16 = 0x0008
	BlockTypeIODReadReq  uint16 = 0x0009

	BlockTypeARBlockReq        uint16 = 0x0101
	BlockTypeIOCRBlockReq      uint16 = 0x0102
	BlockTypeAlarmCRBlockReq   uint16 = 0x0103
	BlockTypeExpectedSubmodule uint16 = 0x0104

	BlockTypeControlPrmEnd   uint16 = 0x0110
	BlockTypeControlAppReady uint16 = 0x0112
	BlockTypeControlRelease  uint16 = 0x0114

	BlockTypeIODWriteRes uint16 = 0x8008
	BlockTypeIODReadRes  uint16 = 0x8009

	BlockTypeARBlockRes      uint16 = 0x8101
	BlockTypeIOCRBlockRes    uint16 = 0x8102
	BlockTypeAlarmCRBlockRes uint16 = 0x8103
	BlockTypeModuleDiff      uint16 = 0x8104

	BlockTypeControlPrmEndRes   uint16 = 0x8110
	BlockTypeControlAppReadyRes uint16 = 0x8112
	BlockTypeControlReleaseRes  uint16 = 0x8114
)

// Block header: type (2), length (2), version high (1), version low (1).
// The length field counts everything after itself, so version bytes
// plus payload.
const blockHeaderLen = 6

func appendBlockHeader(buf []byte, blockType uint16, payloadLen int) []byte {
	buf = binary.BigEndian.AppendUint16(buf, blockType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(payloadLen+2))
	buf = append(buf, 0x01, 0x00) // version 1.0
	return buf
}

// blockHeader is a decoded PNIO block header.
type blockHeader struct {
	Type       uint16
	PayloadLen int // bytes after the version fields
}

func readBlockHeader(data []byte) (blockHeader, error) {
	var h blockHeader
	if len(data) < blockHeaderLen {
		return h, errors.New(errors.KindTruncated, "block header: need %d bytes, have %d", blockHeaderLen, len(data))
	}
	h.Type = binary.BigEndian.Uint16(data[0:2])
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < 2 {
		return h, errors.New(errors.KindProtocol, "block 0x%04X: length %d below version fields", h.Type, length)
	}
	h.PayloadLen = length - 2
	if blockHeaderLen+h.PayloadLen > len(data) {
		return h, errors.New(errors.KindTruncated, "block 0x%04X: payload %d exceeds remainder %d", h.Type, h.PayloadLen, len(data)-blockHeaderLen)
	}
	return h, nil
}

// Status is the 4-byte PNIO status word leading every response body.
type Status struct {
	Code   uint8 // identifies the responding service
	Decode uint8
	Code1  uint8
	Code2  uint8
}

// OK reports whether the status signals success.
func (s Status) OK() bool {
	return s.Code == 0 && s.Decode == 0 && s.Code1 == 0 && s.Code2 == 0
}

// Uint32 packs the status into its wire representation.
func (s Status) Uint32() uint32 {
	return uint32(s.Code)<<24 | uint32(s.Decode)<<16 | uint32(s.Code1)<<8 | uint32(s.Code2)
}

// StatusFromUint32 unpacks a wire status word.
func StatusFromUint32(v uint32) Status {
	return Status{
		Code:   uint8(v >> 24),
		Decode: uint8(v >> 16),
		Code1:  uint8(v >> 8),
		Code2:  uint8(v),
	}
}

func readStatus(data []byte) (Status, []byte, error) {
	if len(data) < 4 {
		return Status{}, nil, errors.New(errors.KindTruncated, "pnio status: need 4 bytes, have %d", len(data))
	}
	return StatusFromUint32(binary.BigEndian.Uint32(data[0:4])), data[4:], nil
}
