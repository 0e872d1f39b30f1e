package rpc

// Connect request/response codec
//
// A connect request body carries, in order and without inter-block
// padding: one AR-Block-Request, one IOCR-Block-Request per IOCR, one
// Alarm-CR-Block-Request and one Expected-Submodule-Block. The response
// body starts with the PNIO status, then blocks aligned to 4 bytes.

import (
	"encoding/binary"
	"net"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
)

// IOCR wire types
const (
	IOCRTypeInput  uint16 = 0x0001
	IOCRTypeOutput uint16 = 0x0002
)

// Data-description values in expected-submodule entries
const (
	DataDescriptionInput  uint16 = 0x0001
	DataDescriptionOutput uint16 = 0x0002
)

const (
	defaultARType       uint16 = 0x0001 // IOCARSingle
	defaultARProperties uint32 = 0x00000131
	defaultIOCRProps    uint32 = 0x00000001 // RT class 1
	iocrTagHeader       uint16 = 0xC000
	lengthLT            uint16 = 0x8892
	udpRTPort           uint16 = 0x8892

	// Wire minimum for the cyclic C_SDU; IOCRs are padded up to this
	// even for identification-only connects.
	MinIOCRDataLength uint16 = 40

	alarmCRMaxDataLength uint16 = 200
)

// EffectiveIOCRDataLength pads a computed C_SDU length up to the wire
// minimum. Cyclic frames for the IOCR carry exactly this many payload
// bytes, so buffers must be sized from it, not from the slot sum.
func EffectiveIOCRDataLength(n uint16) uint16 {
	if n < MinIOCRDataLength {
		return MinIOCRDataLength
	}
	return n
}

// IOCRObject places one slot/subslot at a frame offset inside an IOCR.
type IOCRObject struct {
	Slot        uint16
	Subslot     uint16
	FrameOffset uint16
}

// IOCRParam describes one IO communication relationship to request.
type IOCRParam struct {
	Type            uint16 // IOCRTypeInput or IOCRTypeOutput
	Reference       uint16
	FrameID         uint16 // proposed; the device assigns the final ID
	DataLength      uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	WatchdogFactor  uint16
	DataHoldFactor  uint16
	DataObjects     []IOCRObject
	StatusObjects   []IOCRObject // IOCS positions
}

// ExpectedSubmodule is one submodule entry of an expected slot.
type ExpectedSubmodule struct {
	Subslot    uint16
	Ident      uint32
	Properties uint16
	// Direction 0 means no cyclic data (interface/port submodules)
	Direction  uint16
	DataLength uint16
}

// ExpectedSlot is one slot of the expected module configuration.
type ExpectedSlot struct {
	Slot        uint16
	ModuleIdent uint32
	Submodules  []ExpectedSubmodule
}

// ConnectParams collects everything needed to build a connect request.
// Transient: not persisted beyond the call.
type ConnectParams struct {
	ARUUID                [16]byte
	SessionKey            uint16
	InitiatorMAC          net.HardwareAddr
	InitiatorObjectUUID   [16]byte
	InitiatorStationName  string
	ActivityTimeoutFactor uint16 // 100 ms units
	AlarmReference        uint16
	IOCRs                 []IOCRParam
	Slots                 []ExpectedSlot
}

// ConnectResult is the decoded connect response. Transient.
type ConnectResult struct {
	ARUUID          [16]byte
	SessionKey      uint16
	ResponderMAC    net.HardwareAddr
	ResponderPort   uint16
	FrameIDs        map[uint16]uint16 // IOCR reference -> assigned frame ID
	AlarmReference  uint16
	ModuleDiff      bool
	ModuleDiffCount int
}

// BuildConnectRequest emits the connect request body.
func BuildConnectRequest(params ConnectParams) ([]byte, error) {
	if len(params.InitiatorMAC) != 6 {
		return nil, errors.New(errors.KindInvalidParam, "connect: initiator MAC must be 6 bytes")
	}
	if params.InitiatorStationName == "" {
		return nil, errors.New(errors.KindInvalidParam, "connect: empty initiator station name")
	}
	if len(params.IOCRs) == 0 {
		return nil, errors.New(errors.KindInvalidParam, "connect: at least one IOCR required")
	}

	buf := appendARBlockReq(nil, params)
	for _, iocr := range params.IOCRs {
		buf = appendIOCRBlockReq(buf, iocr)
	}
	buf = appendAlarmCRBlockReq(buf, params.AlarmReference)
	buf = appendExpectedSubmoduleBlock(buf, params.Slots)

	if len(buf) > MaxPDULen {
		return nil, errors.New(errors.KindFull, "connect request %d bytes exceeds PDU maximum %d", len(buf), MaxPDULen)
	}
	return buf, nil
}

func appendARBlockReq(buf []byte, params ConnectParams) []byte {
	name := []byte(params.InitiatorStationName)
	payloadLen := 2 + 16 + 2 + 6 + 16 + 4 + 2 + 2 + 2 + len(name)

	buf = appendBlockHeader(buf, BlockTypeARBlockReq, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, defaultARType)
	buf = append(buf, params.ARUUID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, params.SessionKey)
	buf = append(buf, params.InitiatorMAC...)
	buf = append(buf, params.InitiatorObjectUUID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, defaultARProperties)
	buf = binary.BigEndian.AppendUint16(buf, params.ActivityTimeoutFactor)
	buf = binary.BigEndian.AppendUint16(buf, udpRTPort)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf
}

func appendIOCRBlockReq(buf []byte, iocr IOCRParam) []byte {
	dataLength := EffectiveIOCRDataLength(iocr.DataLength)

	payloadLen := 2 + 2 + 2 + 4 + 2 + 2 + 2 + 2 + 2 + 2 + 4 + 2 + 2 + 2 + 6 + 2 +
		4 + 2 + len(iocr.DataObjects)*6 + 2 + len(iocr.StatusObjects)*6

	buf = appendBlockHeader(buf, BlockTypeIOCRBlockReq, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, iocr.Type)
	buf = binary.BigEndian.AppendUint16(buf, iocr.Reference)
	buf = binary.BigEndian.AppendUint16(buf, lengthLT)
	buf = binary.BigEndian.AppendUint32(buf, defaultIOCRProps)
	buf = binary.BigEndian.AppendUint16(buf, dataLength)
	buf = binary.BigEndian.AppendUint16(buf, iocr.FrameID)
	buf = binary.BigEndian.AppendUint16(buf, iocr.SendClockFactor)
	buf = binary.BigEndian.AppendUint16(buf, iocr.ReductionRatio)
	buf = binary.BigEndian.AppendUint16(buf, 1)          // phase
	buf = binary.BigEndian.AppendUint16(buf, 0)          // sequence
	buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF) // frame send offset: best effort
	buf = binary.BigEndian.AppendUint16(buf, iocr.WatchdogFactor)
	buf = binary.BigEndian.AppendUint16(buf, iocr.DataHoldFactor)
	buf = binary.BigEndian.AppendUint16(buf, iocrTagHeader)
	buf = append(buf, 0, 0, 0, 0, 0, 0) // multicast MAC: unused for unicast RT
	buf = binary.BigEndian.AppendUint16(buf, 1) // one API
	buf = binary.BigEndian.AppendUint32(buf, 0) // API 0

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(iocr.DataObjects)))
	for _, obj := range iocr.DataObjects {
		buf = binary.BigEndian.AppendUint16(buf, obj.Slot)
		buf = binary.BigEndian.AppendUint16(buf, obj.Subslot)
		buf = binary.BigEndian.AppendUint16(buf, obj.FrameOffset)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(iocr.StatusObjects)))
	for _, obj := range iocr.StatusObjects {
		buf = binary.BigEndian.AppendUint16(buf, obj.Slot)
		buf = binary.BigEndian.AppendUint16(buf, obj.Subslot)
		buf = binary.BigEndian.AppendUint16(buf, obj.FrameOffset)
	}
	return buf
}

func appendAlarmCRBlockReq(buf []byte, alarmRef uint16) []byte {
	payloadLen := 2 + 2 + 4 + 2 + 2 + 2 + 2 + 2 + 2

	buf = appendBlockHeader(buf, BlockTypeAlarmCRBlockReq, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, 0x0001) // alarm CR type
	buf = binary.BigEndian.AppendUint16(buf, lengthLT)
	buf = binary.BigEndian.AppendUint32(buf, 0) // properties: RTA class 1
	buf = binary.BigEndian.AppendUint16(buf, 1) // RTA timeout factor
	buf = binary.BigEndian.AppendUint16(buf, 3) // RTA retries
	buf = binary.BigEndian.AppendUint16(buf, alarmRef)
	buf = binary.BigEndian.AppendUint16(buf, alarmCRMaxDataLength)
	buf = binary.BigEndian.AppendUint16(buf, 0xC000) // tag header high
	buf = binary.BigEndian.AppendUint16(buf, 0xA000) // tag header low
	return buf
}

func appendExpectedSubmoduleBlock(buf []byte, slots []ExpectedSlot) []byte {
	payloadLen := 2
	for _, slot := range slots {
		payloadLen += 4 + 2 + 4 + 2 + 2
		for _, sub := range slot.Submodules {
			payloadLen += 2 + 4 + 2
			if sub.Direction != 0 {
				payloadLen += 6
			}
		}
	}

	buf = appendBlockHeader(buf, BlockTypeExpectedSubmodule, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(slots)))
	for _, slot := range slots {
		buf = binary.BigEndian.AppendUint32(buf, 0) // API 0
		buf = binary.BigEndian.AppendUint16(buf, slot.Slot)
		buf = binary.BigEndian.AppendUint32(buf, slot.ModuleIdent)
		buf = binary.BigEndian.AppendUint16(buf, 0) // module properties
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(slot.Submodules)))
		for _, sub := range slot.Submodules {
			buf = binary.BigEndian.AppendUint16(buf, sub.Subslot)
			buf = binary.BigEndian.AppendUint32(buf, sub.Ident)
			buf = binary.BigEndian.AppendUint16(buf, sub.Properties)
			if sub.Direction != 0 {
				buf = binary.BigEndian.AppendUint16(buf, sub.Direction)
				buf = binary.BigEndian.AppendUint16(buf, sub.DataLength)
				buf = append(buf, 1, 1) // IOCS and IOPS length
			}
		}
	}
	return buf
}

// ParseConnectResponse decodes a connect response body.
func ParseConnectResponse(body []byte) (ConnectResult, error) {
	result := ConnectResult{FrameIDs: make(map[uint16]uint16)}

	status, rest, err := readStatus(body)
	if err != nil {
		return result, err
	}
	if !status.OK() {
		return result, &StatusError{Operation: "Connect", Status: status}
	}

	p := frame.NewParser(rest)
	for p.Remaining() >= blockHeaderLen {
		hdr, err := readBlockHeader(p.Rest())
		if err != nil {
			return result, err
		}
		if err := p.Skip(blockHeaderLen); err != nil {
			return result, err
		}
		payload, err := p.Bytes(hdr.PayloadLen)
		if err != nil {
			return result, err
		}

		switch hdr.Type {
		case BlockTypeARBlockRes:
			if err := parseARBlockRes(payload, &result); err != nil {
				return result, err
			}
		case BlockTypeIOCRBlockRes:
			if err := parseIOCRBlockRes(payload, &result); err != nil {
				return result, err
			}
		case BlockTypeAlarmCRBlockRes:
			if err := parseAlarmCRBlockRes(payload, &result); err != nil {
				return result, err
			}
		case BlockTypeModuleDiff:
			if err := parseModuleDiffBlock(payload, &result); err != nil {
				return result, err
			}
		}

		// Blocks are aligned to 4 bytes relative to the body start
		if p.Remaining() > 0 {
			if err := p.Align(4); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

func parseARBlockRes(payload []byte, result *ConnectResult) error {
	p := frame.NewParser(payload)
	if _, err := p.Uint16(); err != nil { // AR type
		return err
	}
	u, err := p.Bytes(16)
	if err != nil {
		return err
	}
	copy(result.ARUUID[:], u)
	if result.SessionKey, err = p.Uint16(); err != nil {
		return err
	}
	mac, err := p.Bytes(6)
	if err != nil {
		return err
	}
	result.ResponderMAC = append(net.HardwareAddr(nil), mac...)
	if result.ResponderPort, err = p.Uint16(); err != nil {
		return err
	}
	return nil
}

func parseIOCRBlockRes(payload []byte, result *ConnectResult) error {
	p := frame.NewParser(payload)
	if _, err := p.Uint16(); err != nil { // IOCR type
		return err
	}
	ref, err := p.Uint16()
	if err != nil {
		return err
	}
	frameID, err := p.Uint16()
	if err != nil {
		return err
	}
	result.FrameIDs[ref] = frameID
	return nil
}

func parseAlarmCRBlockRes(payload []byte, result *ConnectResult) error {
	p := frame.NewParser(payload)
	if _, err := p.Uint16(); err != nil { // alarm CR type
		return err
	}
	ref, err := p.Uint16()
	if err != nil {
		return err
	}
	result.AlarmReference = ref
	return nil
}

func parseModuleDiffBlock(payload []byte, result *ConnectResult) error {
	p := frame.NewParser(payload)
	apis, err := p.Uint16()
	if err != nil {
		return err
	}
	result.ModuleDiff = true
	count := 0
	for i := 0; i < int(apis); i++ {
		if _, err := p.Uint32(); err != nil { // API
			return err
		}
		modules, err := p.Uint16()
		if err != nil {
			return err
		}
		count += int(modules)
		// Module details are informational; stop at the count
		break
	}
	result.ModuleDiffCount = count
	return nil
}
