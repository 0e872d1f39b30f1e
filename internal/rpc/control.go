package rpc

// Control request/response codec (ParameterEnd, ApplicationReady, Release)

import (
	"encoding/binary"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
)

// ControlCommand selects the control exchange.
type ControlCommand uint16

const (
	ControlParameterEnd     ControlCommand = 1
	ControlApplicationReady ControlCommand = 2
	ControlRelease          ControlCommand = 3
)

// String returns the command name.
func (c ControlCommand) String() string {
	switch c {
	case ControlParameterEnd:
		return "ParameterEnd"
	case ControlApplicationReady:
		return "ApplicationReady"
	case ControlRelease:
		return "Release"
	}
	return "Unknown"
}

// Wire command bits inside the control block
const (
	commandBitPrmEnd   uint16 = 0x0001
	commandBitAppReady uint16 = 0x0002
	commandBitRelease  uint16 = 0x0004
	commandBitDone     uint16 = 0x0008
)

func (c ControlCommand) blockType() (uint16, uint16) {
	switch c {
	case ControlParameterEnd:
		return BlockTypeControlPrmEnd, commandBitPrmEnd
	case ControlApplicationReady:
		return BlockTypeControlAppReady, commandBitAppReady
	case ControlRelease:
		return BlockTypeControlRelease, commandBitRelease
	}
	return 0, 0
}

// ControlRequest identifies the AR a control exchange applies to.
type ControlRequest struct {
	Command    ControlCommand
	ARUUID     [16]byte
	SessionKey uint16
}

// BuildControlRequest emits a control request body: one IOD control
// block (reserved, AR UUID, session key, reserved, command, properties).
func BuildControlRequest(req ControlRequest) ([]byte, error) {
	blockType, commandBits := req.Command.blockType()
	if blockType == 0 {
		return nil, errors.New(errors.KindInvalidParam, "control: unknown command %d", req.Command)
	}

	payloadLen := 2 + 16 + 2 + 2 + 2 + 2

	buf := appendBlockHeader(nil, blockType, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, 0) // reserved
	buf = append(buf, req.ARUUID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, req.SessionKey)
	buf = binary.BigEndian.AppendUint16(buf, 0) // reserved
	buf = binary.BigEndian.AppendUint16(buf, commandBits)
	buf = binary.BigEndian.AppendUint16(buf, 0) // properties
	return buf, nil
}

// ControlResponse is the decoded control confirmation.
type ControlResponse struct {
	ARUUID     [16]byte
	SessionKey uint16
	Command    uint16 // command bits echoed with Done set
}

// ParseControlResponse decodes a control response body.
func ParseControlResponse(body []byte, command ControlCommand) (ControlResponse, error) {
	var result ControlResponse

	status, rest, err := readStatus(body)
	if err != nil {
		return result, err
	}
	if !status.OK() {
		return result, &StatusError{Operation: command.String(), Status: status}
	}

	hdr, err := readBlockHeader(rest)
	if err != nil {
		return result, err
	}
	p := frame.NewParser(rest[blockHeaderLen : blockHeaderLen+hdr.PayloadLen])

	if err := p.Skip(2); err != nil { // reserved
		return result, err
	}
	u, err := p.Bytes(16)
	if err != nil {
		return result, err
	}
	copy(result.ARUUID[:], u)
	if result.SessionKey, err = p.Uint16(); err != nil {
		return result, err
	}
	if err := p.Skip(2); err != nil { // reserved
		return result, err
	}
	if result.Command, err = p.Uint16(); err != nil {
		return result, err
	}

	if result.Command&commandBitDone == 0 {
		return result, errors.New(errors.KindProtocol, "control %s: device did not confirm (command bits 0x%04X)", command, result.Command)
	}
	return result, nil
}

// BuildApplicationReadyResponse builds the acknowledgment body for a
// device-initiated ApplicationReady request.
func BuildApplicationReadyResponse(aruuid [16]byte, sessionKey uint16) []byte {
	payloadLen := 2 + 16 + 2 + 2 + 2 + 2

	buf := make([]byte, 0, 4+blockHeaderLen+payloadLen)
	buf = binary.BigEndian.AppendUint32(buf, 0) // PNIO status: OK
	buf = appendBlockHeader(buf, BlockTypeControlAppReadyRes, payloadLen)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = append(buf, aruuid[:]...)
	buf = binary.BigEndian.AppendUint16(buf, sessionKey)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, commandBitAppReady|commandBitDone)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	return buf
}

// ParseApplicationReadyRequest decodes a device-initiated
// ApplicationReady request body.
func ParseApplicationReadyRequest(body []byte) (ControlResponse, error) {
	var result ControlResponse

	hdr, err := readBlockHeader(body)
	if err != nil {
		return result, err
	}
	if hdr.Type != BlockTypeControlAppReady {
		return result, errors.New(errors.KindProtocol, "application ready: unexpected block 0x%04X", hdr.Type)
	}
	p := frame.NewParser(body[blockHeaderLen : blockHeaderLen+hdr.PayloadLen])

	if err := p.Skip(2); err != nil {
		return result, err
	}
	u, err := p.Bytes(16)
	if err != nil {
		return result, err
	}
	copy(result.ARUUID[:], u)
	if result.SessionKey, err = p.Uint16(); err != nil {
		return result, err
	}
	if err := p.Skip(2); err != nil {
		return result, err
	}
	if result.Command, err = p.Uint16(); err != nil {
		return result, err
	}
	return result, nil
}
