package rpc

// High-level context-manager client: Connect, Control, Record access

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/logging"
)

// Operation timeouts
const (
	DefaultConnectTimeout = 5000 * time.Millisecond
	DefaultControlTimeout = 3000 * time.Millisecond
	DefaultRecordTimeout  = 3000 * time.Millisecond
)

// Timeouts configures per-operation RPC deadlines.
type Timeouts struct {
	Connect time.Duration
	Control time.Duration
	Record  time.Duration
}

// DefaultTimeouts returns the standard deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: DefaultConnectTimeout,
		Control: DefaultControlTimeout,
		Record:  DefaultRecordTimeout,
	}
}

// Client drives context-manager exchanges against devices.
type Client struct {
	conn       Conn
	objectUUID [16]byte
	timeouts   Timeouts
	log        *logging.Logger
	seq        atomic.Uint32
	recordSeq  atomic.Uint32
}

// NewClient creates a client. instance/deviceID/vendorID form the
// initiator object UUID suffix.
func NewClient(conn Conn, instance, deviceID, vendorID uint16, timeouts Timeouts, log *logging.Logger) *Client {
	return &Client{
		conn:       conn,
		objectUUID: InitiatorObjectUUID(instance, deviceID, vendorID),
		timeouts:   timeouts,
		log:        log,
	}
}

// ObjectUUID returns the controller's initiator object UUID.
func (c *Client) ObjectUUID() [16]byte {
	return c.objectUUID
}

func (c *Client) call(dst *net.UDPAddr, opnum uint16, body []byte, timeout time.Duration) ([]byte, error) {
	hdr := Header{
		PType:         PTypeRequest,
		Flags1:        0x20, // idempotent
		ObjectUUID:    c.objectUUID,
		InterfaceUUID: deviceInterfaceUUID,
		ActivityUUID:  NewActivityUUID(),
		SequenceNum:   c.seq.Add(1),
		Opnum:         opnum,
		BodyLen:       uint16(len(body)),
	}

	start := time.Now()
	_, respBody, err := c.conn.Call(dst, hdr, body, timeout)
	if c.log != nil {
		op := opnumName(opnum)
		status := uint32(0)
		if se, ok := err.(*StatusError); ok {
			status = se.Status.Uint32()
		}
		c.log.LogRPC(op, dst.IP.String(), err == nil, float64(time.Since(start).Microseconds())/1000.0, status, err)
	}
	return respBody, err
}

func opnumName(opnum uint16) string {
	switch opnum {
	case OpnumConnect:
		return "Connect"
	case OpnumRelease:
		return "Release"
	case OpnumRead:
		return "RecordRead"
	case OpnumWrite:
		return "RecordWrite"
	case OpnumControl:
		return "Control"
	}
	return "Opnum?"
}

// Connect performs the connect exchange.
func (c *Client) Connect(dst *net.UDPAddr, params ConnectParams) (ConnectResult, error) {
	body, err := BuildConnectRequest(params)
	if err != nil {
		return ConnectResult{}, err
	}
	respBody, err := c.call(dst, OpnumConnect, body, c.timeouts.Connect)
	if err != nil {
		return ConnectResult{}, err
	}
	return ParseConnectResponse(respBody)
}

// Control performs a ParameterEnd or ApplicationReady exchange.
func (c *Client) Control(dst *net.UDPAddr, req ControlRequest) (ControlResponse, error) {
	if req.Command == ControlRelease {
		return ControlResponse{}, errors.New(errors.KindInvalidParam, "use Release for release requests")
	}
	body, err := BuildControlRequest(req)
	if err != nil {
		return ControlResponse{}, err
	}
	respBody, err := c.call(dst, OpnumControl, body, c.timeouts.Control)
	if err != nil {
		return ControlResponse{}, err
	}
	return ParseControlResponse(respBody, req.Command)
}

// Release sends a release request. A timeout is reported as success:
// the device may already be offline, and the AR is torn down locally
// either way.
func (c *Client) Release(dst *net.UDPAddr, aruuid [16]byte, sessionKey uint16) error {
	body, err := BuildControlRequest(ControlRequest{
		Command:    ControlRelease,
		ARUUID:     aruuid,
		SessionKey: sessionKey,
	})
	if err != nil {
		return err
	}
	respBody, err := c.call(dst, OpnumRelease, body, c.timeouts.Control)
	if err != nil {
		if errors.Is(err, errors.KindTimeout) {
			if c.log != nil {
				c.log.Debug("release timed out; treating as released")
			}
			return nil
		}
		return err
	}
	_, err = ParseControlResponse(respBody, ControlRelease)
	return err
}

// ReadRecord reads a record at addr, returning up to maxLen bytes.
func (c *Client) ReadRecord(dst *net.UDPAddr, aruuid [16]byte, addr RecordAddress, maxLen uint32) ([]byte, error) {
	seq := uint16(c.recordSeq.Add(1))
	body, err := BuildRecordReadRequest(seq, aruuid, addr, maxLen)
	if err != nil {
		return nil, err
	}
	respBody, err := c.call(dst, OpnumRead, body, c.timeouts.Record)
	if err != nil {
		return nil, err
	}
	result, err := ParseRecordReadResponse(respBody)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// WriteRecord writes a record at addr.
func (c *Client) WriteRecord(dst *net.UDPAddr, aruuid [16]byte, addr RecordAddress, data []byte) error {
	seq := uint16(c.recordSeq.Add(1))
	body, err := BuildRecordWriteRequest(seq, aruuid, addr, data)
	if err != nil {
		return err
	}
	respBody, err := c.call(dst, OpnumWrite, body, c.timeouts.Record)
	if err != nil {
		return err
	}
	_, err = ParseRecordWriteResponse(respBody)
	return err
}

// DeviceAddr builds the context-manager UDP address for a device IP.
func DeviceAddr(ip net.IP) *net.UDPAddr {
	return &net.UDPAddr{IP: ip, Port: ContextManagerPort}
}
