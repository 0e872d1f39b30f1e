package rpc

// UDP transport for context-manager RPC
//
// Every call is a blocking send-then-wait on one shared socket.
// Callers must not hold any state-machine lock while a call is
// outstanding; the AR manager marks the AR as connecting instead.

import (
	"net"
	"time"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/logging"
)

// Conn is the blocking send-and-wait transport beneath the client.
type Conn interface {
	Call(dst *net.UDPAddr, hdr Header, body []byte, timeout time.Duration) (Header, []byte, error)
	Close() error
}

// UDPConn implements Conn over a single UDP socket.
type UDPConn struct {
	conn *net.UDPConn
	log  *logging.Logger
}

// NewUDPConn binds a UDP socket on the given local IP (port 0 lets the
// kernel choose; devices answer to the source port).
func NewUDPConn(localIP net.IP, log *logging.Logger) (*UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: 0})
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, err, "bind rpc socket")
	}
	return &UDPConn{conn: conn, log: log}, nil
}

// Close releases the socket.
func (u *UDPConn) Close() error {
	return u.conn.Close()
}

// Call sends one request PDU and waits for the matching response.
// Responses are matched on activity UUID and sequence number; stray
// datagrams are discarded until the deadline passes.
func (u *UDPConn) Call(dst *net.UDPAddr, hdr Header, body []byte, timeout time.Duration) (Header, []byte, error) {
	pdu := append(EncodeHeader(hdr), body...)
	if u.log != nil {
		u.log.LogHex("rpc tx", pdu)
	}

	if _, err := u.conn.WriteToUDP(pdu, dst); err != nil {
		return Header{}, nil, errors.Wrap(errors.KindIoError, err, "send rpc request")
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Header{}, nil, errors.New(errors.KindTimeout, "no rpc response within %v", timeout)
		}
		if err := u.conn.SetReadDeadline(deadline); err != nil {
			return Header{}, nil, errors.Wrap(errors.KindIoError, err, "set read deadline")
		}

		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return Header{}, nil, errors.New(errors.KindTimeout, "no rpc response within %v", timeout)
			}
			return Header{}, nil, errors.Wrap(errors.KindIoError, err, "receive rpc response")
		}

		if u.log != nil {
			u.log.LogHex("rpc rx", buf[:n])
		}
		respHdr, respBody, err := DecodeHeader(buf[:n])
		if err != nil {
			// Malformed datagram from elsewhere; keep waiting
			continue
		}
		if respHdr.ActivityUUID != hdr.ActivityUUID || respHdr.SequenceNum != hdr.SequenceNum {
			continue
		}
		if respHdr.PType == PTypeFault || respHdr.PType == PTypeReject {
			return respHdr, nil, errors.New(errors.KindProtocol, "rpc fault (ptype 0x%02X)", respHdr.PType)
		}
		return respHdr, append([]byte(nil), respBody...), nil
	}
}
