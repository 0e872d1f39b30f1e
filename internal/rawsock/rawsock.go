package rawsock

// Raw Ethernet access for the PROFINET EtherType
//
// A Socket wraps a pcap handle filtered to EtherType 0x8892 with a
// short read timeout, so the receive loop stays responsive to
// shutdown. An optional pcapgo writer mirrors every sent and received
// frame into a capture file for offline analysis.

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	"github.com/openpnet/pnetctl/internal/errors"
)

const (
	snapLen     = 65535
	pollTimeout = 100 * time.Millisecond
	bpfFilter   = "ether proto 0x8892"
)

// Socket is a raw Ethernet endpoint bound to one interface.
type Socket struct {
	iface  string
	handle *pcap.Handle

	mu          sync.Mutex
	captureFile *os.File
	captureW    *pcapgo.Writer
}

// Open binds a raw socket to the interface, filtered to PROFINET
// traffic. Failure here is fatal to the controller instance; the
// caller decides how to surface it.
func Open(iface string) (*Socket, error) {
	handle, err := pcap.OpenLive(iface, snapLen, true, pollTimeout)
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, err, "open raw socket on %s", iface)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, errors.Wrap(errors.KindIoError, err, "set BPF filter on %s", iface)
	}
	return &Socket{iface: iface, handle: handle}, nil
}

// Interface returns the bound interface name.
func (s *Socket) Interface() string { return s.iface }

// EnableCapture mirrors all traffic through this socket into a pcap
// file until Close.
func (s *Socket) EnableCapture(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureW != nil {
		return errors.New(errors.KindAlreadyExists, "capture already enabled")
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	w := pcapgo.NewWriter(file)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return fmt.Errorf("write capture header: %w", err)
	}
	s.captureFile = file
	s.captureW = w
	return nil
}

func (s *Socket) mirror(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureW == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := s.captureW.WritePacket(ci, data); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write capture packet: %v\n", err)
	}
}

// SendFrame transmits one Ethernet frame.
func (s *Socket) SendFrame(data []byte) error {
	if err := s.handle.WritePacketData(data); err != nil {
		return errors.Wrap(errors.KindIoError, err, "send frame on %s", s.iface)
	}
	s.mirror(data)
	return nil
}

// Recv returns the next PROFINET frame, or a Timeout error after the
// poll interval so the caller can check its running flag.
func (s *Socket) Recv() ([]byte, error) {
	data, _, err := s.handle.ReadPacketData()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return nil, errors.New(errors.KindTimeout, "no frame within poll interval")
		}
		return nil, errors.Wrap(errors.KindIoError, err, "receive on %s", s.iface)
	}
	s.mirror(data)
	return data, nil
}

// Close shuts the handle and any capture file. Idempotent enough for
// deferred use.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.captureFile != nil {
		s.captureFile.Close()
		s.captureFile = nil
		s.captureW = nil
	}
	s.mu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}

// Interfaces lists capture-capable interfaces with their addresses.
func Interfaces() ([]string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, errors.Wrap(errors.KindIoError, err, "list network devices")
	}
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		line := d.Name
		for _, addr := range d.Addresses {
			if ip4 := addr.IP.To4(); ip4 != nil {
				line += " " + ip4.String()
			}
		}
		if d.Description != "" {
			line += " (" + d.Description + ")"
		}
		out = append(out, line)
	}
	return out, nil
}

// HardwareAddr resolves the interface's MAC address.
func HardwareAddr(iface string) (net.HardwareAddr, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrap(errors.KindNotFound, err, "interface %s", iface)
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, errors.New(errors.KindInvalidParam, "interface %s has no usable MAC", iface)
	}
	return ifi.HardwareAddr, nil
}
