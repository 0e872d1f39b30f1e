package dcp

// DCP discovery and configuration client
//
// Identify requests go to the PROFINET multicast MAC; Set requests are
// unicast and fire-and-forget (a later identify confirms the change).

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
	"github.com/openpnet/pnetctl/internal/logging"
)

// MulticastMAC is the DCP identify multicast destination.
var MulticastMAC = net.HardwareAddr{0x01, 0x0E, 0xCF, 0x00, 0x00, 0x00}

// Response-collection window bounds (protocol default 1280 ms)
const (
	DefaultResponseWindow = 1280 * time.Millisecond
	MinResponseWindow     = 100 * time.Millisecond
	MaxResponseWindow     = 10000 * time.Millisecond

	// Response delay granted to devices in identify requests,
	// in 10 ms units keyed off the device MAC
	identifyResponseDelay uint16 = 0x00FF

	frameCapacity = 1500
)

// ClampResponseWindow clamps a configured window into the valid range.
func ClampResponseWindow(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultResponseWindow
	}
	if d < MinResponseWindow {
		return MinResponseWindow
	}
	if d > MaxResponseWindow {
		return MaxResponseWindow
	}
	return d
}

// FrameSender transmits a raw Ethernet frame.
type FrameSender interface {
	SendFrame(data []byte) error
}

// DeviceFunc is invoked with a device snapshot after each cache update.
type DeviceFunc func(DeviceIdentity)

// Client performs DCP discovery and configuration.
type Client struct {
	sender   FrameSender
	localMAC net.HardwareAddr
	cache    *Cache
	log      *logging.Logger
	window   time.Duration
	onDevice DeviceFunc
	xid      atomic.Uint32
}

// NewClient creates a DCP client sending from localMAC.
func NewClient(sender FrameSender, localMAC net.HardwareAddr, window time.Duration, log *logging.Logger) *Client {
	c := &Client{
		sender:   sender,
		localMAC: localMAC,
		cache:    NewCache(),
		log:      log,
		window:   ClampResponseWindow(window),
	}
	c.xid.Store(uint32(time.Now().UnixNano()))
	return c
}

// Cache returns the device cache.
func (c *Client) Cache() *Cache {
	return c.cache
}

// ResponseWindow returns how long callers should collect identify
// responses before considering a discovery round final.
func (c *Client) ResponseWindow() time.Duration {
	return c.window
}

// OnDevice registers the callback invoked for every cache update.
func (c *Client) OnDevice(fn DeviceFunc) {
	c.onDevice = fn
}

func (c *Client) nextXid() uint32 {
	return c.xid.Add(1)
}

// IdentifyAll broadcasts an identify-all request. Responses arrive
// asynchronously via ProcessFrame within the response window.
func (c *Client) IdentifyAll() error {
	blk := Block{Option: OptionAll, Suboption: OptionAll}
	return c.sendRequest(MulticastMAC, frame.FrameIDDCPIdentify, ServiceIdentify, identifyResponseDelay, blk)
}

// IdentifyByName broadcasts an identify request filtered by station name.
func (c *Client) IdentifyByName(name string) error {
	if name == "" {
		return errors.New(errors.KindInvalidParam, "identify: empty station name")
	}
	blk := Block{Option: OptionDeviceProperties, Suboption: SuboptionNameOfStation, Payload: []byte(name)}
	return c.sendRequest(MulticastMAC, frame.FrameIDDCPIdentify, ServiceIdentify, identifyResponseDelay, blk)
}

// SetIP sends a Set IP-parameter request to the device.
func (c *Client) SetIP(mac net.HardwareAddr, ip, mask, gateway net.IP, permanent bool) error {
	ip4, mask4, gw4 := ip.To4(), mask.To4(), gateway.To4()
	if ip4 == nil || mask4 == nil || gw4 == nil {
		return errors.New(errors.KindInvalidParam, "set ip: addresses must be IPv4")
	}

	var param IPParameter
	copy(param.Address[:], ip4)
	copy(param.Mask[:], mask4)
	copy(param.Gateway[:], gw4)

	qualifier := QualifierTemporary
	if permanent {
		qualifier = QualifierPermanent
	}
	blk := Block{
		Option:    OptionIP,
		Suboption: SuboptionIPParameter,
		Payload:   SetBlockPayload(qualifier, EncodeIPParameter(param)),
	}
	return c.sendRequest(mac, frame.FrameIDDCPGetSet, ServiceSet, 0, blk)
}

// SetStationName sends a Set name-of-station request to the device.
func (c *Client) SetStationName(mac net.HardwareAddr, name string, permanent bool) error {
	if name == "" {
		return errors.New(errors.KindInvalidParam, "set station name: empty name")
	}

	qualifier := QualifierTemporary
	if permanent {
		qualifier = QualifierPermanent
	}
	blk := Block{
		Option:    OptionDeviceProperties,
		Suboption: SuboptionNameOfStation,
		Payload:   SetBlockPayload(qualifier, []byte(name)),
	}
	return c.sendRequest(mac, frame.FrameIDDCPGetSet, ServiceSet, 0, blk)
}

// Signal asks the device to flash its signal LED.
func (c *Client) Signal(mac net.HardwareAddr) error {
	blk := Block{
		Option:    OptionControl,
		Suboption: SuboptionSignal,
		Payload:   SetBlockPayload(0, []byte{byte(SignalFlashOnce >> 8), byte(SignalFlashOnce & 0xFF)}),
	}
	return c.sendRequest(mac, frame.FrameIDDCPGetSet, ServiceSet, 0, blk)
}

// ResetToFactory resets the device's communication parameters.
func (c *Client) ResetToFactory(mac net.HardwareAddr) error {
	blk := Block{
		Option:    OptionControl,
		Suboption: SuboptionResetToFactory,
		Payload:   SetBlockPayload(ResetCommunication, nil),
	}
	return c.sendRequest(mac, frame.FrameIDDCPGetSet, ServiceSet, 0, blk)
}

// sendRequest builds and transmits one DCP request frame.
func (c *Client) sendRequest(dst net.HardwareAddr, frameID uint16, serviceID uint8, responseDelay uint16, blocks ...Block) error {
	// Pre-encode blocks to learn the DCP data length
	blockBuf := frame.NewBuilder(frameCapacity)
	for _, blk := range blocks {
		if err := EncodeBlock(blockBuf, blk); err != nil {
			return err
		}
	}

	b := frame.NewBuilder(frameCapacity)
	eth := frame.EthernetHeader{Dst: dst, Src: c.localMAC, EtherType: frame.EtherTypePROFINET}
	if err := frame.EncodeEthernetHeader(b, eth); err != nil {
		return err
	}
	if err := b.PutUint16(frameID); err != nil {
		return err
	}
	hdr := Header{
		ServiceID:     serviceID,
		ServiceType:   ServiceTypeRequest,
		Xid:           c.nextXid(),
		ResponseDelay: responseDelay,
		DataLength:    uint16(blockBuf.Len()),
	}
	if err := EncodeHeader(b, hdr); err != nil {
		return err
	}
	if err := b.PutBytes(blockBuf.Bytes()); err != nil {
		return err
	}
	if err := b.PadTo(frame.MinFrameLen); err != nil {
		return err
	}

	if c.log != nil {
		c.log.LogHex("dcp tx", b.Bytes())
	}
	if err := c.sender.SendFrame(b.Bytes()); err != nil {
		return errors.Wrap(errors.KindIoError, err, "send dcp frame")
	}
	return nil
}

// ProcessFrame handles a received DCP frame. src is the sender MAC,
// frameID the already-decoded frame ID, payload the bytes after it.
// The transport calls this for every PROFINET frame in the DCP range.
func (c *Client) ProcessFrame(src net.HardwareAddr, frameID uint16, payload []byte) error {
	if !frame.IsDCPFrameID(frameID) {
		return errors.New(errors.KindInvalidParam, "frame ID 0x%04X outside DCP range", frameID)
	}

	p := frame.NewParser(payload)
	hdr, err := DecodeHeader(p)
	if err != nil {
		return err
	}

	// Only identify responses feed the cache; set/get confirmations are
	// fire-and-forget by design.
	if hdr.ServiceID != ServiceIdentify || hdr.ServiceType != ServiceTypeSuccess {
		return nil
	}

	update := DeviceIdentity{MAC: src, LastSeen: time.Now()}
	remaining := int(hdr.DataLength)
	for remaining > 0 {
		before := p.Offset()
		blk, err := DecodeBlock(p)
		if err != nil {
			return err
		}
		remaining -= p.Offset() - before
		if err := applyBlock(&update, blk); err != nil {
			return err
		}
	}

	snapshot := c.cache.Upsert(update)
	if c.log != nil {
		c.log.Debug("dcp identify response from %s (%s)", snapshot.MAC, snapshot.StationName)
	}
	if c.onDevice != nil {
		c.onDevice(snapshot)
	}
	return nil
}

// applyBlock merges one identify-response block into the update.
// Response payloads begin with a 2-byte block info word.
func applyBlock(dev *DeviceIdentity, blk Block) error {
	switch {
	case blk.Option == OptionIP && blk.Suboption == SuboptionIPParameter:
		param, err := DecodeIPParameter(blk.Payload)
		if err != nil {
			return err
		}
		dev.Address = net.IP(param.Address[:])
		dev.Mask = net.IP(param.Mask[:])
		dev.Gateway = net.IP(param.Gateway[:])

	case blk.Option == OptionDeviceProperties && blk.Suboption == SuboptionNameOfStation:
		if len(blk.Payload) < 2 {
			return errors.New(errors.KindTruncated, "name-of-station block: %d bytes", len(blk.Payload))
		}
		dev.StationName = string(blk.Payload[2:])

	case blk.Option == OptionDeviceProperties && blk.Suboption == SuboptionDeviceVendor:
		if len(blk.Payload) < 2 {
			return errors.New(errors.KindTruncated, "device-vendor block: %d bytes", len(blk.Payload))
		}
		dev.VendorName = string(blk.Payload[2:])

	case blk.Option == OptionDeviceProperties && blk.Suboption == SuboptionDeviceID:
		if len(blk.Payload) < 6 {
			return errors.New(errors.KindTruncated, "device-id block: %d bytes", len(blk.Payload))
		}
		dev.VendorID = uint16(blk.Payload[2])<<8 | uint16(blk.Payload[3])
		dev.DeviceID = uint16(blk.Payload[4])<<8 | uint16(blk.Payload[5])

	case blk.Option == OptionDeviceProperties && blk.Suboption == SuboptionDeviceRole:
		if len(blk.Payload) < 3 {
			return errors.New(errors.KindTruncated, "device-role block: %d bytes", len(blk.Payload))
		}
		dev.Role = blk.Payload[2]
	}

	// Unknown blocks are skipped, not errors
	return nil
}
