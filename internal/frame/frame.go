package frame

// Wire-level framing constants and Ethernet header codec

import (
	"net"

	"github.com/openpnet/pnetctl/internal/errors"
)

// EtherTypes and frame-ID ranges
const (
	EtherTypePROFINET uint16 = 0x8892
	EtherTypeVLAN     uint16 = 0x8100

	// Ethernet minimum frame length (without FCS)
	MinFrameLen = 60

	// DCP frame-ID range
	FrameIDDCPMin uint16 = 0xFEFC
	FrameIDDCPMax uint16 = 0xFEFF

	FrameIDDCPHello     uint16 = 0xFEFC
	FrameIDDCPGetSet    uint16 = 0xFEFD
	FrameIDDCPIdentify  uint16 = 0xFEFE
	FrameIDDCPIdentifyR uint16 = 0xFEFF

	// RT class 1 cyclic frame-ID range (assigned by device during connect)
	FrameIDRTC1Min uint16 = 0x8000
	FrameIDRTC1Max uint16 = 0xBFFF
)

// IsDCPFrameID reports whether id falls in the DCP frame-ID range.
func IsDCPFrameID(id uint16) bool {
	return id >= FrameIDDCPMin && id <= FrameIDDCPMax
}

// IsCyclicFrameID reports whether id falls in the RT class 1 range.
func IsCyclicFrameID(id uint16) bool {
	return id >= FrameIDRTC1Min && id <= FrameIDRTC1Max
}

// EthernetHeader represents an Ethernet II header with an optional
// single 802.1Q VLAN tag.
type EthernetHeader struct {
	Dst       net.HardwareAddr
	Src       net.HardwareAddr
	HasVLAN   bool
	VLANTag   uint16 // PCP/DEI/VID, written only when HasVLAN
	EtherType uint16
}

// EncodeEthernetHeader appends the header to the builder.
func EncodeEthernetHeader(b *Builder, h EthernetHeader) error {
	if len(h.Dst) != 6 || len(h.Src) != 6 {
		return errors.New(errors.KindInvalidParam, "ethernet header: MAC must be 6 bytes")
	}
	if err := b.PutBytes(h.Dst); err != nil {
		return err
	}
	if err := b.PutBytes(h.Src); err != nil {
		return err
	}
	if h.HasVLAN {
		if err := b.PutUint16(EtherTypeVLAN); err != nil {
			return err
		}
		if err := b.PutUint16(h.VLANTag); err != nil {
			return err
		}
	}
	return b.PutUint16(h.EtherType)
}

// DecodeEthernetHeader reads an Ethernet header from the parser,
// consuming a single VLAN tag if present.
func DecodeEthernetHeader(p *Parser) (EthernetHeader, error) {
	var h EthernetHeader

	dst, err := p.Bytes(6)
	if err != nil {
		return h, err
	}
	src, err := p.Bytes(6)
	if err != nil {
		return h, err
	}
	h.Dst = net.HardwareAddr(dst)
	h.Src = net.HardwareAddr(src)

	et, err := p.Uint16()
	if err != nil {
		return h, err
	}
	if et == EtherTypeVLAN {
		h.HasVLAN = true
		h.VLANTag, err = p.Uint16()
		if err != nil {
			return h, err
		}
		et, err = p.Uint16()
		if err != nil {
			return h, err
		}
	}
	h.EtherType = et

	return h, nil
}
