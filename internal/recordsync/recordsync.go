package recordsync

// Credential-sync record payload
//
// Fixed-format payload carried over acyclic Record Write at a
// vendor-specific index. Layout:
//
//   magic   u32  0x504E5553 ("PNUS")
//   version u16  currently 1
//   count   u16  number of user records
//   crc     u16  CRC16-CCITT over the record area
//   pad     u16  zero
//   records count * 64 bytes
//
// Each user record is 64 bytes: 32-byte NUL-padded name, 20-byte
// credential digest, role byte, flags byte, 10 reserved bytes.

import (
	"bytes"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/frame"
	"github.com/openpnet/pnetctl/internal/rpc"
)

const (
	Magic   uint32 = 0x504E5553
	Version uint16 = 1

	headerLen     = 12
	recordLen     = 64
	nameLen       = 32
	digestLen     = 20
	reservedLen   = 10
	maxNameBytes  = nameLen
	maxUserCount  = (rpc.MaxRecordDataLen - headerLen) / recordLen
	crcInit       = 0xFFFF
	crcPolynomial = 0x1021
)

// Role values carried in the record's role byte.
const (
	RoleOperator uint8 = 0x01
	RoleEngineer uint8 = 0x02
	RoleAdmin    uint8 = 0x03
)

// UserRecord is one fixed-width credential entry.
type UserRecord struct {
	Name   string
	Digest [digestLen]byte
	Role   uint8
	Flags  uint8
}

// Build encodes a credential-sync payload for Record Write.
func Build(users []UserRecord) ([]byte, error) {
	if len(users) > maxUserCount {
		return nil, errors.New(errors.KindFull,
			"credential payload holds at most %d records, got %d", maxUserCount, len(users))
	}

	records := frame.NewBuilder(len(users) * recordLen)
	for i, u := range users {
		if len(u.Name) == 0 || len(u.Name) > maxNameBytes {
			return nil, errors.New(errors.KindInvalidParam,
				"record %d: name must be 1-%d bytes, got %d", i, maxNameBytes, len(u.Name))
		}
		name := make([]byte, nameLen)
		copy(name, u.Name)
		records.PutBytes(name)
		records.PutBytes(u.Digest[:])
		records.PutUint8(u.Role)
		records.PutUint8(u.Flags)
		records.PutBytes(make([]byte, reservedLen))
	}
	area := records.Bytes()

	b := frame.NewBuilder(headerLen + len(area))
	b.PutUint32(Magic)
	b.PutUint16(Version)
	b.PutUint16(uint16(len(users)))
	b.PutUint16(Checksum(area))
	b.PutUint16(0)
	b.PutBytes(area)
	return b.Bytes(), nil
}

// Parse decodes a credential-sync payload, verifying magic, version
// and checksum.
func Parse(data []byte) ([]UserRecord, error) {
	p := frame.NewParser(data)

	magic, err := p.Uint32()
	if err != nil {
		return nil, errors.Wrap(errors.KindTruncated, err, "credential payload header")
	}
	if magic != Magic {
		return nil, errors.New(errors.KindProtocol,
			"credential payload magic: got 0x%08X, want 0x%08X", magic, Magic)
	}
	version, err := p.Uint16()
	if err != nil {
		return nil, errors.Wrap(errors.KindTruncated, err, "credential payload header")
	}
	if version != Version {
		return nil, errors.New(errors.KindProtocol,
			"credential payload version %d not supported", version)
	}
	count, _ := p.Uint16()
	crc, _ := p.Uint16()
	if err := p.Skip(2); err != nil {
		return nil, errors.Wrap(errors.KindTruncated, err, "credential payload header")
	}

	area, err := p.Bytes(int(count) * recordLen)
	if err != nil {
		return nil, errors.Wrap(errors.KindTruncated, err,
			"credential payload records (%d expected)", count)
	}
	if got := Checksum(area); got != crc {
		return nil, errors.New(errors.KindProtocol,
			"credential payload checksum: got 0x%04X, want 0x%04X", got, crc)
	}

	users := make([]UserRecord, 0, count)
	for i := 0; i < int(count); i++ {
		rec := area[i*recordLen : (i+1)*recordLen]
		u := UserRecord{
			Name:  string(bytes.TrimRight(rec[:nameLen], "\x00")),
			Role:  rec[nameLen+digestLen],
			Flags: rec[nameLen+digestLen+1],
		}
		copy(u.Digest[:], rec[nameLen:nameLen+digestLen])
		users = append(users, u)
	}
	return users, nil
}

// Checksum computes CRC16-CCITT (poly 0x1021, init 0xFFFF) over data.
func Checksum(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
