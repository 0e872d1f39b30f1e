package rpc

// UUID wire-format handling for the PNIO context manager
//
// The RPC header declares little-endian data representation, but the
// interface and object UUIDs are embedded as big-endian byte sequences
// by convention; interoperating devices expect exactly that. Generated
// activity UUIDs are the exception: their first three fields must be
// byte-swapped before insertion so they read correctly under the
// declared little-endian DREP.

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// PNIO device interface UUID: DEA00001-6C97-11D1-8271-00A02442DF7D,
// inserted big-endian as designed (not swapped).
var deviceInterfaceUUID = [16]byte{
	0xDE, 0xA0, 0x00, 0x01, 0x6C, 0x97, 0x11, 0xD1,
	0x82, 0x71, 0x00, 0xA0, 0x24, 0x42, 0xDF, 0x7D,
}

// InitiatorObjectUUID builds the controller's 16-byte object UUID:
// DEA00000-6C97-11D1-8271- followed by instance, device ID and vendor
// ID as a big-endian suffix.
func InitiatorObjectUUID(instance, deviceID, vendorID uint16) [16]byte {
	u := [16]byte{
		0xDE, 0xA0, 0x00, 0x00, 0x6C, 0x97, 0x11, 0xD1,
		0x82, 0x71,
	}
	binary.BigEndian.PutUint16(u[10:12], instance)
	binary.BigEndian.PutUint16(u[12:14], deviceID)
	binary.BigEndian.PutUint16(u[14:16], vendorID)
	return u
}

// NewARUUID generates a fresh AR UUID. AR UUIDs travel inside PNIO
// blocks, which are big-endian throughout, so no field swapping.
func NewARUUID() [16]byte {
	return uuid.New()
}

// NewActivityUUID generates an activity UUID already swapped for
// insertion into the little-endian RPC header.
func NewActivityUUID() [16]byte {
	return SwapUUIDFields(uuid.New())
}

// SwapUUIDFields byte-swaps the time_low, time_mid and time_hi fields
// of a UUID, converting between big-endian and the mixed-endian layout
// the little-endian RPC header uses. The operation is its own inverse.
func SwapUUIDFields(u [16]byte) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = u[3], u[2], u[1], u[0]
	out[4], out[5] = u[5], u[4]
	out[6], out[7] = u[7], u[6]
	copy(out[8:], u[8:])
	return out
}

// UUIDString formats a 16-byte UUID in canonical form.
func UUIDString(u [16]byte) string {
	return uuid.UUID(u).String()
}
