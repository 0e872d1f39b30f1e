package cyclic

// Typed view over an IOCR payload
//
// Offsets are computed once from the slot list by summing per-slot
// widths in slot order, so device-defined or non-contiguous layouts
// work without a fixed slot-to-offset table.

import (
	"time"

	"github.com/openpnet/pnetctl/internal/errors"
)

// Direction says which way a slot's data flows.
type Direction uint8

const (
	DirectionSensor   Direction = iota // device -> controller
	DirectionActuator                  // controller -> device
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionActuator {
		return "actuator"
	}
	return "sensor"
}

// SlotEntry describes one plugged module position.
type SlotEntry struct {
	Slot           uint16
	Subslot        uint16
	ModuleIdent    uint32
	SubmoduleIdent uint32
	Direction      Direction
	DataLength     uint16
}

// slotRegion is a resolved (slot, offset, width) triple.
type slotRegion struct {
	slot   uint16
	offset int
	width  int
}

// PayloadView maps slot numbers to byte ranges inside one IOCR
// payload. Build one per direction from the discovered slot list.
type PayloadView struct {
	regions []slotRegion
	total   int
}

// NewPayloadView computes offsets for all slots matching dir, in the
// order they appear in the slot list.
func NewPayloadView(slots []SlotEntry, dir Direction) *PayloadView {
	v := &PayloadView{}
	for _, s := range slots {
		if s.Direction != dir {
			continue
		}
		width := int(s.DataLength)
		if width == 0 {
			if dir == DirectionSensor {
				width = SensorSlotWidth
			} else {
				width = ActuatorSlotWidth
			}
		}
		v.regions = append(v.regions, slotRegion{slot: s.Slot, offset: v.total, width: width})
		v.total += width
	}
	return v
}

// TotalLength is the payload byte count the view covers.
func (v *PayloadView) TotalLength() int { return v.total }

// SlotCount is the number of slots in the view.
func (v *PayloadView) SlotCount() int { return len(v.regions) }

// SlotAt returns the slot number of the i-th region.
func (v *PayloadView) SlotAt(i int) uint16 { return v.regions[i].slot }

// SensorAt decodes the i-th sensor region from payload.
func (v *PayloadView) SensorAt(payload []byte, i int, now time.Time) (SensorReading, error) {
	if i < 0 || i >= len(v.regions) {
		return SensorReading{}, errors.New(errors.KindNotFound, "sensor index %d out of range (%d slots)", i, len(v.regions))
	}
	r := v.regions[i]
	if r.offset+r.width > len(payload) {
		return SensorReading{}, errors.New(errors.KindTruncated, "payload %d bytes, sensor %d needs %d", len(payload), i, r.offset+r.width)
	}
	return DecodeSensorReading(payload[r.offset:r.offset+r.width], now)
}

// RawAt returns the i-th region's wire bytes without decoding.
func (v *PayloadView) RawAt(payload []byte, i int) ([]byte, error) {
	if i < 0 || i >= len(v.regions) {
		return nil, errors.New(errors.KindNotFound, "slot index %d out of range (%d slots)", i, len(v.regions))
	}
	r := v.regions[i]
	if r.offset+r.width > len(payload) {
		return nil, errors.New(errors.KindTruncated, "payload %d bytes, slot %d needs %d", len(payload), i, r.offset+r.width)
	}
	return payload[r.offset : r.offset+r.width], nil
}

// WriteActuator encodes out into the region belonging to slot.
func (v *PayloadView) WriteActuator(payload []byte, slot uint16, out ActuatorOutput) error {
	for _, r := range v.regions {
		if r.slot != slot {
			continue
		}
		if r.offset+ActuatorSlotWidth > len(payload) {
			return errors.New(errors.KindFull, "payload %d bytes, actuator slot %d needs %d", len(payload), slot, r.offset+ActuatorSlotWidth)
		}
		enc := out.Encode()
		copy(payload[r.offset:], enc[:])
		return nil
	}
	return errors.New(errors.KindNotFound, "no actuator region for slot %d", slot)
}
