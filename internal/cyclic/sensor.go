package cyclic

// Sensor and actuator payload codecs
//
// Sensor slots are 5 wire bytes: big-endian IEEE-754 float then one
// quality byte (OPC-UA-compatible encoding). Some legacy firmware
// omits the quality byte; a 4-byte payload is accepted and mapped to
// Uncertain. Actuator slots are 4 bytes: command, PWM duty, two
// reserved zero bytes.

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/openpnet/pnetctl/internal/errors"
)

// Quality is the one-byte sensor quality indicator.
type Quality uint8

const (
	QualityGood         Quality = 0x00
	QualityUncertain    Quality = 0x40
	QualityBad          Quality = 0x80
	QualityNotConnected Quality = 0xC0
)

// String returns the quality name.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	case QualityBad:
		return "Bad"
	case QualityNotConnected:
		return "NotConnected"
	}
	return "Invalid"
}

// Slot wire widths
const (
	SensorSlotWidth       = 5
	LegacySensorSlotWidth = 4
	ActuatorSlotWidth     = 4
)

// SensorReading is one decoded sensor slot.
type SensorReading struct {
	Value     float32
	Quality   Quality
	Timestamp time.Time
}

// DecodeSensorReading decodes a 5-byte sensor slot, accepting the
// 4-byte legacy variant with quality defaulting to Uncertain.
func DecodeSensorReading(data []byte, now time.Time) (SensorReading, error) {
	switch len(data) {
	case SensorSlotWidth:
		return SensorReading{
			Value:     math.Float32frombits(binary.BigEndian.Uint32(data[0:4])),
			Quality:   Quality(data[4]),
			Timestamp: now,
		}, nil
	case LegacySensorSlotWidth:
		return SensorReading{
			Value:     math.Float32frombits(binary.BigEndian.Uint32(data[0:4])),
			Quality:   QualityUncertain,
			Timestamp: now,
		}, nil
	}
	return SensorReading{}, errors.New(errors.KindTruncated, "sensor slot: %d bytes, want %d or %d", len(data), SensorSlotWidth, LegacySensorSlotWidth)
}

// EncodeSensorReading encodes a reading into 5 wire bytes. Used by the
// loopback tooling and tests.
func EncodeSensorReading(r SensorReading) [SensorSlotWidth]byte {
	var out [SensorSlotWidth]byte
	binary.BigEndian.PutUint32(out[0:4], math.Float32bits(r.Value))
	out[4] = uint8(r.Quality)
	return out
}

// ActuatorOutput is one actuator slot command.
type ActuatorOutput struct {
	Command uint8
	PWMDuty uint8 // 0-255
}

// Encode serializes the actuator command to its 4 wire bytes.
func (a ActuatorOutput) Encode() [ActuatorSlotWidth]byte {
	return [ActuatorSlotWidth]byte{a.Command, a.PWMDuty, 0x00, 0x00}
}

// DecodeActuatorOutput parses a 4-byte actuator slot.
func DecodeActuatorOutput(data []byte) (ActuatorOutput, error) {
	if len(data) < ActuatorSlotWidth {
		return ActuatorOutput{}, errors.New(errors.KindTruncated, "actuator slot: %d bytes, want %d", len(data), ActuatorSlotWidth)
	}
	return ActuatorOutput{Command: data[0], PWMDuty: data[1]}, nil
}
