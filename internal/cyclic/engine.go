package cyclic

// Engine owns the per-frame-ID cyclic state: input buffers with
// replay guards, output buffers with cycle counters. Buffers are
// borrowed from the owning AR, sized to the negotiated C_SDU length;
// the payload view overlays the leading slot bytes and the rest is
// wire padding. The controller registers an input/output pair when an
// AR reaches run state and unregisters on teardown, so the engine
// never observes a buffer while connect/release traffic is still
// mutating it.

import (
	"net"
	"sync"
	"time"

	"github.com/openpnet/pnetctl/internal/errors"
	"github.com/openpnet/pnetctl/internal/logging"
)

// SensorUpdate is one received sensor slot, reported to the caller
// after a valid inbound frame.
type SensorUpdate struct {
	FrameID uint16
	Index   int
	Slot    uint16
	Raw     []byte
}

type inputState struct {
	view         *PayloadView
	buffer       []byte
	guard        CounterGuard
	lastFrame    time.Time
	legacyWarned bool
}

type outputState struct {
	view    *PayloadView
	buffer  []byte
	dst     net.HardwareAddr
	counter uint16
}

// Engine drives cyclic IO for all connected devices.
type Engine struct {
	mu      sync.Mutex
	log     *logging.Logger
	src     net.HardwareAddr
	inputs  map[uint16]*inputState
	outputs map[uint16]*outputState
}

// NewEngine creates an engine sending from the given controller MAC.
func NewEngine(src net.HardwareAddr, log *logging.Logger) *Engine {
	return &Engine{
		log:     log,
		src:     src,
		inputs:  make(map[uint16]*inputState),
		outputs: make(map[uint16]*outputState),
	}
}

// RegisterInput starts tracking an input IOCR under its assigned
// frame ID. buffer is the AR's input buffer, sized to the negotiated
// data length; inbound frames must carry exactly len(buffer) payload
// bytes.
func (e *Engine) RegisterInput(frameID uint16, view *PayloadView, buffer []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inputs[frameID]; ok {
		return errors.New(errors.KindAlreadyExists, "input frame ID 0x%04X already registered", frameID)
	}
	if len(buffer) < view.TotalLength() {
		return errors.New(errors.KindInvalidParam, "input buffer %d bytes, view covers %d", len(buffer), view.TotalLength())
	}
	e.inputs[frameID] = &inputState{
		view:   view,
		buffer: buffer,
	}
	return nil
}

// RegisterOutput starts tracking an output IOCR under its assigned
// frame ID, destined for the device MAC. buffer is the AR's output
// buffer; outbound frames carry all of it.
func (e *Engine) RegisterOutput(frameID uint16, dst net.HardwareAddr, view *PayloadView, buffer []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outputs[frameID]; ok {
		return errors.New(errors.KindAlreadyExists, "output frame ID 0x%04X already registered", frameID)
	}
	if len(buffer) < view.TotalLength() {
		return errors.New(errors.KindInvalidParam, "output buffer %d bytes, view covers %d", len(buffer), view.TotalLength())
	}
	e.outputs[frameID] = &outputState{
		view:   view,
		buffer: buffer,
		dst:    dst,
	}
	return nil
}

// Unregister drops any input or output state held under frameID.
func (e *Engine) Unregister(frameID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inputs, frameID)
	delete(e.outputs, frameID)
}

// OutputFrameIDs lists the currently registered output frame IDs.
func (e *Engine) OutputFrameIDs() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint16, 0, len(e.outputs))
	for id := range e.outputs {
		ids = append(ids, id)
	}
	return ids
}

// HandleFrame processes one inbound cyclic frame. Replayed or
// out-of-window cycle counters reject the frame without touching the
// buffer. On success the per-slot sensor bytes are returned for
// dispatch outside any engine lock.
func (e *Engine) HandleFrame(frameID uint16, data []byte, now time.Time) ([]SensorUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.inputs[frameID]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no input IOCR for frame ID 0x%04X", frameID)
	}

	rt, err := ParseRTData(data, len(in.buffer))
	if err != nil {
		return nil, err
	}
	if err := in.guard.Check(rt.Counter); err != nil {
		return nil, err
	}

	copy(in.buffer, rt.Payload)
	in.lastFrame = now

	updates := make([]SensorUpdate, 0, in.view.SlotCount())
	for i := 0; i < in.view.SlotCount(); i++ {
		raw, err := in.view.RawAt(in.buffer, i)
		if err != nil {
			return updates, err
		}
		if len(raw) == LegacySensorSlotWidth && !in.legacyWarned {
			in.legacyWarned = true
			if e.log != nil {
				e.log.Info("frame ID 0x%04X slot %d carries 4-byte sensor data, quality defaults to Uncertain", frameID, in.view.SlotAt(i))
			}
		}
		updates = append(updates, SensorUpdate{
			FrameID: frameID,
			Index:   i,
			Slot:    in.view.SlotAt(i),
			Raw:     append([]byte(nil), raw...),
		})
	}
	return updates, nil
}

// LastFrameTime reports when the input IOCR last accepted a frame.
// The zero time means no frame yet.
func (e *Engine) LastFrameTime(frameID uint16) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.inputs[frameID]
	if !ok {
		return time.Time{}, false
	}
	return in.lastFrame, true
}

// SensorAt decodes one sensor slot from the input buffer.
func (e *Engine) SensorAt(frameID uint16, index int, now time.Time) (SensorReading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.inputs[frameID]
	if !ok {
		return SensorReading{}, errors.New(errors.KindNotFound, "no input IOCR for frame ID 0x%04X", frameID)
	}
	return in.view.SensorAt(in.buffer, index, now)
}

// SetActuator updates one actuator slot in the output buffer. The new
// value rides out with the next cyclic transmission.
func (e *Engine) SetActuator(frameID uint16, slot uint16, out ActuatorOutput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outputs[frameID]
	if !ok {
		return errors.New(errors.KindNotFound, "no output IOCR for frame ID 0x%04X", frameID)
	}
	return o.view.WriteActuator(o.buffer, slot, out)
}

// BuildOutput serializes the next outbound frame for frameID,
// advancing its cycle counter.
func (e *Engine) BuildOutput(frameID uint16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outputs[frameID]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no output IOCR for frame ID 0x%04X", frameID)
	}
	o.counter++
	return BuildRTFrame(o.dst, e.src, frameID, o.buffer, o.counter, DefaultDataStatus)
}
