package frame

// Bounded frame builder
//
// All multi-byte values are written big-endian (network order), which is
// the order PROFINET uses for everything outside the DCE/RPC header.

import (
	"encoding/binary"

	"github.com/openpnet/pnetctl/internal/errors"
)

// Builder accumulates a frame into a fixed-capacity buffer. Every write
// is bounds-checked against the capacity given at construction; a write
// that would overflow fails with a Full error and leaves the buffer
// unchanged.
type Builder struct {
	buf []byte
}

// NewBuilder creates a builder with the given capacity.
func NewBuilder(capacity int) *Builder {
	return &Builder{buf: make([]byte, 0, capacity)}
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated frame.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Reset discards all written bytes, keeping the capacity.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}

func (b *Builder) ensure(n int) error {
	if len(b.buf)+n > cap(b.buf) {
		return errors.New(errors.KindFull, "frame builder full: need %d bytes, %d free", n, cap(b.buf)-len(b.buf))
	}
	return nil
}

// PutUint8 appends one byte.
func (b *Builder) PutUint8(v uint8) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.buf = append(b.buf, v)
	return nil
}

// PutUint16 appends a big-endian 16-bit value.
func (b *Builder) PutUint16(v uint16) error {
	if err := b.ensure(2); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return nil
}

// PutUint32 appends a big-endian 32-bit value.
func (b *Builder) PutUint32(v uint32) error {
	if err := b.ensure(4); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return nil
}

// PutBytes appends a byte slice verbatim.
func (b *Builder) PutBytes(p []byte) error {
	if err := b.ensure(len(p)); err != nil {
		return err
	}
	b.buf = append(b.buf, p...)
	return nil
}

// SetUint16 patches a big-endian 16-bit value at an already-written offset.
// Used to back-fill length fields once a block is complete.
func (b *Builder) SetUint16(offset int, v uint16) error {
	if offset < 0 || offset+2 > len(b.buf) {
		return errors.New(errors.KindInvalidParam, "patch offset %d outside written range %d", offset, len(b.buf))
	}
	binary.BigEndian.PutUint16(b.buf[offset:], v)
	return nil
}

// PadTo appends zero bytes until the frame is at least n bytes long.
func (b *Builder) PadTo(n int) error {
	if n > cap(b.buf) {
		return errors.New(errors.KindFull, "pad to %d exceeds capacity %d", n, cap(b.buf))
	}
	for len(b.buf) < n {
		b.buf = append(b.buf, 0)
	}
	return nil
}
