package frame

// Zero-allocation cursor parser
//
// A Parser walks an immutable byte slice. Reads return sub-slices of the
// original data; callers must copy if they retain bytes past the frame's
// lifetime.

import (
	"encoding/binary"

	"github.com/openpnet/pnetctl/internal/errors"
)

// Parser is a read cursor over an immutable byte slice.
type Parser struct {
	data []byte
	off  int
}

// NewParser creates a parser over data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Remaining returns the number of unread bytes.
func (p *Parser) Remaining() int {
	return len(p.data) - p.off
}

// Offset returns the current read position.
func (p *Parser) Offset() int {
	return p.off
}

func (p *Parser) need(n int) error {
	if p.Remaining() < n {
		return errors.New(errors.KindTruncated, "truncated at offset %d: need %d bytes, have %d", p.off, n, p.Remaining())
	}
	return nil
}

// Uint8 reads one byte.
func (p *Parser) Uint8() (uint8, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.data[p.off]
	p.off++
	return v, nil
}

// Uint16 reads a big-endian 16-bit value.
func (p *Parser) Uint16() (uint16, error) {
	if err := p.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(p.data[p.off:])
	p.off += 2
	return v, nil
}

// Uint32 reads a big-endian 32-bit value.
func (p *Parser) Uint32() (uint32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

// Bytes reads n bytes and returns them as a sub-slice of the input.
func (p *Parser) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New(errors.KindInvalidParam, "negative read length %d", n)
	}
	if err := p.need(n); err != nil {
		return nil, err
	}
	v := p.data[p.off : p.off+n]
	p.off += n
	return v, nil
}

// Skip advances the cursor by n bytes.
func (p *Parser) Skip(n int) error {
	if n < 0 {
		return errors.New(errors.KindInvalidParam, "negative skip length %d", n)
	}
	if err := p.need(n); err != nil {
		return err
	}
	p.off += n
	return nil
}

// Align advances the cursor to the next multiple of n from the start of
// the parsed data. PNIO response blocks are 4-aligned between each other.
func (p *Parser) Align(n int) error {
	if n <= 0 {
		return errors.New(errors.KindInvalidParam, "alignment must be positive, got %d", n)
	}
	rem := p.off % n
	if rem == 0 {
		return nil
	}
	return p.Skip(n - rem)
}

// Rest returns all unread bytes without advancing the cursor.
func (p *Parser) Rest() []byte {
	return p.data[p.off:]
}
