package errors

// Typed error taxonomy for the PROFINET stack

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol-stack error. Every error produced by the
// frame, dcp, rpc, ar and cyclic packages wraps exactly one Kind.
type Kind int

const (
	KindInvalidParam Kind = iota + 1
	KindTruncated
	KindProtocol
	KindTimeout
	KindNotFound
	KindAlreadyExists
	KindFull
	KindNotConnected
	KindIoError
)

// String returns the taxonomy name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidParam:
		return "InvalidParam"
	case KindTruncated:
		return "Truncated"
	case KindProtocol:
		return "Protocol"
	case KindTimeout:
		return "Timeout"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindFull:
		return "Full"
	case KindNotConnected:
		return "NotConnected"
	case KindIoError:
		return "IoError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// kindError carries a Kind plus a human-readable message.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() error {
	return e.err
}

// New creates a typed error with a formatted message.
func New(kind Kind, format string, v ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, v...)}
}

// Wrap creates a typed error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, v ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: fmt.Sprintf(format, v...), err: err}
}

// KindOf returns the Kind of err, or 0 if err carries no kind.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As delegates to the standard library, so callers matching concrete
// error types need only this package.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
