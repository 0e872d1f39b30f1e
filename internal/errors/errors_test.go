package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindTruncated, "need %d bytes, have %d", 6, 4)
	if KindOf(err) != KindTruncated {
		t.Errorf("kind: got %v, want Truncated", KindOf(err))
	}
	if err.Error() != "need 6 bytes, have 4" {
		t.Errorf("message: got %q", err.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := Wrap(KindIoError, cause, "send identify")

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
	if KindOf(err) != KindIoError {
		t.Errorf("kind: got %v, want IoError", KindOf(err))
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(KindTimeout, nil, "connect"); err != nil {
		t.Errorf("wrapping nil: got %v, want nil", err)
	}
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindTimeout, "no response within 5000 ms")
	outer := fmt.Errorf("connect to rtu-07: %w", inner)

	if !Is(outer, KindTimeout) {
		t.Error("kind should be visible through fmt.Errorf %w chains")
	}
}

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindInvalidParam, "InvalidParam"},
		{KindTruncated, "Truncated"},
		{KindProtocol, "Protocol"},
		{KindTimeout, "Timeout"},
		{KindNotFound, "NotFound"},
		{KindAlreadyExists, "AlreadyExists"},
		{KindFull, "Full"},
		{KindNotConnected, "NotConnected"},
		{KindIoError, "IoError"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("Kind(%d).String(): got %q, want %q", int(c.kind), got, c.want)
		}
	}
}

func TestUserFriendlyErrorFormat(t *testing.T) {
	err := WrapRPCError(New(KindTimeout, "no response within 5000 ms"), "Connect", "rtu-07")

	msg := err.Error()
	if !strings.Contains(msg, "Connect") || !strings.Contains(msg, "rtu-07") {
		t.Errorf("message should name operation and station: %q", msg)
	}
	if !strings.Contains(msg, "Reason: Device did not respond") {
		t.Errorf("timeout reason missing: %q", msg)
	}
}

func TestWrapRPCErrorNil(t *testing.T) {
	if err := WrapRPCError(nil, "Connect", "rtu-07"); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}
