package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/crossdeck/crossdeck/pkg/protocol"
)

func TestCodedError_Error(t *testing.T) {
	err := New(CodeNoConnectedPeers, "nobody to talk to")
	if got := err.Error(); got != "session.no_peers: nobody to talk to" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := Transport("send failed", io.ErrClosedPipe)
	if got := wrapped.Error(); got != "transport.failed: send failed (io: read/write on closed pipe)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCodedError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("start hosting: %w", Wrap(CodeNoActiveSession, "advertiser has no session", nil))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected errors.Is to match ErrNoActiveSession")
	}
	if errors.Is(err, ErrNoConnectedPeers) {
		t.Errorf("different codes must not match")
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	err := Transport("write", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("cause should be reachable through Unwrap")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotEntitled, CodeNotEntitled},
		{fmt.Errorf("wrapped: %w", MalformedCommand(io.EOF)), CodeMalformedCommand},
		{fmt.Errorf("decode: %w", protocol.ErrMalformedCommand), CodeMalformedCommand},
		{io.EOF, CodeUnknown},
	}
	for _, tt := range tests {
		if got := GetCode(tt.err); got != tt.want {
			t.Errorf("GetCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !IsCode(ErrNoConnectedPeers, CodeNoConnectedPeers) {
		t.Errorf("IsCode should match")
	}
}

func TestToCodeAndMessage(t *testing.T) {
	code, msg := ToCodeAndMessage(Transport("send", io.ErrClosedPipe))
	if code != CodeTransport || msg != "send: io: read/write on closed pipe" {
		t.Errorf("got (%q, %q)", code, msg)
	}
	code, msg = ToCodeAndMessage(io.EOF)
	if code != CodeUnknown || msg != "EOF" {
		t.Errorf("got (%q, %q)", code, msg)
	}
}
