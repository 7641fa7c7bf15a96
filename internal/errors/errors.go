// Package errors provides the coded error taxonomy of the control core.
//
// Codes follow the format {domain}.{error}. They are stable and are what the
// UI feed reports alongside the human-readable message, so a UI can react to
// "session.no_peers" without parsing text.
package errors

import (
	"errors"
	"fmt"

	"github.com/crossdeck/crossdeck/pkg/protocol"
)

const (
	// Session domain
	CodeNoActiveSession  = "session.no_active" // advertise/browse/send without a session object
	CodeNoConnectedPeers = "session.no_peers"  // send with an empty target set

	// Command domain
	CodeMalformedCommand = "command.malformed"   // inbound bytes did not decode
	CodeCommandRejected  = "command.unsupported" // no handler slot on this device class
	CodeCommandFailed    = "command.failed"      // handler returned an error

	// Transport domain
	CodeTransport = "transport.failed" // I/O failure on send or receive

	// Discovery domain
	CodeDiscovery = "discovery.failed" // mDNS registration or browse failure

	// Entitlement domain
	CodeNotEntitled = "feature.not_entitled" // profile says the local user may not use the feature

	// Config domain
	CodeConfigInvalid = "config.invalid"

	CodeUnknown = "error.unknown"
)

// CodedError wraps an error with a stable code.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is matches any CodedError carrying the same code, so callers can compare
// against the package-level sentinels.
func (e *CodedError) Is(target error) bool {
	var t *CodedError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Cause == nil
}

// New creates a CodedError.
func New(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap creates a CodedError around cause.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoActiveSession  = New(CodeNoActiveSession, "no active session")
	ErrNoConnectedPeers = New(CodeNoConnectedPeers, "no connected peers")
	ErrNotEntitled      = New(CodeNotEntitled, "feature not available for this user")
)

// MalformedCommand wraps a decode failure.
func MalformedCommand(cause error) *CodedError {
	return Wrap(CodeMalformedCommand, "could not decode command", cause)
}

// Transport wraps an I/O failure.
func Transport(message string, cause error) *CodedError {
	return Wrap(CodeTransport, message, cause)
}

// GetCode extracts the code from err. Decode errors from the protocol package
// map to CodeMalformedCommand even when they were never wrapped.
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, protocol.ErrMalformedCommand) {
		return CodeMalformedCommand
	}
	return CodeUnknown
}

// IsCode checks if err carries code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// ToCodeAndMessage splits err for UI display.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		if coded.Cause != nil {
			return coded.Code, fmt.Sprintf("%s: %v", coded.Message, coded.Cause)
		}
		return coded.Code, coded.Message
	}
	return GetCode(err), err.Error()
}
