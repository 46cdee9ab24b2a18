package ocpp

import (
	"errors"
	"fmt"
)

// Code identifies a proxy-internal error class. Codes surface verbatim
// in CallError frames and backend error replies.
type Code string

const (
	// Transport.
	CodeConnectionLost  Code = "ConnectionLost"
	CodeInvalidFrame    Code = "InvalidFrame"
	CodeHandshakeFailed Code = "HandshakeFailed"

	// Protocol.
	CodeNotImplemented   Code = "NotImplemented"
	CodeMalformedPayload Code = "MalformedPayload"
	CodeVersionMismatch  Code = "VersionMismatch"

	// Arbitration.
	CodeAlreadyHeld        Code = "AlreadyHeld"
	CodeNotLockHolder      Code = "NotLockHolder"
	CodeRateLimited        Code = "RateLimited"
	CodeProviderBlocked    Code = "ProviderBlocked"
	CodeProviderNotAllowed Code = "ProviderNotAllowed"
	CodePresenceBlocked    Code = "PresenceBlocked"
	CodeUserOverride       Code = "UserOverride"
	CodeChargerFaulted     Code = "ChargerFaulted"

	// Operation.
	CodeCallTimeout        Code = "CallTimeout"
	CodePreempted          Code = "Preempted"
	CodeChargerUnavailable Code = "ChargerUnavailable"

	// System.
	CodeConfigInvalid  Code = "ConfigInvalid"
	CodeLogWriteFailed Code = "LogWriteFailed"
)

// Error carries a taxonomy code together with a human description.
type Error struct {
	Code        Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
