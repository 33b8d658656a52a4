package beacon

import (
	"context"
	"errors"
	"fmt"
)

// Reason is the closed set of failure causes surfaced at the library boundary.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonInternetConnectivity
	ReasonIdentifierMissing
	ReasonNotAuthorized
	ReasonNotConnectedToReadWrite
	ReasonTimeout
	ReasonDisconnected
	ReasonValidationFailed
	ReasonChecksumMismatch
	ReasonCancelled
	ReasonVersionMismatch
	ReasonTransferFailed
	ReasonUpdateInProgress
	ReasonNotConnected
	ReasonAlreadyConnected
	ReasonBadResponse
)

var reasonNames = map[Reason]string{
	ReasonUnknown:                 "unknown",
	ReasonInternetConnectivity:    "internet_connectivity",
	ReasonIdentifierMissing:       "identifier_missing",
	ReasonNotAuthorized:           "not_authorized",
	ReasonNotConnectedToReadWrite: "not_connected_to_read_write",
	ReasonTimeout:                 "timeout",
	ReasonDisconnected:            "disconnected",
	ReasonValidationFailed:        "validation_failed",
	ReasonChecksumMismatch:        "checksum_mismatch",
	ReasonCancelled:               "cancelled",
	ReasonVersionMismatch:         "version_mismatch",
	ReasonTransferFailed:          "transfer_failed",
	ReasonUpdateInProgress:        "update_in_progress",
	ReasonNotConnected:            "not_connected",
	ReasonAlreadyConnected:        "already_connected",
	ReasonBadResponse:             "bad_response",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Error is the typed error returned by every layer of the beacon session.
// Errors compare equal under errors.Is when their reasons match, so the
// predefined sentinels below can be used as targets.
type Error struct {
	Reason Reason
	Op     string // operation that failed, e.g. "connect" or "write adv_interval"
	Msg    string
	Err    error // underlying cause, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Reason.String()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Reason
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Predefined sentinel errors, one per reason
var (
	ErrInternetConnectivity    = &Error{Reason: ReasonInternetConnectivity}
	ErrIdentifierMissing       = &Error{Reason: ReasonIdentifierMissing}
	ErrNotAuthorized           = &Error{Reason: ReasonNotAuthorized}
	ErrNotConnectedToReadWrite = &Error{Reason: ReasonNotConnectedToReadWrite}
	ErrTimeout                 = &Error{Reason: ReasonTimeout}
	ErrDisconnected            = &Error{Reason: ReasonDisconnected}
	ErrValidationFailed        = &Error{Reason: ReasonValidationFailed}
	ErrChecksumMismatch        = &Error{Reason: ReasonChecksumMismatch}
	ErrCancelled               = &Error{Reason: ReasonCancelled}
	ErrVersionMismatch         = &Error{Reason: ReasonVersionMismatch}
	ErrTransferFailed          = &Error{Reason: ReasonTransferFailed}
	ErrUpdateInProgress        = &Error{Reason: ReasonUpdateInProgress}
	ErrNotConnected            = &Error{Reason: ReasonNotConnected}
	ErrAlreadyConnected        = &Error{Reason: ReasonAlreadyConnected}
	ErrBadResponse             = &Error{Reason: ReasonBadResponse}
)

// ErrDisconnectRequested is the reason recorded when the caller ends the session.
var ErrDisconnectRequested = &Error{Reason: ReasonDisconnected, Msg: "disconnect requested"}

// newError builds an Error for op with an optional cause.
func newError(reason Reason, op string, cause error) *Error {
	return &Error{Reason: reason, Op: op, Err: cause}
}

// ReasonOf extracts the Reason carried by err. Context cancellation and
// deadline errors map to Cancelled and Timeout respectively.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var berr *Error
	switch {
	case errors.As(err, &berr):
		return berr.Reason
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// IsReason reports whether err carries the given reason
func IsReason(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}

// IsTerminalConnectError reports whether a failed attempt must not be retried.
// Permission and radio availability problems do not go away between attempts.
func IsTerminalConnectError(err error) bool {
	switch ReasonOf(err) {
	case ReasonNotAuthorized, ReasonInternetConnectivity, ReasonIdentifierMissing:
		return true
	default:
		return false
	}
}
