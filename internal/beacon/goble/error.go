package goble

import (
	"strings"

	"github.com/srg/beaconctl/internal/beacon"
)

// NormalizeError maps known go-ble error strings to typed beacon errors.
// Unknown errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if beacon.ReasonOf(err) != beacon.ReasonUnknown {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return &beacon.Error{Reason: beacon.ReasonInternetConnectivity, Msg: "bluetooth is turned off", Err: err}
	case containsIgnoreCase(msg, "have=3"),
		containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "not authorized"),
		containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "operation not permitted"):
		return &beacon.Error{Reason: beacon.ReasonNotAuthorized, Msg: "bluetooth access denied", Err: err}
	case containsIgnoreCase(msg, "have=2"),
		containsIgnoreCase(msg, "unsupported"),
		containsIgnoreCase(msg, "no such device"):
		return &beacon.Error{Reason: beacon.ReasonInternetConnectivity, Msg: "bluetooth adapter unavailable", Err: err}
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return &beacon.Error{Reason: beacon.ReasonDisconnected, Err: err}
	case containsIgnoreCase(msg, "device already connected"):
		return &beacon.Error{Reason: beacon.ReasonAlreadyConnected, Err: err}
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return &beacon.Error{Reason: beacon.ReasonTimeout, Err: err}
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
