package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/beaconctl/internal/beacon"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the beacon link dropped while a command was still using it.
	// It is distinct from beacon.ErrNotConnected, which reports use of a session that
	// never connected or was already closed.
	ErrConnectionLost = errors.New("connection lost")
)

var reasonHints = map[beacon.Reason]string{
	beacon.ReasonInternetConnectivity:    "make sure Bluetooth is turned on and the adapter is available",
	beacon.ReasonIdentifierMissing:       "pass the beacon as AA:BB:CC:DD:EE:FF or <proximity-uuid>:<major>:<minor>",
	beacon.ReasonNotAuthorized:           "grant this program Bluetooth access (macOS: System Settings > Privacy & Security > Bluetooth; Linux: run with CAP_NET_ADMIN)",
	beacon.ReasonNotConnectedToReadWrite: "move closer to the beacon and make sure no other app is connected to it",
	beacon.ReasonTimeout:                 "the beacon did not answer in time; it may be out of range or asleep",
	beacon.ReasonDisconnected:            "the beacon went away; reconnect and try again",
	beacon.ReasonValidationFailed:        "check the value; 'beaconctl registers' lists what each register accepts",
	beacon.ReasonChecksumMismatch:        "the image was corrupted in transit; run the update again",
	beacon.ReasonVersionMismatch:         "this image was built for different hardware",
	beacon.ReasonTransferFailed:          "the beacon rejected a firmware chunk; run the update again",
	beacon.ReasonUpdateInProgress:        "wait for the running firmware update to finish",
	beacon.ReasonAlreadyConnected:        "another session already holds this beacon",
}

// FormatUserError renders err for the terminal, adding a hint for known failure reasons
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if errors.Is(err, ErrConnectionLost) {
		return msg
	}
	hint, ok := reasonHints[beacon.ReasonOf(err)]
	if !ok {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	fmt.Fprintf(&b, "\n  hint: %s", hint)
	return b.String()
}
