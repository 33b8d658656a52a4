//go:build !darwin && !linux

package goble

import (
	"errors"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/beaconctl/internal/beacon"
)

func newDevice() (ble.Device, error) {
	return nil, &beacon.Error{
		Reason: beacon.ReasonInternetConnectivity,
		Msg:    "bluetooth is not supported on " + runtime.GOOS,
		Err:    errors.ErrUnsupported,
	}
}
