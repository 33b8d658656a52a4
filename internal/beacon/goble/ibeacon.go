package goble

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/srg/beaconctl/internal/beacon"
)

const (
	// AppleCompanyID prefixes iBeacon manufacturer data
	AppleCompanyID uint16 = 0x004C

	iBeaconType   byte = 0x02
	iBeaconLength byte = 0x15
)

// IBeacon is the payload of an iBeacon advertisement
//
// Format (25 bytes of manufacturer data):
//   - Bytes 0-1:   Company ID (0x004C, little-endian)
//   - Byte 2:      Type (0x02)
//   - Byte 3:      Length (0x15)
//   - Bytes 4-19:  Proximity UUID
//   - Bytes 20-21: Major (big-endian)
//   - Bytes 22-23: Minor (big-endian)
//   - Byte 24:     Measured power at 1 m (signed dBm)
type IBeacon struct {
	ProximityUUID string
	Major         uint16
	Minor         uint16
	MeasuredPower int8
}

// ParseIBeacon decodes manufacturer data. ok is false when the data is not an iBeacon frame.
func ParseIBeacon(data []byte) (IBeacon, bool) {
	if len(data) < 25 {
		return IBeacon{}, false
	}
	if binary.LittleEndian.Uint16(data[0:2]) != AppleCompanyID || data[2] != iBeaconType || data[3] != iBeaconLength {
		return IBeacon{}, false
	}
	h := hex.EncodeToString(data[4:20])
	return IBeacon{
		ProximityUUID: fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]),
		Major:         binary.BigEndian.Uint16(data[20:22]),
		Minor:         binary.BigEndian.Uint16(data[22:24]),
		MeasuredPower: int8(data[24]),
	}, true
}

// Matches reports whether the advertisement carries the triple of id
func (b IBeacon) Matches(id beacon.Identifier) bool {
	uuid, major, minor, ok := id.Proximity()
	return ok && uuid == b.ProximityUUID && major == b.Major && minor == b.Minor
}
