package beacon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IdentifierKind tells which addressing form an Identifier uses
type IdentifierKind int

const (
	KindNone IdentifierKind = iota
	KindMAC
	KindProximity
)

var (
	macPattern  = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)
	uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// Identifier addresses a single beacon, either by its MAC address or by the
// iBeacon triple it advertises. The zero value is "missing".
type Identifier struct {
	kind          IdentifierKind
	mac           string
	proximityUUID string
	major         uint16
	minor         uint16
}

// MACIdentifier returns an identifier for the device with the given MAC address.
// Dash separators are accepted; the stored form is lowercase with colons.
func MACIdentifier(mac string) (Identifier, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	if normalized == "" {
		return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: "MAC address is empty"}
	}
	if !macPattern.MatchString(normalized) {
		return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: fmt.Sprintf("malformed MAC address %q", mac)}
	}
	return Identifier{kind: KindMAC, mac: normalized}, nil
}

// ProximityIdentifier returns an identifier for the beacon advertising the given triple
func ProximityIdentifier(proximityUUID string, major, minor uint16) (Identifier, error) {
	normalized := strings.ToLower(strings.TrimSpace(proximityUUID))
	if normalized == "" {
		return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: "proximity UUID is empty"}
	}
	if !uuidPattern.MatchString(normalized) {
		return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: fmt.Sprintf("malformed proximity UUID %q", proximityUUID)}
	}
	return Identifier{kind: KindProximity, proximityUUID: normalized, major: major, minor: minor}, nil
}

// ParseIdentifier accepts either "AA:BB:CC:DD:EE:FF" or "<proximity-uuid>:<major>:<minor>".
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: "identifier is empty"}
	}

	// A proximity UUID contains dashes, a MAC contains exactly five colons
	if strings.Count(s, ":") == 2 && strings.Contains(s, "-") {
		parts := strings.Split(s, ":")
		major, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: fmt.Sprintf("malformed major %q", parts[1]), Err: err}
		}
		minor, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return Identifier{}, &Error{Reason: ReasonIdentifierMissing, Msg: fmt.Sprintf("malformed minor %q", parts[2]), Err: err}
		}
		return ProximityIdentifier(parts[0], uint16(major), uint16(minor))
	}

	return MACIdentifier(s)
}

// Kind returns the addressing form
func (id Identifier) Kind() IdentifierKind {
	return id.kind
}

// IsZero reports whether the identifier is missing
func (id Identifier) IsZero() bool {
	return id.kind == KindNone
}

// MAC returns the MAC address, or "" for proximity identifiers
func (id Identifier) MAC() string {
	return id.mac
}

// Proximity returns the iBeacon triple; ok is false for MAC identifiers
func (id Identifier) Proximity() (proximityUUID string, major, minor uint16, ok bool) {
	if id.kind != KindProximity {
		return "", 0, 0, false
	}
	return id.proximityUUID, id.major, id.minor, true
}

// String returns the identifier in the form accepted by ParseIdentifier
func (id Identifier) String() string {
	switch id.kind {
	case KindMAC:
		return strings.ToUpper(id.mac)
	case KindProximity:
		return fmt.Sprintf("%s:%d:%d", id.proximityUUID, id.major, id.minor)
	default:
		return ""
	}
}
