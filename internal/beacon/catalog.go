package beacon

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Register identifiers known to the session. The transport maps each of them
// to a radio-level address.
const (
	RegProximityUUID        RegisterID = "proximity_uuid"
	RegMotionProximityUUID  RegisterID = "motion_proximity_uuid"
	RegMajor                RegisterID = "major"
	RegMinor                RegisterID = "minor"
	RegPower                RegisterID = "power"
	RegAdvInterval          RegisterID = "adv_interval"
	RegName                 RegisterID = "name"
	RegHardwareVersion      RegisterID = "hardware_version"
	RegFirmwareVersion      RegisterID = "firmware_version"
	RegBatteryLevel         RegisterID = "battery_level"
	RegRemainingLifetime    RegisterID = "remaining_lifetime"
	RegBasicPowerMode       RegisterID = "basic_power_mode"
	RegSmartPowerMode       RegisterID = "smart_power_mode"
	RegSecureUUID           RegisterID = "secure_uuid"
	RegMotionDetection      RegisterID = "motion_detection"
	RegMotionUUID           RegisterID = "motion_uuid"
	RegConditionalBroadcast RegisterID = "conditional_broadcasting"
	RegTemperature          RegisterID = "temperature"
	RegCalibratedTemp       RegisterID = "calibrated_temperature"
	RegMotionState          RegisterID = "motion_state"
	RegAccelerometerCount   RegisterID = "accelerometer_count"
	RegAccelerometerReset   RegisterID = "accelerometer_reset"
	RegFactoryReset         RegisterID = "factory_reset"

	RegFirmwareControl  RegisterID = "fw_control"
	RegFirmwareData     RegisterID = "fw_data"
	RegFirmwareOffset   RegisterID = "fw_offset"
	RegFirmwareChecksum RegisterID = "fw_checksum"
)

// Advertising interval bounds in milliseconds
const (
	MinAdvInterval uint16 = 100
	MaxAdvInterval uint16 = 2000
)

// PowerLevels lists the transmit powers the radio supports, in dBm
var PowerLevels = []int8{-30, -20, -16, -12, -8, -4, 0, 4}

// BroadcastCondition restricts when the beacon advertises
type BroadcastCondition uint8

const (
	BroadcastAlways BroadcastCondition = iota
	BroadcastMotionOnly
	BroadcastFlipToStop
)

func (c BroadcastCondition) String() string {
	switch c {
	case BroadcastAlways:
		return "off"
	case BroadcastMotionOnly:
		return "motion-only"
	case BroadcastFlipToStop:
		return "flip-to-stop"
	default:
		return fmt.Sprintf("condition(%d)", uint8(c))
	}
}

func broadcastConditionCodec() Codec[BroadcastCondition] {
	base := Uint8Codec()
	return Codec[BroadcastCondition]{
		Encode: func(v BroadcastCondition) ([]byte, error) { return base.Encode(uint8(v)) },
		Decode: func(b []byte) (BroadcastCondition, error) {
			v, err := base.Decode(b)
			return BroadcastCondition(v), err
		},
		Parse: func(s string) (BroadcastCondition, error) {
			for c := BroadcastAlways; c <= BroadcastFlipToStop; c++ {
				if strings.EqualFold(s, c.String()) {
					return c, nil
				}
			}
			v, err := base.Parse(s)
			return BroadcastCondition(v), err
		},
	}
}

// Typed registers
var (
	ProximityUUID = Register[string]{
		ID: RegProximityUUID, Name: "Proximity UUID", Codec: UUIDCodec(),
		Description: "iBeacon proximity UUID",
	}
	MotionProximityUUID = Register[string]{
		ID: RegMotionProximityUUID, Name: "Motion proximity UUID", Codec: UUIDCodec(),
		Description: "Proximity UUID advertised while moving",
	}
	Major = Register[uint16]{
		ID: RegMajor, Name: "Major", Codec: Uint16Codec(),
	}
	Minor = Register[uint16]{
		ID: RegMinor, Name: "Minor", Codec: Uint16Codec(),
	}
	Power = Register[int8]{
		ID: RegPower, Name: "Transmit power", Codec: Int8Codec(),
		Description: "Transmit power in dBm", Validate: OneOf(PowerLevels...),
	}
	AdvInterval = Register[uint16]{
		ID: RegAdvInterval, Name: "Advertising interval", Codec: Uint16Codec(),
		Description: "Advertising interval in milliseconds", Validate: InRange(MinAdvInterval, MaxAdvInterval),
	}
	DeviceName = Register[string]{
		ID: RegName, Name: "Name", Codec: StringCodec(20),
	}
	HardwareVersion = Register[string]{
		ID: RegHardwareVersion, Name: "Hardware version", Codec: StringCodec(32), ReadOnly: true,
	}
	FirmwareVersion = Register[string]{
		ID: RegFirmwareVersion, Name: "Firmware version", Codec: StringCodec(32), ReadOnly: true,
	}
	BatteryLevel = Register[uint8]{
		ID: RegBatteryLevel, Name: "Battery level", Codec: Uint8Codec(), ReadOnly: true,
		Description: "Battery charge in percent",
	}
	RemainingLifetime = Register[uint32]{
		ID: RegRemainingLifetime, Name: "Remaining lifetime", Codec: Uint32Codec(), ReadOnly: true,
		Description: "Estimated battery lifetime in days",
	}
	BasicPowerMode = Register[bool]{
		ID: RegBasicPowerMode, Name: "Basic power mode", Codec: BoolCodec(),
	}
	SmartPowerMode = Register[bool]{
		ID: RegSmartPowerMode, Name: "Smart power mode", Codec: BoolCodec(),
	}
	SecureUUID = Register[bool]{
		ID: RegSecureUUID, Name: "Secure UUID", Codec: BoolCodec(),
	}
	MotionDetection = Register[bool]{
		ID: RegMotionDetection, Name: "Motion detection", Codec: BoolCodec(),
	}
	MotionUUID = Register[bool]{
		ID: RegMotionUUID, Name: "Motion UUID", Codec: BoolCodec(),
		Description: "Advertise the motion proximity UUID while moving",
	}
	ConditionalBroadcasting = Register[BroadcastCondition]{
		ID: RegConditionalBroadcast, Name: "Conditional broadcasting", Codec: broadcastConditionCodec(),
		Validate: InRange(BroadcastAlways, BroadcastFlipToStop),
	}
	Temperature = Register[float64]{
		ID: RegTemperature, Name: "Temperature", Codec: CentiCelsiusCodec(), ReadOnly: true,
		Description: "Ambient temperature in degrees Celsius",
	}
	CalibratedTemperature = Register[float64]{
		ID: RegCalibratedTemp, Name: "Calibrated temperature", Codec: CentiCelsiusCodec(),
		Description: "Reference temperature used to calibrate the sensor",
		Validate: func(v float64) error {
			if v < -40 || v > 85 {
				return fmt.Errorf("temperature %.2f outside sensor range [-40, 85]", v)
			}
			return nil
		},
	}
	MotionState = Register[bool]{
		ID: RegMotionState, Name: "Motion state", Codec: BoolCodec(), ReadOnly: true,
	}
	AccelerometerCount = Register[uint32]{
		ID: RegAccelerometerCount, Name: "Accelerometer count", Codec: Uint32Codec(), ReadOnly: true,
		Description: "Number of motion events since last reset",
	}
	AccelerometerReset = Register[bool]{
		ID: RegAccelerometerReset, Name: "Accelerometer reset", Codec: BoolCodec(),
		Validate: OneOf(true),
	}
	FactoryReset = Register[bool]{
		ID: RegFactoryReset, Name: "Factory reset", Codec: BoolCodec(),
		Validate: OneOf(true),
	}

	FirmwareControl = Register[[]byte]{
		ID: RegFirmwareControl, Name: "Firmware control", Codec: BytesCodec(),
	}
	FirmwareData = Register[[]byte]{
		ID: RegFirmwareData, Name: "Firmware data", Codec: BytesCodec(),
	}
	FirmwareOffset = Register[uint32]{
		ID: RegFirmwareOffset, Name: "Firmware offset", Codec: Uint32Codec(), ReadOnly: true,
	}
	FirmwareChecksum = Register[uint32]{
		ID: RegFirmwareChecksum, Name: "Firmware checksum", Codec: Uint32Codec(), ReadOnly: true,
	}
)

// Catalog indexes registers by ID in declaration order
type Catalog struct {
	entries *orderedmap.OrderedMap[RegisterID, Entry]
}

// NewCatalog builds a catalog; later entries replace earlier ones with the same ID
func NewCatalog(entries ...Entry) *Catalog {
	c := &Catalog{entries: orderedmap.New[RegisterID, Entry]()}
	for _, e := range entries {
		c.entries.Set(e.Info().ID, e)
	}
	return c
}

// DefaultCatalog lists the user-facing registers. Firmware transfer registers
// are driven by the update engine only.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ProximityUUID, Major, Minor, MotionProximityUUID,
		Power, AdvInterval, DeviceName,
		HardwareVersion, FirmwareVersion, BatteryLevel, RemainingLifetime,
		BasicPowerMode, SmartPowerMode, SecureUUID,
		MotionDetection, MotionUUID, ConditionalBroadcasting,
		Temperature, CalibratedTemperature, MotionState,
		AccelerometerCount, AccelerometerReset, FactoryReset,
	)
}

// Lookup finds a register by ID. Dashes are accepted in place of underscores.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	key := RegisterID(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "-", "_"))
	return c.entries.Get(key)
}

// Entries returns the registers in declaration order
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Len returns the number of registers
func (c *Catalog) Len() int {
	return c.entries.Len()
}
