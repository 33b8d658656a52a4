package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/beaconctl/internal/beacon"
)

// CharAddress locates a register on the GATT server
type CharAddress struct {
	Service        string
	Characteristic string
}

// RegisterMap maps register IDs to GATT characteristics
type RegisterMap map[beacon.RegisterID]CharAddress

const (
	settingsService = "b9403000-f5f8-466e-aff9-25556b57fe6d"
	sensorService   = "b9404000-f5f8-466e-aff9-25556b57fe6d"
	versionService  = "b9405000-f5f8-466e-aff9-25556b57fe6d"
	firmwareService = "b9406000-f5f8-466e-aff9-25556b57fe6d"
)

func vendorChar(service string, index int) CharAddress {
	return CharAddress{
		Service:        service,
		Characteristic: fmt.Sprintf("%s%02x%s", service[:6], index, service[8:]),
	}
}

// DefaultRegisterMap is the layout used when the configuration does not override it
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		beacon.RegProximityUUID:        vendorChar(settingsService, 0x01),
		beacon.RegMajor:                vendorChar(settingsService, 0x02),
		beacon.RegMinor:                vendorChar(settingsService, 0x03),
		beacon.RegPower:                vendorChar(settingsService, 0x04),
		beacon.RegAdvInterval:          vendorChar(settingsService, 0x05),
		beacon.RegName:                 vendorChar(settingsService, 0x06),
		beacon.RegBasicPowerMode:       vendorChar(settingsService, 0x07),
		beacon.RegSmartPowerMode:       vendorChar(settingsService, 0x08),
		beacon.RegSecureUUID:           vendorChar(settingsService, 0x09),
		beacon.RegMotionProximityUUID:  vendorChar(settingsService, 0x0a),
		beacon.RegMotionUUID:           vendorChar(settingsService, 0x0b),
		beacon.RegConditionalBroadcast: vendorChar(settingsService, 0x0c),
		beacon.RegFactoryReset:         vendorChar(settingsService, 0x0d),
		beacon.RegMotionDetection:      vendorChar(sensorService, 0x01),
		beacon.RegMotionState:          vendorChar(sensorService, 0x02),
		beacon.RegTemperature:          vendorChar(sensorService, 0x03),
		beacon.RegCalibratedTemp:       vendorChar(sensorService, 0x04),
		beacon.RegAccelerometerCount:   vendorChar(sensorService, 0x05),
		beacon.RegAccelerometerReset:   vendorChar(sensorService, 0x06),
		beacon.RegHardwareVersion:      vendorChar(versionService, 0x01),
		beacon.RegFirmwareVersion:      vendorChar(versionService, 0x02),
		beacon.RegBatteryLevel:         vendorChar(versionService, 0x03),
		beacon.RegRemainingLifetime:    vendorChar(versionService, 0x04),
		beacon.RegFirmwareControl:      vendorChar(firmwareService, 0x01),
		beacon.RegFirmwareData:         vendorChar(firmwareService, 0x02),
		beacon.RegFirmwareOffset:       vendorChar(firmwareService, 0x03),
		beacon.RegFirmwareChecksum:     vendorChar(firmwareService, 0x04),
	}
}

// Merge returns a copy of m with the entries of overrides applied
func (m RegisterMap) Merge(overrides RegisterMap) RegisterMap {
	out := make(RegisterMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate checks that every UUID parses
func (m RegisterMap) Validate() error {
	for id, addr := range m {
		if _, err := ble.Parse(addr.Service); err != nil {
			return fmt.Errorf("register %s: invalid service UUID %q: %w", id, addr.Service, err)
		}
		if _, err := ble.Parse(addr.Characteristic); err != nil {
			return fmt.Errorf("register %s: invalid characteristic UUID %q: %w", id, addr.Characteristic, err)
		}
	}
	return nil
}

// resolve finds every mapped register in the discovered profile
func (m RegisterMap) resolve(profile *ble.Profile) map[beacon.RegisterID]*ble.Characteristic {
	found := make(map[beacon.RegisterID]*ble.Characteristic, len(m))
	if profile == nil {
		return found
	}
	for id, addr := range m {
		svcUUID, err := ble.Parse(addr.Service)
		if err != nil {
			continue
		}
		charUUID, err := ble.Parse(addr.Characteristic)
		if err != nil {
			continue
		}
		for _, svc := range profile.Services {
			if !svc.UUID.Equal(svcUUID) {
				continue
			}
			for _, c := range svc.Characteristics {
				if c.UUID.Equal(charUUID) {
					found[id] = c
				}
			}
		}
	}
	return found
}
