package testutils

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/firmware"
)

// FirmwareDevice simulates the beacon side of a firmware transfer on the
// fw_control, fw_data, fw_offset and fw_checksum registers.
type FirmwareDevice struct {
	mu sync.Mutex

	// DropInChunk drops the link on the first data segment of the given
	// 1-based chunk. Zero disables it.
	DropInChunk int
	// CorruptChecksum makes the device report a wrong checksum
	CorruptChecksum bool
	// OffsetSkew is added to every acknowledged offset
	OffsetSkew int

	size      int
	image     []byte
	committed int
	chunkOff  int
	chunkLen  int
	chunks    int
	pending   []byte
	begun     bool
	rebooted  bool
	dataBytes int
}

// NewFirmwareDevice creates an idle updater
func NewFirmwareDevice() *FirmwareDevice {
	return &FirmwareDevice{}
}

// Committed returns the number of image bytes acknowledged so far
func (d *FirmwareDevice) Committed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

// Rebooted reports whether the reboot command was received
func (d *FirmwareDevice) Rebooted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebooted
}

// Begun reports whether a transfer was announced
func (d *FirmwareDevice) Begun() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begun
}

// DataBytes is the number of payload bytes written to fw_data
func (d *FirmwareDevice) DataBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataBytes
}

// Image returns the committed image bytes
func (d *FirmwareDevice) Image() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image...)
}

func (d *FirmwareDevice) handle(l *FakeLink, req beacon.Request) (beacon.Response, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ack := func() (beacon.Response, bool, error) {
		return beacon.Response{Register: req.Register, Payload: append([]byte(nil), req.Payload...)}, true, nil
	}

	switch {
	case req.Register == beacon.RegFirmwareControl && req.Kind == beacon.OpWrite:
		if len(req.Payload) == 0 {
			return beacon.Response{}, true, fmt.Errorf("empty control command")
		}
		switch req.Payload[0] {
		case 0x01:
			if len(req.Payload) != 9 {
				return beacon.Response{}, true, fmt.Errorf("malformed begin command")
			}
			d.size = int(binary.LittleEndian.Uint32(req.Payload[1:5]))
			d.image = d.image[:0]
			d.committed = 0
			d.chunks = 0
			d.begun = true
		case 0x02:
			if len(req.Payload) != 7 {
				return beacon.Response{}, true, fmt.Errorf("malformed chunk header")
			}
			d.chunkOff = int(binary.LittleEndian.Uint32(req.Payload[1:5]))
			d.chunkLen = int(binary.LittleEndian.Uint16(req.Payload[5:7]))
			d.pending = d.pending[:0]
			d.chunks++
		case 0x04:
			d.rebooted = true
		default:
			return beacon.Response{}, true, fmt.Errorf("unknown control command 0x%02x", req.Payload[0])
		}
		return ack()

	case req.Register == beacon.RegFirmwareData && req.Kind == beacon.OpWrite:
		if d.DropInChunk > 0 && d.chunks == d.DropInChunk {
			d.DropInChunk = 0
			l.Drop(nil)
			return beacon.Response{}, true, &beacon.Error{Reason: beacon.ReasonDisconnected, Op: "write fw_data", Msg: "link dropped"}
		}
		d.pending = append(d.pending, req.Payload...)
		d.dataBytes += len(req.Payload)
		return ack()

	case req.Register == beacon.RegFirmwareOffset && req.Kind == beacon.OpRead:
		if d.chunkOff == d.committed && len(d.pending) == d.chunkLen && d.chunkLen > 0 {
			d.image = append(d.image, d.pending...)
			d.committed += d.chunkLen
			d.pending = d.pending[:0]
			d.chunkLen = 0
		}
		return beacon.Response{Register: req.Register, Payload: binary.LittleEndian.AppendUint32(nil, uint32(d.committed+d.OffsetSkew))}, true, nil

	case req.Register == beacon.RegFirmwareChecksum && req.Kind == beacon.OpRead:
		sum := firmware.Checksum(d.image)
		if d.CorruptChecksum {
			sum ^= 0xffffffff
		}
		return beacon.Response{Register: req.Register, Payload: binary.LittleEndian.AppendUint32(nil, sum)}, true, nil
	}
	return beacon.Response{}, false, nil
}
