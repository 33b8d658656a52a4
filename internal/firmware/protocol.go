package firmware

import (
	"encoding/binary"
	"hash/crc32"
	"math"
)

// Control commands written to the firmware control register
const (
	cmdBegin  byte = 0x01
	cmdChunk  byte = 0x02
	cmdReboot byte = 0x04
)

const (
	// DefaultChunkSize is the number of image bytes acknowledged per chunk
	DefaultChunkSize = 256

	// MaxChunkSize is the largest chunk the u16 length of a chunk header can describe
	MaxChunkSize = math.MaxUint16

	// DefaultSegmentSize matches the default BLE ATT payload (MTU 23 minus 3 bytes of header)
	DefaultSegmentSize = 20
)

// beginCommand announces the image: cmd | size u32 | crc32 u32
func beginCommand(size int, checksum uint32) []byte {
	b := []byte{cmdBegin}
	b = binary.LittleEndian.AppendUint32(b, uint32(size))
	return binary.LittleEndian.AppendUint32(b, checksum)
}

// chunkHeader precedes the segments of one chunk: cmd | offset u32 | length u16
func chunkHeader(offset, length int) []byte {
	b := []byte{cmdChunk}
	b = binary.LittleEndian.AppendUint32(b, uint32(offset))
	return binary.LittleEndian.AppendUint16(b, uint16(length))
}

func rebootCommand() []byte {
	return []byte{cmdReboot}
}

// segments splits chunk into writes of at most size bytes
func segments(chunk []byte, size int) [][]byte {
	out := make([][]byte, 0, (len(chunk)+size-1)/size)
	for start := 0; start < len(chunk); start += size {
		end := min(start+size, len(chunk))
		out = append(out, chunk[start:end])
	}
	return out
}

// Checksum is the CRC-32 (IEEE) the device reports after a complete transfer
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
