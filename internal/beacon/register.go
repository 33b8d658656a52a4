package beacon

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Codec converts register values to and from their wire bytes.
// Parse reads the textual form used on the command line.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
	Parse  func(string) (T, error)
}

// Register is a typed view of a device register
type Register[T any] struct {
	ID          RegisterID
	Name        string
	Description string
	ReadOnly    bool
	Codec       Codec[T]
	Validate    func(T) error
}

// Entry is the untyped view of a register used by catalogs and the CLI
type Entry interface {
	Info() RegisterInfo
	ReadText(ctx context.Context, s Submitter) (string, error)
	WriteText(ctx context.Context, s Submitter, text string) (string, error)
	ValidateText(text string) error
}

// RegisterInfo describes a register for listings
type RegisterInfo struct {
	ID          RegisterID
	Name        string
	Description string
	ReadOnly    bool
}

// Info implements Entry
func (r Register[T]) Info() RegisterInfo {
	return RegisterInfo{ID: r.ID, Name: r.Name, Description: r.Description, ReadOnly: r.ReadOnly}
}

// Encode validates v and returns its wire form
func (r Register[T]) Encode(v T) ([]byte, error) {
	op := "write " + string(r.ID)
	if r.ReadOnly {
		return nil, &Error{Reason: ReasonValidationFailed, Op: op, Msg: "register is read-only"}
	}
	if r.Validate != nil {
		if err := r.Validate(v); err != nil {
			return nil, newError(ReasonValidationFailed, op, err)
		}
	}
	b, err := r.Codec.Encode(v)
	if err != nil {
		return nil, newError(ReasonValidationFailed, op, err)
	}
	return b, nil
}

// Decode parses the wire form returned by the device
func (r Register[T]) Decode(b []byte) (T, error) {
	v, err := r.Codec.Decode(b)
	if err != nil {
		var zero T
		return zero, newError(ReasonBadResponse, "decode "+string(r.ID), err)
	}
	return v, nil
}

// ReadText implements Entry
func (r Register[T]) ReadText(ctx context.Context, s Submitter) (string, error) {
	v, err := Read(ctx, s, r)
	if err != nil {
		return "", err
	}
	return formatValue(v), nil
}

// ValidateText implements Entry. It checks text without touching the device.
func (r Register[T]) ValidateText(text string) error {
	v, err := r.parse(text)
	if err != nil {
		return err
	}
	_, err = r.Encode(v)
	return err
}

// WriteText implements Entry
func (r Register[T]) WriteText(ctx context.Context, s Submitter, text string) (string, error) {
	v, err := r.parse(text)
	if err != nil {
		return "", err
	}
	written, err := Write(ctx, s, r, v)
	if err != nil {
		return "", err
	}
	return formatValue(written), nil
}

func (r Register[T]) parse(text string) (T, error) {
	var zero T
	if r.Codec.Parse == nil {
		return zero, &Error{Reason: ReasonValidationFailed, Op: "write " + string(r.ID), Msg: "register has no text form"}
	}
	v, err := r.Codec.Parse(strings.TrimSpace(text))
	if err != nil {
		return zero, newError(ReasonValidationFailed, "write "+string(r.ID), err)
	}
	return v, nil
}

// Read fetches and decodes register r
func Read[T any](ctx context.Context, s Submitter, r Register[T]) (T, error) {
	var zero T
	payload, err := s.Submit(ctx, Operation{Kind: OpRead, Register: r.ID}).Wait(ctx)
	if err != nil {
		return zero, err
	}
	return r.Decode(payload)
}

// Write validates and stores v in register r and returns the value the device
// acknowledged. Invalid values are rejected before anything is submitted.
func Write[T any](ctx context.Context, s Submitter, r Register[T], v T) (T, error) {
	var zero T
	payload, err := r.Encode(v)
	if err != nil {
		return zero, err
	}
	ack, err := s.Submit(ctx, Operation{Kind: OpWrite, Register: r.ID, Payload: payload}).Wait(ctx)
	if err != nil {
		return zero, err
	}
	if len(ack) == 0 {
		return v, nil
	}
	return r.Decode(ack)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case float64:
		return strconv.FormatFloat(x, 'f', 2, 64)
	default:
		return fmt.Sprint(v)
	}
}

type integer interface {
	~int8 | ~int16 | ~int32 | ~uint8 | ~uint16 | ~uint32
}

// InRange accepts values in [lo, hi]
func InRange[T integer](lo, hi T) func(T) error {
	return func(v T) error {
		if v < lo || v > hi {
			return fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
		}
		return nil
	}
}

// OneOf accepts only the listed values
func OneOf[T comparable](allowed ...T) func(T) error {
	return func(v T) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("value %v is not one of %v", v, allowed)
	}
}

func exactLen(b []byte, n int) error {
	if len(b) != n {
		return fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return nil
}

// Uint8Codec is a single unsigned byte
func Uint8Codec() Codec[uint8] {
	return Codec[uint8]{
		Encode: func(v uint8) ([]byte, error) { return []byte{v}, nil },
		Decode: func(b []byte) (uint8, error) {
			if err := exactLen(b, 1); err != nil {
				return 0, err
			}
			return b[0], nil
		},
		Parse: func(s string) (uint8, error) {
			v, err := strconv.ParseUint(s, 0, 8)
			return uint8(v), err
		},
	}
}

// Int8Codec is a single signed byte
func Int8Codec() Codec[int8] {
	return Codec[int8]{
		Encode: func(v int8) ([]byte, error) { return []byte{byte(v)}, nil },
		Decode: func(b []byte) (int8, error) {
			if err := exactLen(b, 1); err != nil {
				return 0, err
			}
			return int8(b[0]), nil
		},
		Parse: func(s string) (int8, error) {
			v, err := strconv.ParseInt(s, 0, 8)
			return int8(v), err
		},
	}
}

// Uint16Codec is a little-endian uint16
func Uint16Codec() Codec[uint16] {
	return Codec[uint16]{
		Encode: func(v uint16) ([]byte, error) { return binary.LittleEndian.AppendUint16(nil, v), nil },
		Decode: func(b []byte) (uint16, error) {
			if err := exactLen(b, 2); err != nil {
				return 0, err
			}
			return binary.LittleEndian.Uint16(b), nil
		},
		Parse: func(s string) (uint16, error) {
			v, err := strconv.ParseUint(s, 0, 16)
			return uint16(v), err
		},
	}
}

// Uint32Codec is a little-endian uint32
func Uint32Codec() Codec[uint32] {
	return Codec[uint32]{
		Encode: func(v uint32) ([]byte, error) { return binary.LittleEndian.AppendUint32(nil, v), nil },
		Decode: func(b []byte) (uint32, error) {
			if err := exactLen(b, 4); err != nil {
				return 0, err
			}
			return binary.LittleEndian.Uint32(b), nil
		},
		Parse: func(s string) (uint32, error) {
			v, err := strconv.ParseUint(s, 0, 32)
			return uint32(v), err
		},
	}
}

// BoolCodec is a single byte, zero meaning false
func BoolCodec() Codec[bool] {
	return Codec[bool]{
		Encode: func(v bool) ([]byte, error) {
			if v {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		Decode: func(b []byte) (bool, error) {
			if err := exactLen(b, 1); err != nil {
				return false, err
			}
			return b[0] != 0, nil
		},
		Parse: func(s string) (bool, error) {
			switch strings.ToLower(s) {
			case "on", "yes", "enable", "enabled":
				return true, nil
			case "off", "no", "disable", "disabled":
				return false, nil
			}
			return strconv.ParseBool(s)
		},
	}
}

// StringCodec is raw UTF-8 bounded to maxLen bytes
func StringCodec(maxLen int) Codec[string] {
	return Codec[string]{
		Encode: func(v string) ([]byte, error) {
			if len(v) > maxLen {
				return nil, fmt.Errorf("string is %d bytes, limit is %d", len(v), maxLen)
			}
			return []byte(v), nil
		},
		Decode: func(b []byte) (string, error) { return strings.TrimRight(string(b), "\x00"), nil },
		Parse:  func(s string) (string, error) { return s, nil },
	}
}

// UUIDCodec is a 16-byte big-endian UUID rendered in canonical dashed form
func UUIDCodec() Codec[string] {
	return Codec[string]{
		Encode: func(v string) ([]byte, error) {
			normalized := strings.ToLower(v)
			if !uuidPattern.MatchString(normalized) {
				return nil, fmt.Errorf("malformed UUID %q", v)
			}
			return hex.DecodeString(strings.ReplaceAll(normalized, "-", ""))
		},
		Decode: func(b []byte) (string, error) {
			if err := exactLen(b, 16); err != nil {
				return "", err
			}
			h := hex.EncodeToString(b)
			return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]), nil
		},
		Parse: func(s string) (string, error) { return strings.ToLower(s), nil },
	}
}

// CentiCelsiusCodec is a little-endian int16 in hundredths of a degree
func CentiCelsiusCodec() Codec[float64] {
	return Codec[float64]{
		Encode: func(v float64) ([]byte, error) {
			c := math.Round(v * 100)
			if c < math.MinInt16 || c > math.MaxInt16 {
				return nil, fmt.Errorf("temperature %.2f out of range", v)
			}
			return binary.LittleEndian.AppendUint16(nil, uint16(int16(c))), nil
		},
		Decode: func(b []byte) (float64, error) {
			if err := exactLen(b, 2); err != nil {
				return 0, err
			}
			return float64(int16(binary.LittleEndian.Uint16(b))) / 100, nil
		},
		Parse: func(s string) (float64, error) { return strconv.ParseFloat(s, 64) },
	}
}

// BytesCodec passes payloads through untouched; text is hex
func BytesCodec() Codec[[]byte] {
	return Codec[[]byte]{
		Encode: func(v []byte) ([]byte, error) { return v, nil },
		Decode: func(b []byte) ([]byte, error) { return b, nil },
		Parse:  func(s string) ([]byte, error) { return hex.DecodeString(strings.TrimPrefix(s, "0x")) },
	}
}
