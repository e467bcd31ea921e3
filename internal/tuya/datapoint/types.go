package datapoint

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Type is the wire type tag of a datapoint.
type Type uint8

// Datapoint type tags as carried in the TLV type byte.
const (
	TypeRaw    Type = 0x00 // variable length byte string
	TypeBool   Type = 0x01 // 1 byte, 0 or 1
	TypeValue  Type = 0x02 // 4 bytes, big-endian signed
	TypeString Type = 0x03 // variable length UTF-8
	TypeEnum   Type = 0x04 // 1 byte
	TypeBitmap Type = 0x05 // 1, 2 or 4 bytes, big-endian
)

// Bitmap widths in bytes.
const (
	BitmapWidth8  uint8 = 1
	BitmapWidth16 uint8 = 2
	BitmapWidth32 uint8 = 4
)

// String returns the lower-case name used in schemas and JSON.
func (t Type) String() string {
	switch t {
	case TypeRaw:
		return "raw"
	case TypeBool:
		return "bool"
	case TypeValue:
		return "value"
	case TypeString:
		return "string"
	case TypeEnum:
		return "enum"
	case TypeBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Valid reports whether t is one of the supported type tags.
func (t Type) Valid() bool {
	return t <= TypeBitmap
}

// ParseType parses a schema type name ("bool", "value", ...).
// "int" is accepted as an alias for "value".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return TypeRaw, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "value", "int":
		return TypeValue, nil
	case "string", "str":
		return TypeString, nil
	case "enum":
		return TypeEnum, nil
	case "bitmap":
		return TypeBitmap, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using ParseType.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Bitmap is a fault/flag field whose wire width is fixed by the device schema.
type Bitmap struct {
	Bits  uint32
	Width uint8
}

// Datapoint is one typed device property.
type Datapoint struct {
	ID    uint8
	Type  Type
	Value any

	// ChangedByDevice is true when the value arrived in an unsolicited
	// report rather than as the result of our own acknowledged write.
	ChangedByDevice bool

	UpdatedAt time.Time
}

// String implements fmt.Stringer.
func (d Datapoint) String() string {
	return fmt.Sprintf("dp%d(%s)=%v", d.ID, d.Type, d.Value)
}

// CheckValue verifies that v is the Go representation of type t.
func CheckValue(t Type, v any) error {
	switch t {
	case TypeRaw:
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("%w: raw requires []byte, got %T", ErrTypeMismatch, v)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: bool requires bool, got %T", ErrTypeMismatch, v)
		}
	case TypeValue:
		if _, ok := v.(int32); !ok {
			return fmt.Errorf("%w: value requires int32, got %T", ErrTypeMismatch, v)
		}
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: string requires string, got %T", ErrTypeMismatch, v)
		}
	case TypeEnum:
		if _, ok := v.(uint8); !ok {
			return fmt.Errorf("%w: enum requires uint8, got %T", ErrTypeMismatch, v)
		}
	case TypeBitmap:
		b, ok := v.(Bitmap)
		if !ok {
			return fmt.Errorf("%w: bitmap requires Bitmap, got %T", ErrTypeMismatch, v)
		}
		return b.validate()
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(t))
	}
	return nil
}

func (b Bitmap) validate() error {
	switch b.Width {
	case BitmapWidth8:
		if b.Bits > 0xFF {
			return fmt.Errorf("%w: bitmap 0x%x exceeds 8 bits", ErrInvalidValue, b.Bits)
		}
	case BitmapWidth16:
		if b.Bits > 0xFFFF {
			return fmt.Errorf("%w: bitmap 0x%x exceeds 16 bits", ErrInvalidValue, b.Bits)
		}
	case BitmapWidth32:
	default:
		return fmt.Errorf("%w: bitmap width %d", ErrInvalidValue, b.Width)
	}
	return nil
}

// Equal reports whether two values of the same datapoint type are equal.
func Equal(a, b any) bool {
	ab, aRaw := a.([]byte)
	bb, bRaw := b.([]byte)
	if aRaw || bRaw {
		return aRaw && bRaw && bytes.Equal(ab, bb)
	}
	return a == b
}
