package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// entryHeaderLen is the size of id + type + length in a datapoint entry.
const entryHeaderLen = 4

// maxEntryValueLen is the largest value the 2-byte length field can carry.
const maxEntryValueLen = math.MaxUint16

// EncodeValue returns the wire bytes of a datapoint value.
//
// Parameters:
//   - t: Datapoint type
//   - v: Go value matching t (see package datapoint)
//
// Returns:
//   - []byte: Encoded value without the entry header
//   - error: ErrInvalidValue (wrapped) if v does not match t
func EncodeValue(t datapoint.Type, v any) ([]byte, error) {
	if err := datapoint.CheckValue(t, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	switch t {
	case datapoint.TypeRaw:
		raw := v.([]byte) //nolint:errcheck,forcetypeassert // checked above
		if len(raw) > maxEntryValueLen {
			return nil, fmt.Errorf("%w: raw value %d bytes", ErrInvalidValue, len(raw))
		}
		return append([]byte(nil), raw...), nil
	case datapoint.TypeBool:
		if v.(bool) { //nolint:forcetypeassert // checked above
			return []byte{0x01}, nil
		}
		return []byte{0x00}, nil
	case datapoint.TypeValue:
		buf := make([]byte, 4)                             //nolint:mnd // int32
		binary.BigEndian.PutUint32(buf, uint32(v.(int32))) //nolint:gosec,forcetypeassert // two's complement intended
		return buf, nil
	case datapoint.TypeString:
		s := v.(string) //nolint:forcetypeassert // checked above
		if len(s) > maxEntryValueLen {
			return nil, fmt.Errorf("%w: string value %d bytes", ErrInvalidValue, len(s))
		}
		return []byte(s), nil
	case datapoint.TypeEnum:
		return []byte{v.(uint8)}, nil //nolint:forcetypeassert // checked above
	case datapoint.TypeBitmap:
		b := v.(datapoint.Bitmap) //nolint:forcetypeassert // checked above
		buf := make([]byte, b.Width)
		switch b.Width {
		case datapoint.BitmapWidth8:
			buf[0] = byte(b.Bits)
		case datapoint.BitmapWidth16:
			binary.BigEndian.PutUint16(buf, uint16(b.Bits)) //nolint:gosec // width validated
		default:
			binary.BigEndian.PutUint32(buf, b.Bits)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: type %s", ErrInvalidValue, t)
}

// DecodeValue parses the wire bytes of a datapoint value.
//
// Returns:
//   - any: Go value for t
//   - error: ErrMalformedPayload (wrapped) on a width or type violation
func DecodeValue(t datapoint.Type, b []byte) (any, error) {
	switch t {
	case datapoint.TypeRaw:
		return append([]byte(nil), b...), nil
	case datapoint.TypeBool:
		if len(b) != 1 {
			return nil, fmt.Errorf("%w: bool requires 1 byte, got %d", ErrMalformedPayload, len(b))
		}
		return b[0] != 0, nil
	case datapoint.TypeValue:
		if len(b) != 4 { //nolint:mnd // int32
			return nil, fmt.Errorf("%w: value requires 4 bytes, got %d", ErrMalformedPayload, len(b))
		}
		return int32(binary.BigEndian.Uint32(b)), nil //nolint:gosec // two's complement intended
	case datapoint.TypeString:
		return string(b), nil
	case datapoint.TypeEnum:
		if len(b) != 1 {
			return nil, fmt.Errorf("%w: enum requires 1 byte, got %d", ErrMalformedPayload, len(b))
		}
		return b[0], nil
	case datapoint.TypeBitmap:
		switch len(b) {
		case int(datapoint.BitmapWidth8):
			return datapoint.Bitmap{Bits: uint32(b[0]), Width: datapoint.BitmapWidth8}, nil
		case int(datapoint.BitmapWidth16):
			return datapoint.Bitmap{Bits: uint32(binary.BigEndian.Uint16(b)), Width: datapoint.BitmapWidth16}, nil
		case int(datapoint.BitmapWidth32):
			return datapoint.Bitmap{Bits: binary.BigEndian.Uint32(b), Width: datapoint.BitmapWidth32}, nil
		}
		return nil, fmt.Errorf("%w: bitmap width %d", ErrMalformedPayload, len(b))
	}
	return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedPayload, uint8(t))
}

// EncodeDatapoint returns one TLV entry.
func EncodeDatapoint(id uint8, t datapoint.Type, v any) ([]byte, error) {
	val, err := EncodeValue(t, v)
	if err != nil {
		return nil, fmt.Errorf("dp %d: %w", id, err)
	}
	buf := make([]byte, entryHeaderLen+len(val))
	buf[0] = id
	buf[1] = byte(t)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(val))) //nolint:gosec // bounded by maxEntryValueLen
	copy(buf[entryHeaderLen:], val)
	return buf, nil
}

// EncodeDatapoints concatenates the TLV entries of dps.
func EncodeDatapoints(dps []datapoint.Datapoint) ([]byte, error) {
	out := make([]byte, 0, len(dps)*(entryHeaderLen+4)) //nolint:mnd // typical entry
	for _, dp := range dps {
		entry, err := EncodeDatapoint(dp.ID, dp.Type, dp.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, entry...)
	}
	return out, nil
}

// DecodeDatapointPayload decodes every TLV entry of a reassembled payload.
//
// Entries are consumed back-to-back until the payload is exhausted. If any
// entry header is truncated, any declared length overruns the remaining
// bytes, or any value violates its type's width, the whole decode fails
// and no datapoints are returned.
//
// Returns:
//   - []datapoint.Datapoint: Decoded datapoints in payload order
//   - error: ErrMalformedPayload (wrapped) on any violation
func DecodeDatapointPayload(payload []byte) ([]datapoint.Datapoint, error) {
	dps := make([]datapoint.Datapoint, 0, len(payload)/(entryHeaderLen+1))
	i := 0
	for i < len(payload) {
		if len(payload)-i < entryHeaderLen {
			return nil, fmt.Errorf("%w: short entry header at offset %d", ErrMalformedPayload, i)
		}
		id := payload[i]
		t := datapoint.Type(payload[i+1])
		n := int(binary.BigEndian.Uint16(payload[i+2 : i+4]))
		i += entryHeaderLen
		if len(payload)-i < n {
			return nil, fmt.Errorf("%w: dp %d declares %d bytes, %d remain", ErrMalformedPayload, id, n, len(payload)-i)
		}
		if !t.Valid() {
			return nil, fmt.Errorf("%w: dp %d unknown type 0x%02x", ErrMalformedPayload, id, uint8(t))
		}
		v, err := DecodeValue(t, payload[i:i+n])
		if err != nil {
			return nil, fmt.Errorf("dp %d: %w", id, err)
		}
		i += n
		dps = append(dps, datapoint.Datapoint{ID: id, Type: t, Value: v})
	}
	return dps, nil
}
