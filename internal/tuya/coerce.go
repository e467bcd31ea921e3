package tuya

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// Coerce converts loosely typed input (JSON numbers, strings, bools) into
// the Go representation of datapoint type t.
//
// Parameters:
//   - t: Target datapoint type
//   - width: Bitmap width in bytes (ignored for other types; 0 means 4)
//   - v: Input value
//
// Returns:
//   - any: bool, int32, uint8, string, []byte or datapoint.Bitmap
//   - error: ErrInvalidValue (wrapped) when v cannot represent t
func Coerce(t datapoint.Type, width uint8, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil for %s", ErrInvalidValue, t)
	}

	switch t {
	case datapoint.TypeBool:
		return coerceBool(v)
	case datapoint.TypeValue:
		n, err := coerceInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil //nolint:gosec // range checked
	case datapoint.TypeEnum:
		n, err := coerceInt(v, 0, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		return uint8(n), nil //nolint:gosec // range checked
	case datapoint.TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return nil, fmt.Errorf("%w: %T for string", ErrInvalidValue, v)
	case datapoint.TypeRaw:
		return coerceRaw(v)
	case datapoint.TypeBitmap:
		return coerceBitmap(width, v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidValue, t)
	}
}

func coerceBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "on", "1", "yes":
			return true, nil
		case "false", "off", "0", "no":
			return false, nil
		}
	default:
		if n, err := coerceInt(v, 0, 1); err == nil {
			return n == 1, nil
		}
	}
	return false, fmt.Errorf("%w: %v is not a bool", ErrInvalidValue, v)
}

// coerceInt accepts any integer kind, integral floats, json.Number and
// decimal strings within [lo, hi].
func coerceInt(v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range", ErrInvalidValue, x)
		}
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range", ErrInvalidValue, x)
		}
		n = int64(x)
	case float32:
		return coerceInt(float64(x), lo, hi)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, x)
		}
		if x < float64(lo) || x > float64(hi) {
			return 0, fmt.Errorf("%w: %v out of range [%d, %d]", ErrInvalidValue, x, lo, hi)
		}
		n = int64(x)
	case json.Number:
		return coerceInt(string(x), lo, hi)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, x)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidValue, v)
	}

	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d out of range [%d, %d]", ErrInvalidValue, n, lo, hi)
	}
	return n, nil
}

// coerceRaw accepts []byte, a hex string, or a list of byte values.
func coerceRaw(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case string:
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(x), "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: raw value must be hex: %w", ErrInvalidValue, err)
		}
		return b, nil
	case []any:
		out := make([]byte, 0, len(x))
		for _, e := range x {
			n, err := coerceInt(e, 0, math.MaxUint8)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(n))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T for raw", ErrInvalidValue, v)
}

func coerceBitmap(width uint8, v any) (datapoint.Bitmap, error) {
	if width == 0 {
		width = datapoint.BitmapWidth32
	}
	if b, ok := v.(datapoint.Bitmap); ok {
		if b.Width == 0 {
			b.Width = width
		}
		return b, checkBitmap(b)
	}
	hi := int64(1)<<(8*int64(width)) - 1
	n, err := coerceInt(v, 0, hi)
	if err != nil {
		return datapoint.Bitmap{}, err
	}
	b := datapoint.Bitmap{Bits: uint32(n), Width: width} //nolint:gosec // range checked
	return b, checkBitmap(b)
}

func checkBitmap(b datapoint.Bitmap) error {
	if err := datapoint.CheckValue(datapoint.TypeBitmap, b); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return nil
}

// Plain is the inverse of Coerce for JSON output: raw bytes become a hex
// string and bitmaps their bit value. Other values pass through.
func Plain(v any) any {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case datapoint.Bitmap:
		return x.Bits
	default:
		return v
	}
}
