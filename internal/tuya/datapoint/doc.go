// Package datapoint holds the typed datapoint values reported by a Tuya BLE
// device and the per-session registry that caches them.
//
// A datapoint is a small integer id plus a type tag and a value. The type
// of an id is fixed the first time it is observed; later updates carrying a
// different type are rejected with ErrTypeMismatch and the cached value is
// kept.
//
// Go value representation per type:
//
//	TypeRaw     []byte
//	TypeBool    bool
//	TypeValue   int32
//	TypeString  string
//	TypeEnum    uint8
//	TypeBitmap  Bitmap
//
// # Thread Safety
//
// Registry is safe for concurrent reads. Updates are expected from a single
// owner (the device session goroutine); listeners run synchronously on that
// goroutine and must not block.
package datapoint
