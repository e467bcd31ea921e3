package codec

import "errors"

// Domain errors for the codec package.
var (
	// ErrMalformedFrame is returned when a frame fails length, checksum or
	// header validation. No partially decoded frame is ever returned.
	ErrMalformedFrame = errors.New("codec: malformed frame")

	// ErrMalformedPayload is returned when a datapoint payload cannot be
	// decoded, for example when an entry's declared length overruns the
	// remaining bytes.
	ErrMalformedPayload = errors.New("codec: malformed payload")

	// ErrPayloadTooLarge is returned when a message needs more fragments
	// than the one-byte fragment count can express.
	ErrPayloadTooLarge = errors.New("codec: payload too large")

	// ErrInvalidValue is returned when a datapoint value cannot be encoded.
	ErrInvalidValue = errors.New("codec: invalid datapoint value")

	// ErrUnsupportedVersion is returned for an unknown protocol version.
	ErrUnsupportedVersion = errors.New("codec: unsupported protocol version")

	// ErrMTUTooSmall is returned when the MTU leaves no room for payload.
	ErrMTUTooSmall = errors.New("codec: mtu too small")
)
