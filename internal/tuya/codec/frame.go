package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// Version is the Tuya BLE protocol version, which fixes the width of the
// sequence number.
type Version uint8

// Supported protocol versions.
const (
	Version2 Version = 2
	Version3 Version = 3
)

// Frame size constants.
const (
	// DefaultMTU is the usable GATT write size after data length extension
	// (247 byte ATT MTU minus the 3 byte ATT header).
	DefaultMTU = 244

	// MinimumMTU is the ATT default of 23 bytes minus the ATT header.
	MinimumMTU = 20

	checksumLen  = 2
	fixedHeadLen = 6 // command + index + total + length
	maxFragments = math.MaxUint8
)

// Valid reports whether v is a supported version.
func (v Version) Valid() bool {
	return v == Version2 || v == Version3
}

// SeqWidth returns the sequence number width in bytes.
func (v Version) SeqWidth() int {
	if v == Version2 {
		return 2 //nolint:mnd // uint16
	}
	return 4 //nolint:mnd // uint32
}

// MaxSeq returns the largest sequence number before wrap-around.
func (v Version) MaxSeq() uint32 {
	if v == Version2 {
		return math.MaxUint16
	}
	return math.MaxUint32
}

func (v Version) headerLen() int {
	return v.SeqWidth() + fixedHeadLen
}

// Frame is one physical BLE write or notification.
type Frame struct {
	Version       Version
	Seq           uint32
	Command       Command
	FragmentIndex uint8
	FragmentTotal uint8
	Payload       []byte
	Checksum      uint16
}

// Bytes serialises the frame, recomputing the checksum.
func (f Frame) Bytes() []byte {
	hl := f.Version.headerLen()
	buf := make([]byte, hl+len(f.Payload)+checksumLen)

	var off int
	if f.Version == Version2 {
		binary.BigEndian.PutUint16(buf, uint16(f.Seq)) //nolint:gosec // seq wraps at 16 bits for v2
		off = 2
	} else {
		binary.BigEndian.PutUint32(buf, f.Seq)
		off = 4
	}
	binary.BigEndian.PutUint16(buf[off:], uint16(f.Command))
	buf[off+2] = f.FragmentIndex
	buf[off+3] = f.FragmentTotal
	binary.BigEndian.PutUint16(buf[off+4:], uint16(len(f.Payload))) //nolint:gosec // bounded by MTU
	copy(buf[hl:], f.Payload)

	sum := Checksum(buf[:hl+len(f.Payload)])
	binary.BigEndian.PutUint16(buf[hl+len(f.Payload):], sum)
	return buf
}

// Codec encodes and decodes frames for one protocol version and MTU.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	version Version
	mtu     int
}

// New creates a codec.
//
// Parameters:
//   - version: Protocol version (Version2 or Version3)
//   - mtu: Maximum bytes per BLE write; 0 selects DefaultMTU
//
// Returns:
//   - *Codec: Ready to use codec
//   - error: ErrUnsupportedVersion or ErrMTUTooSmall
func New(version Version, mtu int) (*Codec, error) {
	if !version.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if mtu == 0 {
		mtu = DefaultMTU
	}
	if mtu < MinimumMTU || mtu-version.headerLen()-checksumLen < 1 {
		return nil, fmt.Errorf("%w: %d", ErrMTUTooSmall, mtu)
	}
	return &Codec{version: version, mtu: mtu}, nil
}

// Version returns the protocol version.
func (c *Codec) Version() Version {
	return c.version
}

// MaxFragmentLen returns the largest payload carried by one frame.
func (c *Codec) MaxFragmentLen() int {
	return c.mtu - c.version.headerLen() - checksumLen
}

// FragmentCount returns ceil(n / MaxFragmentLen), with a minimum of one
// frame for an empty payload.
func (c *Codec) FragmentCount(n int) int {
	maxLen := c.MaxFragmentLen()
	if n == 0 {
		return 1
	}
	return (n + maxLen - 1) / maxLen
}

// EncodeCommand serialises one datapoint write into frames.
//
// Parameters:
//   - cmd: Command code, normally CommandSendDatapoint
//   - id: Datapoint id
//   - t: Datapoint type
//   - value: Go value matching t
//   - seq: Sequence number shared by every fragment
//
// Returns:
//   - []Frame: Fragments in index order
//   - error: ErrInvalidValue or ErrPayloadTooLarge (wrapped)
func (c *Codec) EncodeCommand(cmd Command, id uint8, t datapoint.Type, value any, seq uint32) ([]Frame, error) {
	payload, err := EncodeDatapoint(id, t, value)
	if err != nil {
		return nil, err
	}
	return c.EncodeMessage(cmd, seq, payload)
}

// EncodeMessage splits payload into frames sharing seq. The fragment total
// is computed before any frame is built so every fragment carries the same
// count.
func (c *Codec) EncodeMessage(cmd Command, seq uint32, payload []byte) ([]Frame, error) {
	if seq > c.version.MaxSeq() {
		return nil, fmt.Errorf("%w: seq %d exceeds version %d width", ErrInvalidValue, seq, c.version)
	}
	total := c.FragmentCount(len(payload))
	if total > maxFragments {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments", ErrPayloadTooLarge, len(payload), total)
	}

	maxLen := c.MaxFragmentLen()
	frames := make([]Frame, 0, total)
	for i := range total {
		start := i * maxLen
		end := min(start+maxLen, len(payload))
		chunk := append([]byte(nil), payload[start:end]...)
		f := Frame{
			Version:       c.version,
			Seq:           seq,
			Command:       cmd,
			FragmentIndex: uint8(i),     //nolint:gosec // total <= 255
			FragmentTotal: uint8(total), //nolint:gosec // total <= 255
			Payload:       chunk,
		}
		raw := f.Bytes()
		f.Checksum = binary.BigEndian.Uint16(raw[len(raw)-checksumLen:])
		frames = append(frames, f)
	}
	return frames, nil
}

// DecodeFrame parses one frame.
//
// Minimum length and checksum are validated before any header field is
// interpreted. Any failure returns ErrMalformedFrame and a zero Frame.
func (c *Codec) DecodeFrame(b []byte) (Frame, error) {
	hl := c.version.headerLen()
	if len(b) < hl+checksumLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, minimum %d", ErrMalformedFrame, len(b), hl+checksumLen)
	}

	body := b[:len(b)-checksumLen]
	want := binary.BigEndian.Uint16(b[len(b)-checksumLen:])
	if got := Checksum(body); got != want {
		return Frame{}, fmt.Errorf("%w: checksum 0x%04x, computed 0x%04x", ErrMalformedFrame, want, got)
	}

	f := Frame{Version: c.version, Checksum: want}
	var off int
	if c.version == Version2 {
		f.Seq = uint32(binary.BigEndian.Uint16(b))
		off = 2
	} else {
		f.Seq = binary.BigEndian.Uint32(b)
		off = 4
	}
	f.Command = Command(binary.BigEndian.Uint16(b[off:]))
	f.FragmentIndex = b[off+2]
	f.FragmentTotal = b[off+3]
	n := int(binary.BigEndian.Uint16(b[off+4:]))

	if n != len(body)-hl {
		return Frame{}, fmt.Errorf("%w: length field %d, body carries %d", ErrMalformedFrame, n, len(body)-hl)
	}
	if f.FragmentTotal == 0 || f.FragmentIndex >= f.FragmentTotal {
		return Frame{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformedFrame, f.FragmentIndex, f.FragmentTotal)
	}
	f.Payload = append([]byte(nil), body[hl:]...)
	return f, nil
}
