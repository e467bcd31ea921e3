package reassembly

import (
	"bytes"
	"testing"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBuffer(window time.Duration) (*Buffer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(window, nil)
	b.now = clock.now
	return b, clock
}

func fragments(t *testing.T, seq uint32, payload []byte) []codec.Frame {
	t.Helper()
	c, err := codec.New(codec.Version3, 0)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	frames, err := c.EncodeMessage(codec.CommandReportDatapoint, seq, payload)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	return frames
}

// valueReport builds a 300 byte report: 36 VALUE entries and one 8 byte RAW entry.
func valueReport(t *testing.T) []byte {
	t.Helper()
	dps := make([]datapoint.Datapoint, 0, 37)
	for i := range 36 {
		dps = append(dps, datapoint.Datapoint{ID: uint8(i + 1), Type: datapoint.TypeValue, Value: int32(i * 1000)})
	}
	dps = append(dps, datapoint.Datapoint{ID: 100, Type: datapoint.TypeRaw, Value: []byte("rawbytes")})
	payload, err := codec.EncodeDatapoints(dps)
	if err != nil {
		t.Fatalf("EncodeDatapoints() error = %v", err)
	}
	if len(payload) != 300 {
		t.Fatalf("report is %d bytes, want 300", len(payload))
	}
	return payload
}

func TestBuffer_SingleFragment(t *testing.T) {
	b, _ := newTestBuffer(0)
	frames := fragments(t, 5, []byte{1, 2, 3})

	msg, ok := b.Add(frames[0])
	if !ok {
		t.Fatal("Add() did not complete single fragment message")
	}
	if msg.Seq != 5 || msg.Command != codec.CommandReportDatapoint || !bytes.Equal(msg.Payload, []byte{1, 2, 3}) {
		t.Errorf("message = %+v", msg)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestBuffer_OutOfOrderThenRetransmit(t *testing.T) {
	b, _ := newTestBuffer(0)
	payload := valueReport(t)
	frames := fragments(t, 77, payload)
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}

	if _, ok := b.Add(frames[1]); ok {
		t.Fatal("fragment 1 before 0 completed a message")
	}
	if b.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", b.Stats().Discarded)
	}

	if _, ok := b.Add(frames[0]); ok {
		t.Fatal("fragment 0 alone completed a two fragment message")
	}

	msg, ok := b.Add(frames[1])
	if !ok {
		t.Fatal("retransmitted fragment 1 did not complete the message")
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatal("reassembled payload differs from original")
	}

	dps, err := codec.DecodeDatapointPayload(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDatapointPayload() error = %v", err)
	}
	if len(dps) != 37 {
		t.Fatalf("decoded %d datapoints, want 37", len(dps))
	}
	if dps[35].Value != int32(35000) {
		t.Errorf("dp 36 = %v, want 35000", dps[35].Value)
	}
}

func TestBuffer_DuplicateFragmentIsIdempotent(t *testing.T) {
	payload := make([]byte, 700)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	once, _ := newTestBuffer(0)
	twice, _ := newTestBuffer(0)
	frames := fragments(t, 3, payload)

	var onceMsg, twiceMsg Message
	var onceCount, twiceCount int
	for _, f := range frames {
		if m, ok := once.Add(f); ok {
			onceMsg = m
			onceCount++
		}
		for range 2 {
			if m, ok := twice.Add(f); ok {
				twiceMsg = m
				twiceCount++
			}
		}
	}

	if onceCount != 1 || twiceCount != 1 {
		t.Fatalf("completions once = %d, twice = %d, want 1 each", onceCount, twiceCount)
	}
	if !bytes.Equal(onceMsg.Payload, twiceMsg.Payload) || !bytes.Equal(onceMsg.Payload, payload) {
		t.Error("duplicate delivery changed the reassembled payload")
	}
}

func TestBuffer_InconsistentFragmentDiscarded(t *testing.T) {
	b, _ := newTestBuffer(0)
	frames := fragments(t, 8, make([]byte, 500))

	b.Add(frames[0])
	bad := frames[1]
	bad.FragmentTotal = 9

	if _, ok := b.Add(bad); ok {
		t.Fatal("inconsistent fragment completed the message")
	}
	if b.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", b.Stats().Discarded)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want partial message kept", b.Len())
	}
}

func TestBuffer_ExpireAbandonsIdlePartial(t *testing.T) {
	b, clock := newTestBuffer(time.Second)
	frames := fragments(t, 11, make([]byte, 500))

	b.Add(frames[0])
	clock.advance(500 * time.Millisecond)
	if n := b.Expire(); n != 0 {
		t.Fatalf("Expire() before window = %d, want 0", n)
	}

	clock.advance(600 * time.Millisecond)
	if n := b.Expire(); n != 1 {
		t.Fatalf("Expire() after window = %d, want 1", n)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	if b.Stats().Abandoned != 1 {
		t.Errorf("Abandoned = %d, want 1", b.Stats().Abandoned)
	}

	// The tail of the abandoned message is now out of order.
	if _, ok := b.Add(frames[1]); ok {
		t.Error("fragment of abandoned message completed")
	}
}

func TestBuffer_StaleBufferRestartsOnNewFirstFragment(t *testing.T) {
	b, clock := newTestBuffer(time.Second)
	first := fragments(t, 12, make([]byte, 500))
	b.Add(first[0])

	clock.advance(2 * time.Second)
	second := fragments(t, 12, []byte{9})
	msg, ok := b.Add(second[0])
	if !ok {
		t.Fatal("new message on expired seq did not complete")
	}
	if !bytes.Equal(msg.Payload, []byte{9}) {
		t.Errorf("payload = %v, want [9]", msg.Payload)
	}
}

func TestBuffer_RecentCompletionForgottenAfterWindow(t *testing.T) {
	b, clock := newTestBuffer(time.Second)
	frames := fragments(t, 2, []byte{1})

	if _, ok := b.Add(frames[0]); !ok {
		t.Fatal("first delivery did not complete")
	}
	if _, ok := b.Add(frames[0]); ok {
		t.Fatal("repeat within window was delivered again")
	}

	clock.advance(2 * time.Second)
	b.Expire()
	if _, ok := b.Add(frames[0]); !ok {
		t.Error("same seq after window was not accepted")
	}
}

func TestBuffer_Reset(t *testing.T) {
	b, _ := newTestBuffer(0)
	b.Add(fragments(t, 1, make([]byte, 500))[0])
	b.Add(fragments(t, 2, make([]byte, 500))[0])

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	if b.Stats().Abandoned != 2 {
		t.Errorf("Abandoned = %d, want 2", b.Stats().Abandoned)
	}
}
