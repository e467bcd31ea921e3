// Package reassembly joins the fragments of multi-frame Tuya BLE messages.
//
// Fragments of one message share a sequence number and must arrive in
// strictly increasing index order. Out-of-order and duplicate fragments are
// discarded without aborting the partial message, since BLE notifications
// are occasionally repeated. A partial message that sees no progress for
// the configured window is abandoned.
//
// A Buffer is owned by a single device session and is not safe for
// concurrent use.
package reassembly

import (
	"sync/atomic"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
)

// DefaultWindow is the inactivity window after which a partial message is
// abandoned.
const DefaultWindow = 5 * time.Second

// Logger is the optional logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Message is a complete logical message.
type Message struct {
	Seq     uint32
	Command codec.Command
	Payload []byte
}

// Stats holds reassembly counters.
type Stats struct {
	Completed uint64
	Discarded uint64 // out-of-order, duplicate or inconsistent fragments
	Abandoned uint64 // partial messages expired by the inactivity window
}

type recentKey struct {
	seq     uint32
	command codec.Command
}

// partial is the AwaitingFragment(next) state for one sequence number.
type partial struct {
	command  codec.Command
	total    uint8
	next     uint8
	payload  []byte
	lastSeen time.Time
}

// Buffer accumulates fragments keyed by sequence number.
type Buffer struct {
	window  time.Duration
	logger  Logger
	now     func() time.Time
	pending map[uint32]*partial

	// recent remembers messages completed within the window so a repeated
	// final fragment is not delivered twice. Host and device allocate
	// sequence numbers independently, so the command is part of the key.
	recent map[recentKey]time.Time

	completed atomic.Uint64
	discarded atomic.Uint64
	abandoned atomic.Uint64
}

// New creates a Buffer.
//
// Parameters:
//   - window: Inactivity window; 0 selects DefaultWindow
//   - logger: Optional logger (may be nil)
func New(window time.Duration, logger Logger) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{
		window:  window,
		logger:  logger,
		now:     time.Now,
		pending: make(map[uint32]*partial),
		recent:  make(map[recentKey]time.Time),
	}
}

// Add feeds one decoded frame into the buffer.
//
// Returns:
//   - Message: The complete message when this fragment finished it
//   - bool: true if Message is valid
func (b *Buffer) Add(f codec.Frame) (Message, bool) {
	now := b.now()
	b.expireOne(f.Seq, now)

	p, ok := b.pending[f.Seq]
	if !ok {
		if at, done := b.recent[recentKey{f.Seq, f.Command}]; done && now.Sub(at) < b.window {
			b.discard(f, "duplicate of completed message")
			return Message{}, false
		}
		if f.FragmentIndex != 0 {
			b.discard(f, "out of order, expected 0")
			return Message{}, false
		}
		p = &partial{command: f.Command, total: f.FragmentTotal}
		b.pending[f.Seq] = p
	} else {
		if f.Command != p.command || f.FragmentTotal != p.total {
			b.discard(f, "inconsistent with earlier fragments")
			return Message{}, false
		}
		if f.FragmentIndex != p.next {
			b.discard(f, "out of order")
			return Message{}, false
		}
	}

	p.payload = append(p.payload, f.Payload...)
	p.next++
	p.lastSeen = now

	if p.next < p.total {
		return Message{}, false
	}

	delete(b.pending, f.Seq)
	b.recent[recentKey{f.Seq, p.command}] = now
	b.completed.Add(1)
	return Message{Seq: f.Seq, Command: p.command, Payload: p.payload}, true
}

// Expire abandons partial messages idle for longer than the window and
// forgets old completions.
//
// Returns:
//   - int: Number of partial messages abandoned
func (b *Buffer) Expire() int {
	now := b.now()
	n := 0
	for seq, p := range b.pending {
		if now.Sub(p.lastSeen) >= b.window {
			b.abandon(seq, p)
			n++
		}
	}
	for key, at := range b.recent {
		if now.Sub(at) >= b.window {
			delete(b.recent, key)
		}
	}
	return n
}

// Reset drops all partial messages, used when the link is lost.
func (b *Buffer) Reset() {
	for seq, p := range b.pending {
		b.abandon(seq, p)
	}
	clear(b.recent)
}

// Len returns the number of partial messages.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Stats returns the counters. Safe to call from any goroutine.
func (b *Buffer) Stats() Stats {
	return Stats{
		Completed: b.completed.Load(),
		Discarded: b.discarded.Load(),
		Abandoned: b.abandoned.Load(),
	}
}

func (b *Buffer) expireOne(seq uint32, now time.Time) {
	if p, ok := b.pending[seq]; ok && now.Sub(p.lastSeen) >= b.window {
		b.abandon(seq, p)
	}
}

func (b *Buffer) abandon(seq uint32, p *partial) {
	delete(b.pending, seq)
	b.abandoned.Add(1)
	if b.logger != nil {
		b.logger.Debug("reassembly abandoned",
			"seq", seq, "command", p.command.String(), "received", p.next, "total", p.total)
	}
}

func (b *Buffer) discard(f codec.Frame, reason string) {
	b.discarded.Add(1)
	if b.logger != nil {
		b.logger.Warn("fragment discarded",
			"reason", reason, "seq", f.Seq, "index", f.FragmentIndex, "total", f.FragmentTotal)
	}
}
