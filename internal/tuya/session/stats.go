package session

import (
	"sync/atomic"
	"time"
)

// Stats holds operational counters for one session.
type Stats struct {
	State                State
	FramesTx             uint64
	FramesRx             uint64
	MalformedFrames      uint64
	MalformedPayloads    uint64
	CommandsSent         uint64
	Acks                 uint64
	Retries              uint64
	Timeouts             uint64
	Rejections           uint64 // acks with a non-zero status
	WriteErrors          uint64
	Disconnects          uint64
	Reconnects           uint64 // successful connects after a link loss or failed attempt
	Unsolicited          uint64 // reports not matched to a pending command
	Unmatched            uint64 // acks for unknown sequence numbers
	TypeMismatches       uint64
	NotificationsDropped uint64 // notification queue full
	ReassemblyCompleted  uint64
	ReassemblyDiscarded  uint64
	ReassemblyAbandoned  uint64
	LastActivity         time.Time
}

// counters are the atomic backing of Stats.
type counters struct {
	framesTx             atomic.Uint64
	framesRx             atomic.Uint64
	malformedFrames      atomic.Uint64
	malformedPayloads    atomic.Uint64
	commandsSent         atomic.Uint64
	acks                 atomic.Uint64
	retries              atomic.Uint64
	timeouts             atomic.Uint64
	rejections           atomic.Uint64
	writeErrors          atomic.Uint64
	disconnects          atomic.Uint64
	reconnects           atomic.Uint64
	unsolicited          atomic.Uint64
	unmatched            atomic.Uint64
	typeMismatches       atomic.Uint64
	notificationsDropped atomic.Uint64
	lastActivity         atomic.Int64 // unix nanoseconds
}

func (c *counters) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	r := s.reasm.Stats()
	st := Stats{
		State:                s.State(),
		FramesTx:             s.counters.framesTx.Load(),
		FramesRx:             s.counters.framesRx.Load(),
		MalformedFrames:      s.counters.malformedFrames.Load(),
		MalformedPayloads:    s.counters.malformedPayloads.Load(),
		CommandsSent:         s.counters.commandsSent.Load(),
		Acks:                 s.counters.acks.Load(),
		Retries:              s.counters.retries.Load(),
		Timeouts:             s.counters.timeouts.Load(),
		Rejections:           s.counters.rejections.Load(),
		WriteErrors:          s.counters.writeErrors.Load(),
		Disconnects:          s.counters.disconnects.Load(),
		Reconnects:           s.counters.reconnects.Load(),
		Unsolicited:          s.counters.unsolicited.Load(),
		Unmatched:            s.counters.unmatched.Load(),
		TypeMismatches:       s.counters.typeMismatches.Load(),
		NotificationsDropped: s.counters.notificationsDropped.Load(),
		ReassemblyCompleted:  r.Completed,
		ReassemblyDiscarded:  r.Discarded,
		ReassemblyAbandoned:  r.Abandoned,
	}
	if ns := s.counters.lastActivity.Load(); ns != 0 {
		st.LastActivity = time.Unix(0, ns)
	}
	return st
}
