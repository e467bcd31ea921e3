package session

import (
	"context"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// request is one caller command waiting for a result.
type request struct {
	ctx        context.Context //nolint:containedctx // carries the caller's cancellation into the queue
	command    codec.Command
	dp         *datapoint.Datapoint // nil for commands without a datapoint
	payload    []byte               // used when dp is nil
	result     chan error
	enqueuedAt time.Time
}

func newRequest(ctx context.Context, cmd codec.Command, dp *datapoint.Datapoint, payload []byte) *request {
	return &request{
		ctx:        ctx,
		command:    cmd,
		dp:         dp,
		payload:    payload,
		result:     make(chan error, 1),
		enqueuedAt: time.Now(),
	}
}

// resolve delivers the result once; later calls are ignored.
func (r *request) resolve(err error) {
	select {
	case r.result <- err:
	default:
	}
}

// pendingCommand is a command on the wire awaiting its ack.
type pendingCommand struct {
	seq              uint32
	issuedAt         time.Time
	expectedAck      codec.Command
	retriesRemaining int
	attempt          int
	frames           []codec.Frame
	req              *request
	timer            *time.Timer
}

// writesDatapoint reports whether p is a write of datapoint id.
func (p *pendingCommand) writesDatapoint(id uint8) bool {
	return p.req.dp != nil && p.req.dp.ID == id
}

// commandQueue is the per-device FIFO with at most one command in flight.
// Owned by the session goroutine.
type commandQueue struct {
	waiting  []*request
	inFlight *pendingCommand
}

func (q *commandQueue) push(r *request) {
	q.waiting = append(q.waiting, r)
}

// pushFront queues r ahead of every waiting request.
func (q *commandQueue) pushFront(r *request) {
	q.waiting = append([]*request{r}, q.waiting...)
}

// next pops the head request, or returns nil when a command is in flight or
// nothing waits.
func (q *commandQueue) next() *request {
	if q.inFlight != nil || len(q.waiting) == 0 {
		return nil
	}
	r := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	return r
}

func (q *commandQueue) begin(p *pendingCommand) {
	q.inFlight = p
}

// finish clears the in-flight slot if p occupies it.
func (q *commandQueue) finish(p *pendingCommand) {
	if q.inFlight == p {
		q.inFlight = nil
	}
}

func (q *commandQueue) current() *pendingCommand {
	return q.inFlight
}

// drain removes and returns every waiting request.
func (q *commandQueue) drain() []*request {
	out := q.waiting
	q.waiting = nil
	return out
}

func (q *commandQueue) size() int {
	n := len(q.waiting)
	if q.inFlight != nil {
		n++
	}
	return n
}
