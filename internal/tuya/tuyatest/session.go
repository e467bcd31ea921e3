// Package tuyatest provides an in-memory protocol session for tests of
// code built on tuya.Device.
package tuyatest

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
	"github.com/nerrad567/tuyable/internal/tuya/session"
)

// Command is one write seen by a FakeSession.
type Command struct {
	ID    uint8
	Type  datapoint.Type
	Value any
}

// FakeSession acknowledges every write into a real datapoint registry.
// It satisfies tuya.Session.
type FakeSession struct {
	reg *datapoint.Registry

	mu      sync.Mutex
	sent    []Command
	sendErr error
	delay   time.Duration
	state   session.State
	stats   session.Stats
	onState func(session.State)
	started bool
	queries int
}

// NewFakeSession returns a disconnected session with no datapoints.
func NewFakeSession() *FakeSession {
	return &FakeSession{reg: datapoint.NewRegistry()}
}

func (f *FakeSession) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return session.ErrAlreadyStarted
	}
	f.started = true
	return nil
}

func (f *FakeSession) Close() error { return nil }

// Send records the write and applies it as acknowledged, or fails with
// the error set by FailSends.
func (f *FakeSession) Send(ctx context.Context, id uint8, t datapoint.Type, v any) error {
	f.mu.Lock()
	f.sent = append(f.sent, Command{id, t, v})
	err, delay := f.sendErr, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	_, err = f.reg.ApplyUpdate(datapoint.Datapoint{ID: id, Type: t, Value: v})
	return err
}

func (f *FakeSession) QueryStatus(context.Context) error {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) Datapoints() datapoint.View { return f.reg }

func (f *FakeSession) Subscribe(fn datapoint.Listener) func() { return f.reg.Subscribe(fn) }

func (f *FakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeSession) SetOnStateChange(fn func(session.State)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *FakeSession) Stats() session.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	st.State = f.state
	return st
}

// Report applies an unsolicited device update.
func (f *FakeSession) Report(dp datapoint.Datapoint) {
	dp.ChangedByDevice = true
	_, _ = f.reg.ApplyUpdate(dp)
}

// SetState moves the session to st and runs the state callback.
func (f *FakeSession) SetState(st session.State) {
	f.mu.Lock()
	f.state = st
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// SetStats replaces the counters returned by Stats.
func (f *FakeSession) SetStats(st session.Stats) {
	f.mu.Lock()
	f.stats = st
	f.mu.Unlock()
}

// FailSends makes every later Send return err. nil restores success.
func (f *FakeSession) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// DelaySends makes every later Send wait d or until its context ends.
func (f *FakeSession) DelaySends(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// Sent returns the writes seen so far.
func (f *FakeSession) Sent() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.sent...)
}

// Queries returns the number of status queries.
func (f *FakeSession) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}
