package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
	"github.com/nerrad567/tuyable/internal/tuya/reassembly"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a new Session.
type Options struct {
	// DeviceID names the device in logs.
	DeviceID string

	// Transport is the link to the device (required).
	Transport Transport

	// Config tunes the session; zero fields take defaults.
	Config Config

	// Logger is optional.
	Logger Logger
}

// Events handled by the session goroutine.
type (
	connectResult struct{ err error }
	linkLost      struct{ err error }
	writeDone     struct {
		seq     uint32
		attempt int
		err     error
	}
	ackTimeout struct {
		seq     uint32
		attempt int
	}
	reconnectDue struct{}
	demandRaised struct{}
)

// writeJob is one transmission attempt handed to the writer goroutine.
type writeJob struct {
	seq     uint32
	attempt int
	link    uint64
	frames  []codec.Frame
}

// Session is the protocol engine for one device.
//
// Thread Safety:
//   - Exported methods are safe for concurrent use.
//   - Mutable protocol state is owned by one goroutine started by Start.
type Session struct {
	id        string
	cfg       Config
	codec     *codec.Codec
	transport Transport
	registry  *datapoint.Registry
	reasm     *reassembly.Buffer

	notifications chan []byte
	requests      chan *request
	events        chan any
	writes        chan writeJob

	state   atomic.Int32
	started atomic.Bool
	link    atomic.Uint64 // incremented on every link loss; stale write jobs are skipped

	onStateChange func(State)
	callbackMu    sync.RWMutex

	// Owned by the session goroutine.
	nextSeq        uint32
	pending        map[uint32]*pendingCommand
	queue          commandQueue
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	reconnecting   bool

	ctx    context.Context //nolint:containedctx // lifetime of background goroutines
	cancel context.CancelFunc
	done   *closeOnce
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	counters counters
}

// New creates a session. Call Start to begin connecting.
//
// Parameters:
//   - opts: Transport is required; other fields are optional
//
// Returns:
//   - *Session: Session in StateDisconnected
//   - error: ErrInvalidConfig or a codec error
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.Version, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             opts.DeviceID,
		cfg:            cfg,
		codec:          c,
		transport:      opts.Transport,
		registry:       datapoint.NewRegistry(),
		notifications:  make(chan []byte, cfg.NotifyQueueSize),
		requests:       make(chan *request, cfg.RequestQueueSize),
		events:         make(chan any, eventQueueSize),
		writes:         make(chan writeJob, writeQueueSize),
		nextSeq:        1,
		pending:        make(map[uint32]*pendingCommand),
		reconnectDelay: cfg.ReconnectInterval,
		ctx:            ctx,
		cancel:         cancel,
		done:           newCloseOnce(),
		logger:         opts.Logger,
	}
	s.reasm = reassembly.New(cfg.ReassemblyWindow, sessionLog{s})
	return s, nil
}

// Start launches the session goroutine and begins connecting.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.transport.SetOnNotify(s.enqueueNotification)
	s.transport.SetOnDisconnect(func(err error) { s.post(linkLost{err: err}) })

	s.wg.Add(2) //nolint:mnd // session loop + writer
	go s.run()
	go s.writer()

	s.post(demandRaised{})
	return nil
}

// Close stops the session, fails outstanding commands with ErrDisconnected
// and disconnects the transport. Safe to call multiple times.
func (s *Session) Close() error {
	s.done.Close()
	s.cancel()
	s.wg.Wait()

	if err := s.transport.Disconnect(); err != nil {
		return fmt.Errorf("disconnecting transport: %w", err)
	}
	return nil
}

// Send writes one datapoint and waits for the outcome.
//
// Parameters:
//   - ctx: Cancels the wait only; a command already on the wire stays pending
//   - id: Datapoint id
//   - t: Datapoint type
//   - value: Go value matching t
//
// Returns:
//   - error: nil on ack; ErrTimeout, ErrRejected or ErrDisconnected;
//     codec.ErrInvalidValue wrapping datapoint.ErrTypeMismatch for a bad
//     value; datapoint.ErrTypeMismatch when t differs from the type the
//     device reported for id; ctx.Err() on cancel
func (s *Session) Send(ctx context.Context, id uint8, t datapoint.Type, value any) error {
	// Encode once up front so invalid values never reach the queue.
	if _, err := s.codec.EncodeCommand(codec.CommandSendDatapoint, id, t, value, 1); err != nil {
		return err
	}
	if err := s.checkRecordedType(id, t); err != nil {
		return err
	}

	dp := &datapoint.Datapoint{ID: id, Type: t, Value: value}
	return s.submit(ctx, newRequest(ctx, codec.CommandSendDatapoint, dp, nil))
}

// checkRecordedType fails when the registry already holds id with a
// different type. A datapoint's type never changes once reported.
func (s *Session) checkRecordedType(id uint8, t datapoint.Type) error {
	prev, ok := s.registry.Get(id)
	if !ok || prev.Type == t {
		return nil
	}
	s.counters.typeMismatches.Add(1)
	return fmt.Errorf("%w: dp %d is %s, write is %s", datapoint.ErrTypeMismatch, id, prev.Type, t)
}

// QueryStatus asks the device to report every datapoint. The reports
// arrive asynchronously through the registry.
func (s *Session) QueryStatus(ctx context.Context) error {
	return s.submit(ctx, newRequest(ctx, codec.CommandDeviceStatus, nil, nil))
}

// Datapoints returns the read-only registry view.
func (s *Session) Datapoints() datapoint.View {
	return s.registry
}

// Subscribe registers a datapoint change listener. A subscribed session
// counts as in use and reconnects automatically after link loss.
func (s *Session) Subscribe(fn datapoint.Listener) func() {
	unsub := s.registry.Subscribe(fn)
	if s.started.Load() {
		s.post(demandRaised{})
	}
	return unsub
}

// State returns the current connection phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// DeviceID returns the device id given in Options.
func (s *Session) DeviceID() string {
	return s.id
}

// SetOnStateChange installs a state transition callback. It runs on the
// session goroutine and must not block.
func (s *Session) SetOnStateChange(fn func(State)) {
	s.callbackMu.Lock()
	s.onStateChange = fn
	s.callbackMu.Unlock()
}

// SetLogger sets the logger.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Session) submit(ctx context.Context, req *request) error {
	if !s.started.Load() {
		return fmt.Errorf("%w: session not started", ErrDisconnected)
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done.Done():
		return errClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done.Done():
		// The shutdown path resolves queued requests; prefer its result.
		select {
		case err := <-req.result:
			return err
		default:
			return errClosed
		}
	}
}

// enqueueNotification is the transport notification handler. It copies the
// bytes into the bounded notification channel and never blocks the
// transport's goroutine.
func (s *Session) enqueueNotification(b []byte) {
	data := append([]byte(nil), b...)
	select {
	case s.notifications <- data:
	case <-s.done.Done():
	default:
		s.counters.notificationsDropped.Add(1)
		s.logWarn("notification queue full, dropping frame", "len", len(data))
	}
}

// post delivers an event to the session goroutine.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done.Done():
	}
}

// run is the session goroutine.
func (s *Session) run() {
	defer s.wg.Done()

	sweep := time.NewTicker(max(s.cfg.ReassemblyWindow/2, 10*time.Millisecond)) //nolint:mnd // sweep twice per window
	defer sweep.Stop()

	for {
		select {
		case <-s.done.Done():
			s.shutdown()
			return
		case data := <-s.notifications:
			s.handleNotification(data)
		case req := <-s.requests:
			s.enqueue(req)
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-sweep.C:
			s.reasm.Expire()
		}
	}
}

// writer is the only goroutine that calls Transport.Write, so the frames
// of one command are always written contiguously.
func (s *Session) writer() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done.Done():
			return
		case job := <-s.writes:
			if job.link != s.link.Load() {
				continue
			}
			s.post(writeDone{seq: job.seq, attempt: job.attempt, err: s.writeFrames(job.frames)})
		}
	}
}

func (s *Session) writeFrames(frames []codec.Frame) error {
	for _, f := range frames {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		err := s.transport.Write(ctx, f.Bytes())
		cancel()
		if err != nil {
			return fmt.Errorf("writing fragment %d/%d of seq %d: %w", f.FragmentIndex+1, f.FragmentTotal, f.Seq, err)
		}
		s.counters.framesTx.Add(1)
		s.counters.touch()
	}
	return nil
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case connectResult:
		if e.err != nil {
			s.onConnectFailed(e.err)
		} else {
			s.onConnected()
		}
	case linkLost:
		s.onLinkLost(e.err)
	case writeDone:
		s.onWriteDone(e)
	case ackTimeout:
		s.onAckTimeout(e)
	case reconnectDue:
		if s.State() == StateReconnecting {
			s.startConnect()
		}
	case demandRaised:
		if s.State() == StateDisconnected && s.inUse() {
			s.startConnect()
		}
	}
}

func (s *Session) enqueue(req *request) {
	s.queue.push(req)
	switch s.State() {
	case StateConnected:
		s.dispatchNext()
	case StateDisconnected:
		s.startConnect()
	case StateConnecting, StateReconnecting:
		// Dispatched once connected, failed if the attempt fails.
	}
}

// inUse reports whether the device has outstanding work or subscribers.
func (s *Session) inUse() bool {
	return len(s.pending) > 0 || s.queue.size() > 0 || s.registry.ListenerCount() > 0
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logDebug("session state changed", "from", prev.String(), "to", st.String())

	s.callbackMu.RLock()
	fn := s.onStateChange
	s.callbackMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (s *Session) startConnect() {
	s.setState(StateConnecting)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
		defer cancel()
		s.post(connectResult{err: s.transport.Connect(ctx)})
	}()
}

func (s *Session) onConnected() {
	if s.reconnecting {
		s.counters.reconnects.Add(1)
	}
	s.reconnecting = false
	s.reconnectDelay = s.cfg.ReconnectInterval
	s.counters.touch()
	s.setState(StateConnected)
	s.logInfo("device connected")

	if s.cfg.QueryStatusOnConnect {
		s.queue.pushFront(newRequest(context.Background(), codec.CommandDeviceStatus, nil, nil))
	}
	s.dispatchNext()
}

func (s *Session) onConnectFailed(err error) {
	s.logError("connect failed", err, "retry_in", s.reconnectDelay.String())
	s.setState(StateDisconnected)
	s.failAll(fmt.Errorf("%w: %w", ErrDisconnected, err))

	if s.inUse() {
		s.scheduleReconnect()
	}
}

func (s *Session) onLinkLost(err error) {
	if s.State() != StateConnected {
		return
	}
	wasBusy := s.inUse()

	s.link.Add(1)
	s.counters.disconnects.Add(1)
	s.setState(StateDisconnected)
	s.logWarn("link lost", "error", err, "pending", len(s.pending), "queued", s.queue.size())

	cause := ErrDisconnected
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	s.failAll(cause)
	s.reasm.Reset()

	if wasBusy || s.inUse() {
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleReconnect() {
	s.reconnecting = true
	s.setState(StateReconnecting)
	delay := s.reconnectDelay
	s.reconnectDelay = nextReconnectDelay(delay, s.cfg.MaxReconnectInterval)

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() { s.post(reconnectDue{}) })
	s.logInfo("reconnect scheduled", "delay", delay.String())
}

// dispatchNext puts the head of the queue on the wire if the link is up
// and nothing is in flight.
func (s *Session) dispatchNext() {
	if s.State() != StateConnected {
		return
	}
	for req := s.queue.next(); req != nil; req = s.queue.next() {
		if err := req.ctx.Err(); err != nil {
			// Nothing is on the wire yet, so a cancelled command is dropped.
			s.logDebug("dropping cancelled command", "command", req.command.String())
			req.resolve(err)
			continue
		}

		if req.dp != nil {
			// A report may have recorded the datapoint while this write
			// was queued.
			if err := s.checkRecordedType(req.dp.ID, req.dp.Type); err != nil {
				req.resolve(err)
				continue
			}
		}

		seq := s.allocSeq()
		var frames []codec.Frame
		var err error
		if req.dp != nil {
			frames, err = s.codec.EncodeCommand(req.command, req.dp.ID, req.dp.Type, req.dp.Value, seq)
		} else {
			frames, err = s.codec.EncodeMessage(req.command, seq, req.payload)
		}
		if err != nil {
			req.resolve(err)
			continue
		}

		p := &pendingCommand{
			seq:              seq,
			issuedAt:         time.Now(),
			expectedAck:      req.command,
			retriesRemaining: s.cfg.Retries,
			frames:           frames,
			req:              req,
		}
		s.pending[seq] = p
		s.queue.begin(p)
		s.counters.commandsSent.Add(1)
		s.transmit(p)
		return
	}
}

// allocSeq returns the next sequence number. Numbers wrap at the protocol
// width, skip zero, and skip any number still pending.
func (s *Session) allocSeq() uint32 {
	limit := s.codec.Version().MaxSeq()
	for {
		seq := s.nextSeq
		if s.nextSeq >= limit {
			s.nextSeq = 1
		} else {
			s.nextSeq++
		}
		if _, busy := s.pending[seq]; !busy {
			return seq
		}
	}
}

// transmit starts one attempt of p: arms the ack timer and hands the frames
// to the writer.
func (s *Session) transmit(p *pendingCommand) {
	p.attempt++
	attempt := p.attempt
	seq := p.seq

	timeout := attemptTimeout(s.cfg, attempt)
	p.timer = time.AfterFunc(timeout, func() { s.post(ackTimeout{seq: seq, attempt: attempt}) })

	job := writeJob{seq: seq, attempt: attempt, link: s.link.Load(), frames: p.frames}
	select {
	case s.writes <- job:
	case <-s.done.Done():
	}
}

func (s *Session) onWriteDone(e writeDone) {
	if e.err == nil {
		return
	}
	s.counters.writeErrors.Add(1)

	p := s.pending[e.seq]
	if p == nil || p.attempt != e.attempt {
		return
	}
	s.logError("frame write failed", e.err, "seq", e.seq, "attempt", e.attempt)

	if !s.transport.IsConnected() {
		s.onLinkLost(e.err)
		return
	}
	p.timer.Stop()
	s.retryOrFail(p)
}

func (s *Session) onAckTimeout(e ackTimeout) {
	p := s.pending[e.seq]
	if p == nil || p.attempt != e.attempt {
		return
	}
	s.retryOrFail(p)
}

func (s *Session) retryOrFail(p *pendingCommand) {
	if p.retriesRemaining > 0 {
		p.retriesRemaining--
		s.counters.retries.Add(1)
		s.logDebug("retrying command", "seq", p.seq, "attempt", p.attempt+1, "command", p.req.command.String())
		s.transmit(p)
		return
	}

	s.counters.timeouts.Add(1)
	s.logWarn("command timed out", "seq", p.seq, "attempts", p.attempt, "command", p.req.command.String())
	s.resolve(p, fmt.Errorf("%w: seq %d after %d attempts", ErrTimeout, p.seq, p.attempt))
}

// resolve removes p from the pending map, frees the queue head and
// dispatches the next command.
func (s *Session) resolve(p *pendingCommand, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, p.seq)
	s.queue.finish(p)
	p.req.resolve(err)
	s.dispatchNext()
}

// failAll resolves the in-flight command and every queued command with err.
func (s *Session) failAll(err error) {
	for _, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, p.seq)
		s.queue.finish(p)
		p.req.resolve(err)
	}
	for _, req := range s.queue.drain() {
		req.resolve(err)
	}
}

func (s *Session) handleNotification(data []byte) {
	s.counters.framesRx.Add(1)
	s.counters.touch()

	f, err := s.codec.DecodeFrame(data)
	if err != nil {
		s.counters.malformedFrames.Add(1)
		s.logWarn("dropping malformed frame", "error", err, "len", len(data))
		return
	}

	msg, ok := s.reasm.Add(f)
	if !ok {
		return
	}
	s.handleMessage(msg)
}

func (s *Session) handleMessage(msg reassembly.Message) {
	p := s.pending[msg.Seq]

	if msg.Command.IsReport() {
		s.handleReport(msg, p)
		return
	}

	if p == nil || msg.Command != p.expectedAck {
		s.counters.unmatched.Add(1)
		s.logDebug("ignoring unmatched frame", "seq", msg.Seq, "command", msg.Command.String())
		return
	}

	s.counters.acks.Add(1)
	if len(msg.Payload) > 0 && msg.Payload[0] != 0 {
		status := msg.Payload[0]
		s.counters.rejections.Add(1)
		s.logWarn("device rejected command",
			"seq", msg.Seq, "status", status, "command", msg.Command.String())
		s.resolve(p, fmt.Errorf("%w: seq %d status 0x%02x", ErrRejected, msg.Seq, status))
		return
	}

	if p.req.dp != nil {
		s.apply(*p.req.dp, false)
	}
	s.resolve(p, nil)
}

// handleReport applies a datapoint report. A report resolves the in-flight
// command when it carries that command's sequence number or the datapoint
// the command wrote; anything else is an unsolicited state push.
func (s *Session) handleReport(msg reassembly.Message, p *pendingCommand) {
	dps, err := codec.DecodeDatapointPayload(msg.Payload)
	if err != nil {
		s.counters.malformedPayloads.Add(1)
		s.logWarn("dropping malformed report", "error", err, "seq", msg.Seq)
		return
	}

	owner := p
	if owner == nil {
		if cur := s.queue.current(); cur != nil {
			for _, dp := range dps {
				if cur.writesDatapoint(dp.ID) {
					owner = cur
					break
				}
			}
		}
	}

	for _, dp := range dps {
		s.apply(dp, owner == nil || !owner.writesDatapoint(dp.ID))
	}

	if owner == nil {
		s.counters.unsolicited.Add(1)
		return
	}
	s.counters.acks.Add(1)
	s.resolve(owner, nil)
}

func (s *Session) apply(dp datapoint.Datapoint, byDevice bool) {
	dp.ChangedByDevice = byDevice
	if _, err := s.registry.ApplyUpdate(dp); err != nil {
		s.counters.typeMismatches.Add(1)
		s.logWarn("datapoint update rejected", "error", err, "dp", dp.ID)
	}
}

// shutdown runs on the session goroutine when Close is called.
func (s *Session) shutdown() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.failAll(errClosed)
	for {
		select {
		case req := <-s.requests:
			req.resolve(errClosed)
		default:
			s.setState(StateDisconnected)
			return
		}
	}
}

// sessionLog adapts the session logger for the reassembly buffer.
type sessionLog struct{ s *Session }

func (l sessionLog) Debug(msg string, keysAndValues ...any) { l.s.logDebug(msg, keysAndValues...) }
func (l sessionLog) Warn(msg string, keysAndValues ...any)  { l.s.logWarn(msg, keysAndValues...) }

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Debug(msg, append([]any{"device", s.id}, keysAndValues...)...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Info(msg, append([]any{"device", s.id}, keysAndValues...)...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Warn(msg, append([]any{"device", s.id}, keysAndValues...)...)
	}
}

func (s *Session) logError(msg string, err error, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Error(msg, append([]any{"device", s.id, "error", err}, keysAndValues...)...)
	}
}
