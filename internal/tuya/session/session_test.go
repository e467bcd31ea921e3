package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// fakeTransport is an in-memory device link. Writes are decoded and
// published on frames; respond, if set, produces reply notifications.
type fakeTransport struct {
	codec *codec.Codec

	mu           sync.Mutex
	connected    bool
	connectErr   error
	connects     int
	writes       []codec.Frame
	onNotify     func([]byte)
	onDisconnect func(error)
	respond      func(f codec.Frame) []codec.Frame

	frames chan codec.Frame
}

func newFakeTransport(t *testing.T, v codec.Version) *fakeTransport {
	t.Helper()
	c, err := codec.New(v, 0)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	return &fakeTransport{codec: c, frames: make(chan codec.Frame, 64)}
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Write(_ context.Context, b []byte) error {
	frame, err := f.codec.DecodeFrame(b)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return errors.New("not connected")
	}
	f.writes = append(f.writes, frame)
	respond := f.respond
	notify := f.onNotify
	f.mu.Unlock()

	select {
	case f.frames <- frame:
	default:
	}

	if respond != nil && frame.FragmentIndex == frame.FragmentTotal-1 {
		if replies := respond(frame); len(replies) > 0 {
			go func() {
				for _, r := range replies {
					notify(r.Bytes())
				}
			}()
		}
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetOnNotify(fn func([]byte)) {
	f.mu.Lock()
	f.onNotify = fn
	f.mu.Unlock()
}

func (f *fakeTransport) SetOnDisconnect(fn func(error)) {
	f.mu.Lock()
	f.onDisconnect = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setRespond(fn func(codec.Frame) []codec.Frame) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

// notify delivers frames as if the device sent them.
func (f *fakeTransport) notify(frames ...codec.Frame) {
	f.mu.Lock()
	fn := f.onNotify
	f.mu.Unlock()
	for _, fr := range frames {
		fn(fr.Bytes())
	}
}

func (f *fakeTransport) notifyRaw(b []byte) {
	f.mu.Lock()
	fn := f.onNotify
	f.mu.Unlock()
	fn(b)
}

// dropLink simulates the device going out of range.
func (f *fakeTransport) dropLink() {
	f.mu.Lock()
	f.connected = false
	fn := f.onDisconnect
	f.mu.Unlock()
	fn(errors.New("link lost"))
}

func (f *fakeTransport) written() []codec.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]codec.Frame(nil), f.writes...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) nextFrame(t *testing.T) codec.Frame {
	t.Helper()
	select {
	case fr := <-f.frames:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written frame")
		return codec.Frame{}
	}
}

// ack builds the device acknowledgement for a host frame.
func (f *fakeTransport) ack(fr codec.Frame) []codec.Frame {
	frames, err := f.codec.EncodeMessage(fr.Command, fr.Seq, []byte{0x00})
	if err != nil {
		panic(err)
	}
	return frames
}

func (f *fakeTransport) report(seq uint32, dps ...datapoint.Datapoint) []codec.Frame {
	payload, err := codec.EncodeDatapoints(dps)
	if err != nil {
		panic(err)
	}
	frames, err := f.codec.EncodeMessage(codec.CommandReportDatapoint, seq, payload)
	if err != nil {
		panic(err)
	}
	return frames
}

func testConfig() Config {
	return Config{
		CommandTimeout:       time.Second,
		Retries:              0,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectInterval: 100 * time.Millisecond,
		QueryStatusOnConnect: false,
	}
}

func startSession(t *testing.T, ft *fakeTransport, cfg Config) *Session {
	t.Helper()
	s, err := New(Options{DeviceID: "test", Transport: ft, Config: cfg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sendAsync(ctx context.Context, s *Session, id uint8, typ datapoint.Type, v any) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Send(ctx, id, typ, v) }()
	return ch
}

func awaitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send to return")
		return nil
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative retries", Config{Retries: -1}},
		{"too many retries", Config{Retries: maxRetries + 1}},
		{"multiplier below one", Config{TimeoutMultiplier: 0.5}},
		{"bad version", Config{Version: 9}},
		{"mtu too small", Config{MTU: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Options{Transport: ft, Config: tt.cfg}); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSession_StartTwice(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_SendAcked(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(ft.ack)
	s := startSession(t, ft, testConfig())

	if err := s.Send(context.Background(), 1, datapoint.TypeBool, true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	dp, ok := s.Datapoints().Get(1)
	if !ok {
		t.Fatal("dp 1 not in registry after ack")
	}
	if dp.Value != true {
		t.Errorf("dp 1 value = %v, want true", dp.Value)
	}
	if dp.ChangedByDevice {
		t.Error("dp 1 ChangedByDevice = true, want false for a host write")
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
	if got := s.Stats().Acks; got != 1 {
		t.Errorf("Stats().Acks = %d, want 1", got)
	}
}

func TestSession_SequenceNumbersIncrease(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(ft.ack)
	s := startSession(t, ft, testConfig())

	for i := range 4 {
		if err := s.Send(context.Background(), 2, datapoint.TypeValue, int32(i)); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	writes := ft.written()
	if len(writes) != 4 {
		t.Fatalf("writes = %d, want 4", len(writes))
	}
	if writes[0].Seq != 1 {
		t.Errorf("first seq = %d, want 1", writes[0].Seq)
	}
	for i := 1; i < len(writes); i++ {
		if writes[i].Seq <= writes[i-1].Seq {
			t.Errorf("seq[%d] = %d, not greater than seq[%d] = %d", i, writes[i].Seq, i-1, writes[i-1].Seq)
		}
	}
}

func TestSession_RetriesThenTimeout(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	cfg := testConfig()
	cfg.Retries = 2
	cfg.CommandTimeout = 20 * time.Millisecond
	s := startSession(t, ft, cfg)

	err := s.Send(context.Background(), 1, datapoint.TypeBool, true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() error = %v, want ErrTimeout", err)
	}

	writes := ft.written()
	if len(writes) != 3 {
		t.Fatalf("transmissions = %d, want 3 (1 + 2 retries)", len(writes))
	}
	for i, w := range writes {
		if w.Seq != writes[0].Seq {
			t.Errorf("attempt %d seq = %d, want %d", i+1, w.Seq, writes[0].Seq)
		}
	}

	st := s.Stats()
	if st.Retries != 2 || st.Timeouts != 1 {
		t.Errorf("Stats() retries=%d timeouts=%d, want 2 and 1", st.Retries, st.Timeouts)
	}
	if _, ok := s.Datapoints().Get(1); ok {
		t.Error("registry updated for a command that was never acknowledged")
	}
}

func TestSession_DisconnectAbortsPending(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	cfg := testConfig()
	cfg.CommandTimeout = time.Minute
	s := startSession(t, ft, cfg)

	first := sendAsync(context.Background(), s, 1, datapoint.TypeBool, true)
	ft.nextFrame(t)
	second := sendAsync(context.Background(), s, 2, datapoint.TypeBool, false)

	// Keep the device unreachable so a command queued after the drop fails
	// on the reconnect attempt instead.
	ft.setConnectErr(errors.New("out of range"))
	ft.dropLink()

	if err := awaitResult(t, first); !errors.Is(err, ErrDisconnected) {
		t.Errorf("in-flight Send() error = %v, want ErrDisconnected", err)
	}
	if err := awaitResult(t, second); !errors.Is(err, ErrDisconnected) {
		t.Errorf("queued Send() error = %v, want ErrDisconnected", err)
	}
	if got := s.Stats().Disconnects; got != 1 {
		t.Errorf("Stats().Disconnects = %d, want 1", got)
	}
}

func TestSession_OneCommandInFlight(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	first := sendAsync(context.Background(), s, 1, datapoint.TypeBool, true)
	f1 := ft.nextFrame(t)
	second := sendAsync(context.Background(), s, 2, datapoint.TypeEnum, uint8(3))

	select {
	case f := <-ft.frames:
		t.Fatalf("second command written while first in flight: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	ft.notify(ft.ack(f1)...)
	if err := awaitResult(t, first); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	f2 := ft.nextFrame(t)
	dps, err := codec.DecodeDatapointPayload(f2.Payload)
	if err != nil || len(dps) != 1 || dps[0].ID != 2 {
		t.Fatalf("second frame payload = %v (err %v), want dp 2", dps, err)
	}
	ft.notify(ft.ack(f2)...)
	if err := awaitResult(t, second); err != nil {
		t.Errorf("second Send() error = %v", err)
	}
}

func TestSession_UnsolicitedReport(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	got := make(chan datapoint.Datapoint, 4)
	s.Subscribe(func(dp datapoint.Datapoint) { got <- dp })
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	ft.notify(ft.report(100, datapoint.Datapoint{ID: 5, Type: datapoint.TypeValue, Value: int32(42)})...)

	select {
	case dp := <-got:
		if dp.ID != 5 || dp.Value != int32(42) {
			t.Errorf("listener got %v, want dp 5 = 42", dp)
		}
		if !dp.ChangedByDevice {
			t.Error("ChangedByDevice = false, want true for an unsolicited report")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}
	waitFor(t, "unsolicited counted", func() bool { return s.Stats().Unsolicited == 1 })
}

func TestSession_ReportResolvesWrite(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(func(f codec.Frame) []codec.Frame {
		return ft.report(900, datapoint.Datapoint{ID: 3, Type: datapoint.TypeEnum, Value: uint8(2)})
	})
	s := startSession(t, ft, testConfig())

	if err := s.Send(context.Background(), 3, datapoint.TypeEnum, uint8(2)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	dp, ok := s.Datapoints().Get(3)
	if !ok || dp.Value != uint8(2) {
		t.Fatalf("dp 3 = %v (present %v), want 2", dp, ok)
	}
	if dp.ChangedByDevice {
		t.Error("ChangedByDevice = true for the echo of our own write")
	}
	if got := s.Stats().Unsolicited; got != 0 {
		t.Errorf("Stats().Unsolicited = %d, want 0", got)
	}
}

func TestSession_MalformedFrameCounted(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	ft.notifyRaw([]byte{0x01, 0x02, 0x03})
	waitFor(t, "malformed frame counted", func() bool { return s.Stats().MalformedFrames == 1 })

	if n := len(s.Datapoints().Snapshot()); n != 0 {
		t.Errorf("registry has %d datapoints after malformed frame, want 0", n)
	}
}

func TestSession_CancelKeepsPendingEntry(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	cfg := testConfig()
	cfg.CommandTimeout = time.Minute
	s := startSession(t, ft, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	res := sendAsync(ctx, s, 1, datapoint.TypeBool, true)
	f1 := ft.nextFrame(t)
	cancel()
	if err := awaitResult(t, res); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}

	// The late ack still matches the command on the wire.
	ft.notify(ft.ack(f1)...)
	waitFor(t, "late ack matched", func() bool { return s.Stats().Acks == 1 })

	ft.setRespond(ft.ack)
	if err := s.Send(context.Background(), 1, datapoint.TypeBool, false); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	writes := ft.written()
	if last := writes[len(writes)-1]; last.Seq <= f1.Seq {
		t.Errorf("second seq = %d, want > %d", last.Seq, f1.Seq)
	}
}

func TestSession_CancelledBeforeDispatchIsDropped(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	cfg := testConfig()
	cfg.CommandTimeout = time.Minute
	s := startSession(t, ft, cfg)

	first := sendAsync(context.Background(), s, 1, datapoint.TypeBool, true)
	f1 := ft.nextFrame(t)

	ctx, cancel := context.WithCancel(context.Background())
	queued := sendAsync(ctx, s, 2, datapoint.TypeBool, true)
	waitFor(t, "second command queued", func() bool { return len(s.requests) == 0 })
	cancel()
	if err := awaitResult(t, queued); !errors.Is(err, context.Canceled) {
		t.Fatalf("queued Send() error = %v, want context.Canceled", err)
	}

	ft.notify(ft.ack(f1)...)
	if err := awaitResult(t, first); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	select {
	case f := <-ft.frames:
		t.Errorf("cancelled command was written: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_ReconnectsWhileSubscribed(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	s.Subscribe(func(datapoint.Datapoint) {})
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	ft.dropLink()
	waitFor(t, "reconnected", func() bool {
		return ft.connectCount() == 2 && s.State() == StateConnected
	})
	if got := s.Stats().Reconnects; got != 1 {
		t.Errorf("Stats().Reconnects = %d, want 1", got)
	}
}

func TestSession_IdleAfterLinkLossStaysDisconnected(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(ft.ack)
	s := startSession(t, ft, testConfig())

	if err := s.Send(context.Background(), 1, datapoint.TypeBool, true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ft.dropLink()
	waitFor(t, "disconnected", func() bool { return s.State() == StateDisconnected })

	time.Sleep(60 * time.Millisecond)
	if got := ft.connectCount(); got != 1 {
		t.Errorf("connects = %d, want 1 for an idle session", got)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.connectErr = errors.New("device not found")
	s := startSession(t, ft, testConfig())

	err := s.Send(context.Background(), 1, datapoint.TypeBool, true)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Send() error = %v, want ErrDisconnected", err)
	}
	waitFor(t, "disconnected", func() bool { return s.State() == StateDisconnected })
}

func TestSession_Version2SequenceWraps(t *testing.T) {
	ft := newFakeTransport(t, codec.Version2)
	ft.setRespond(ft.ack)
	cfg := testConfig()
	cfg.Version = codec.Version2

	s, err := New(Options{Transport: ft, Config: cfg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.nextSeq = 65535
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for range 2 {
		if err := s.Send(context.Background(), 1, datapoint.TypeBool, true); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	writes := ft.written()
	if writes[0].Seq != 65535 || writes[1].Seq != 1 {
		t.Errorf("seqs = %d, %d, want 65535, 1", writes[0].Seq, writes[1].Seq)
	}
}

func TestSession_StatusQueryOnConnect(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(ft.ack)
	cfg := testConfig()
	cfg.QueryStatusOnConnect = true
	s := startSession(t, ft, cfg)

	if err := s.Send(context.Background(), 1, datapoint.TypeBool, true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	writes := ft.written()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if writes[0].Command != codec.CommandDeviceStatus {
		t.Errorf("first command = %v, want %v", writes[0].Command, codec.CommandDeviceStatus)
	}
	if writes[1].Command != codec.CommandSendDatapoint {
		t.Errorf("second command = %v, want %v", writes[1].Command, codec.CommandSendDatapoint)
	}
}

func TestSession_RepeatedValueNotifiesOnce(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(ft.ack)
	s := startSession(t, ft, testConfig())

	var mu sync.Mutex
	calls := 0
	s.Subscribe(func(datapoint.Datapoint) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	for range 2 {
		if err := s.Send(context.Background(), 1, datapoint.TypeBool, true); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("listener calls = %d, want 1", calls)
	}
}

func TestSession_InvalidValueRejected(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	err := s.Send(context.Background(), 1, datapoint.TypeBool, int32(1))
	if !errors.Is(err, codec.ErrInvalidValue) || !errors.Is(err, datapoint.ErrTypeMismatch) {
		t.Errorf("Send() error = %v, want ErrInvalidValue wrapping ErrTypeMismatch", err)
	}
	if n := len(ft.written()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestSession_CloseFailsOutstanding(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	cfg := testConfig()
	cfg.CommandTimeout = time.Minute
	s, err := New(Options{Transport: ft, Config: cfg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := sendAsync(context.Background(), s, 1, datapoint.TypeBool, true)
	ft.nextFrame(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := awaitResult(t, res); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Send() after Close error = %v, want ErrDisconnected", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestAttemptTimeout(t *testing.T) {
	cfg := Config{
		CommandTimeout:    100 * time.Millisecond,
		TimeoutMultiplier: 2.0,
		MaxCommandTimeout: 300 * time.Millisecond,
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{5, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := attemptTimeout(cfg, tt.attempt); got != tt.want {
			t.Errorf("attemptTimeout(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNextReconnectDelay(t *testing.T) {
	if got := nextReconnectDelay(2*time.Second, time.Minute); got != 3*time.Second {
		t.Errorf("nextReconnectDelay(2s) = %v, want 3s", got)
	}
	if got := nextReconnectDelay(50*time.Second, time.Minute); got != time.Minute {
		t.Errorf("nextReconnectDelay(50s) = %v, want 1m", got)
	}
}

func TestSession_WriteWithConflictingTypeRejected(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(ft.ack)
	s := startSession(t, ft, testConfig())

	if err := s.Send(context.Background(), 1, datapoint.TypeValue, int32(5)); err != nil {
		t.Fatalf("Send(value) error = %v", err)
	}

	err := s.Send(context.Background(), 1, datapoint.TypeBool, true)
	if !errors.Is(err, datapoint.ErrTypeMismatch) {
		t.Fatalf("Send(bool) error = %v, want ErrTypeMismatch", err)
	}
	if n := len(ft.written()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
	dp, _ := s.Datapoints().Get(1)
	if dp.Type != datapoint.TypeValue || dp.Value != int32(5) {
		t.Errorf("dp 1 = %v, want value 5", dp)
	}
	if got := s.Stats().TypeMismatches; got != 1 {
		t.Errorf("Stats().TypeMismatches = %d, want 1", got)
	}
}

func TestSession_QueuedWriteCheckedAgainstLaterReport(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	first := sendAsync(context.Background(), s, 2, datapoint.TypeEnum, uint8(1))
	f1 := ft.nextFrame(t)
	second := sendAsync(context.Background(), s, 1, datapoint.TypeBool, true)

	// The device reports dp 1 as a value while the bool write waits.
	ft.notify(ft.report(500, datapoint.Datapoint{ID: 1, Type: datapoint.TypeValue, Value: int32(7)})...)
	waitFor(t, "report applied", func() bool {
		_, ok := s.Datapoints().Get(1)
		return ok
	})
	ft.notify(ft.ack(f1)...)

	if err := awaitResult(t, first); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := awaitResult(t, second); !errors.Is(err, datapoint.ErrTypeMismatch) {
		t.Errorf("queued Send() error = %v, want ErrTypeMismatch", err)
	}
	if n := len(ft.written()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestSession_RejectedAckNotApplied(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	ft.setRespond(func(f codec.Frame) []codec.Frame {
		frames, err := ft.codec.EncodeMessage(f.Command, f.Seq, []byte{0x01})
		if err != nil {
			panic(err)
		}
		return frames
	})
	s := startSession(t, ft, testConfig())

	got := make(chan datapoint.Datapoint, 1)
	s.Subscribe(func(dp datapoint.Datapoint) { got <- dp })

	err := s.Send(context.Background(), 1, datapoint.TypeBool, true)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Send() error = %v, want ErrRejected", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Send() error = %v, want it to match ErrTimeout", err)
	}
	if _, ok := s.Datapoints().Get(1); ok {
		t.Error("registry updated for a rejected write")
	}
	select {
	case dp := <-got:
		t.Errorf("listener called with %v for a rejected write", dp)
	default:
	}
	if st := s.Stats(); st.Rejections != 1 || st.Retries != 0 {
		t.Errorf("Stats() rejections=%d retries=%d, want 1 and 0", st.Rejections, st.Retries)
	}
}

func TestSession_MultiFragmentWrite(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	cfg := testConfig()
	cfg.MTU = codec.MinimumMTU
	s := startSession(t, ft, cfg)

	// 4 byte TLV header + 16 bytes over 8 byte fragments.
	first := sendAsync(context.Background(), s, 9, datapoint.TypeString, "hello tuya world")
	var frames []codec.Frame
	for range 3 {
		frames = append(frames, ft.nextFrame(t))
	}
	second := sendAsync(context.Background(), s, 1, datapoint.TypeBool, true)

	for i, f := range frames {
		if f.Seq != frames[0].Seq {
			t.Errorf("fragment %d seq = %d, want %d", i, f.Seq, frames[0].Seq)
		}
		if int(f.FragmentIndex) != i || f.FragmentTotal != 3 {
			t.Errorf("fragment %d header = %d/%d, want %d/3", i, f.FragmentIndex, f.FragmentTotal, i)
		}
	}

	select {
	case f := <-ft.frames:
		t.Fatalf("frame written before the multi-fragment write was acked: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	ft.notify(ft.ack(frames[2])...)
	if err := awaitResult(t, first); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	dp, ok := s.Datapoints().Get(9)
	if !ok || dp.Value != "hello tuya world" {
		t.Errorf("dp 9 = %v (present %v), want the written string", dp, ok)
	}

	next := ft.nextFrame(t)
	if next.Seq == frames[0].Seq || next.FragmentTotal != 1 {
		t.Errorf("next frame seq=%d total=%d, want a new single-frame command", next.Seq, next.FragmentTotal)
	}
	ft.notify(ft.ack(next)...)
	if err := awaitResult(t, second); err != nil {
		t.Errorf("second Send() error = %v", err)
	}
}

func TestSession_OutOfOrderFragmentsReassembled(t *testing.T) {
	ft := newFakeTransport(t, codec.Version3)
	s := startSession(t, ft, testConfig())

	got := make(chan datapoint.Datapoint, 1)
	s.Subscribe(func(dp datapoint.Datapoint) { got <- dp })
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	blob := make([]byte, 300)
	for i := range blob {
		blob[i] = byte(i)
	}
	frames := ft.report(42, datapoint.Datapoint{ID: 20, Type: datapoint.TypeRaw, Value: blob})
	if len(frames) != 2 {
		t.Fatalf("report frames = %d, want 2", len(frames))
	}

	// Fragment 1 first, then 0, then 1 again.
	ft.notify(frames[1], frames[0], frames[1])

	select {
	case dp := <-got:
		b, ok := dp.Value.([]byte)
		if dp.ID != 20 || !ok || string(b) != string(blob) {
			t.Errorf("listener got dp %d with %d bytes, want dp 20 with the 300 byte payload", dp.ID, len(b))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reassembled report not delivered")
	}

	// The early fragment 1 and the repeat after completion are both discarded.
	waitFor(t, "discards counted", func() bool { return s.Stats().ReassemblyDiscarded == 2 })
	if got := s.Stats().ReassemblyCompleted; got != 1 {
		t.Errorf("Stats().ReassemblyCompleted = %d, want 1", got)
	}
	select {
	case dp := <-got:
		t.Errorf("repeated fragment delivered dp %d again", dp.ID)
	case <-time.After(20 * time.Millisecond):
	}
}
