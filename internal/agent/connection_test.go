// ABOUTME: Tests for the connection state machine, queueing, and reconnection.
// ABOUTME: Drives connections with an in-memory fake transport instead of real sockets.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hearthlabs/hearth-panel/internal/protocol"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	mu        sync.Mutex
	written   [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

// fakeDialer hands out transports in order; when exhausted (or when
// dialErr is set) dials fail.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dialErr    error
	dials      int
}

func (d *fakeDialer) Dial(endpoint, credential string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.transports) == 0 {
		return nil, errors.New("connection refused")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// phaseRecorder collects phase transitions.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) record(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
}

func (r *phaseRecorder) snapshot() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fastConfig() Config {
	return Config{
		QueueSize: 8,
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	}
}

func TestConnectionConnectAndSend(t *testing.T) {
	transport := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{transport}}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, fastConfig(), slog.Default())
	rec := &phaseRecorder{}
	conn.OnStateChange(rec.record)
	conn.Start()
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	env, err := protocol.NewCommand("cmd-1", protocol.ActionStartServer, "srv-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conn.Send(env); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return transport.writtenCount() == 1 })

	parsed, err := protocol.Parse(transport.written[0])
	if err != nil {
		t.Fatalf("written message is not a valid envelope: %v", err)
	}
	if parsed.ID != "cmd-1" {
		t.Errorf("expected cmd-1 on the wire, got %q", parsed.ID)
	}

	phases := rec.snapshot()
	if len(phases) == 0 || phases[0] != PhaseConnecting {
		t.Errorf("expected first transition to connecting, got %v", phases)
	}
}

func TestConnectionRoutesInbound(t *testing.T) {
	transport := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{transport}}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, fastConfig(), slog.Default())

	received := make(chan *protocol.Envelope, 1)
	conn.OnMessage(func(env *protocol.Envelope) { received <- env })
	conn.Start()
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	resp, err := protocol.NewResponse("cmd-9", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := resp.Encode()
	transport.inbound <- data

	select {
	case env := <-received:
		if env.ID != "cmd-9" || env.Type != protocol.TypeResponse {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound envelope")
	}
}

func TestConnectionDiscardsMalformedInbound(t *testing.T) {
	transport := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{transport}}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, fastConfig(), slog.Default())
	received := make(chan *protocol.Envelope, 2)
	conn.OnMessage(func(env *protocol.Envelope) { received <- env })
	conn.Start()
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	transport.inbound <- []byte("not json")
	good, _ := protocol.NewResponse("cmd-1", nil)
	data, _ := good.Encode()
	transport.inbound <- data

	select {
	case env := <-received:
		if env.ID != "cmd-1" {
			t.Errorf("expected the valid envelope, got %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("valid envelope after garbage was not delivered")
	}
}

func TestConnectionOverloaded(t *testing.T) {
	// Dialer never connects, so nothing drains the queue.
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	cfg := fastConfig()
	cfg.QueueSize = 2

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, cfg, slog.Default())
	conn.Start()
	defer conn.Close()

	env, _ := protocol.NewCommand("cmd-1", protocol.ActionGetStatus, "", nil)
	if err := conn.Send(env); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := conn.Send(env); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if err := conn.Send(env); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
}

func TestConnectionReconnects(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first, second}}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, fastConfig(), slog.Default())
	rec := &phaseRecorder{}
	conn.OnStateChange(rec.record)
	conn.Start()
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	// Kill the first transport; the connection must redial.
	first.Close()

	waitFor(t, time.Second, func() bool {
		return dialer.dialCount() >= 2 && conn.Phase() == PhaseConnected
	})

	sawReconnecting := false
	for _, p := range rec.snapshot() {
		if p == PhaseReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("expected a reconnecting transition after transport loss")
	}
}

// dropDialer hands out transports that are already closed, so every
// session ends on its first read.
type dropDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *dropDialer) Dial(endpoint, credential string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	t := newFakeTransport()
	t.Close()
	return t, nil
}

func (d *dropDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestConnectionBacksOffAfterSessionDrop(t *testing.T) {
	dialer := &dropDialer{}
	cfg := Config{
		QueueSize: 8,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  200 * time.Millisecond,
	}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, cfg, slog.Default())
	rec := &phaseRecorder{}
	conn.OnStateChange(rec.record)
	conn.Start()

	time.Sleep(250 * time.Millisecond)
	conn.Close()

	// Delays of 50ms, 100ms, 200ms between redials allow only a few
	// dials in the window; a hot loop would rack up thousands.
	if n := dialer.dialCount(); n > 5 {
		t.Errorf("expected backoff between redials, got %d dials in 250ms", n)
	}

	sawReconnecting := false
	for _, p := range rec.snapshot() {
		if p == PhaseReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("expected a reconnecting transition after each session drop")
	}
}

func TestConnectionAuthRejectedKeepsBackingOff(t *testing.T) {
	dialer := &fakeDialer{dialErr: ErrAuthRejected}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "bad-tok", dialer, fastConfig(), slog.Default())
	conn.Start()
	defer conn.Close()

	// Not retried immediately, but retried: multiple dials accumulate.
	waitFor(t, time.Second, func() bool { return dialer.dialCount() >= 3 })

	if p := conn.Phase(); p == PhaseConnected {
		t.Errorf("must not reach connected, got %v", p)
	}
}

func TestConnectionClose(t *testing.T) {
	transport := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{transport}}

	conn := NewConnection("agent-1", "10.0.0.5:8080", "tok", dialer, fastConfig(), slog.Default())
	conn.Start()
	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	conn.Close()

	env, _ := protocol.NewCommand("cmd-1", protocol.ActionGetStatus, "", nil)
	if err := conn.Send(env); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if conn.Phase() != PhaseDisconnected {
		t.Errorf("expected disconnected after close, got %v", conn.Phase())
	}

	// Close is idempotent.
	conn.Close()
}
