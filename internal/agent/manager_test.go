// ABOUTME: Tests for the connection manager's ensure/drop lifecycle.
// ABOUTME: Validates handler wiring and redial on endpoint changes.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hearthlabs/hearth-panel/internal/protocol"
)

func TestManagerEnsureReusesConnection(t *testing.T) {
	dialer := &fakeDialer{transports: []*fakeTransport{newFakeTransport()}}
	m := NewManager(dialer, fastConfig(), Handlers{}, slog.Default())
	defer m.CloseAll()

	a := m.Ensure("agent-1", "10.0.0.5:8080", "tok")
	b := m.Ensure("agent-1", "10.0.0.5:8080", "tok")
	if a != b {
		t.Fatal("expected the same connection for unchanged endpoint and credential")
	}
}

func TestManagerEnsureRedialsOnEndpointChange(t *testing.T) {
	dialer := &fakeDialer{transports: []*fakeTransport{newFakeTransport(), newFakeTransport()}}
	m := NewManager(dialer, fastConfig(), Handlers{}, slog.Default())
	defer m.CloseAll()

	a := m.Ensure("agent-1", "10.0.0.5:8080", "tok")
	waitFor(t, time.Second, func() bool { return a.Phase() == PhaseConnected })

	b := m.Ensure("agent-1", "10.0.0.9:8080", "tok")
	if a == b {
		t.Fatal("expected a fresh connection after endpoint change")
	}
	if a.Phase() != PhaseDisconnected {
		t.Errorf("old connection should be closed, phase %v", a.Phase())
	}
}

func TestManagerEnsureConcurrentCredentialChange(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	m := NewManager(dialer, fastConfig(), Handlers{}, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				m.Ensure("agent-1", "10.0.0.5:8080", fmt.Sprintf("tok-%d-%d", i, j))
			}
		}(i)
	}
	wg.Wait()

	m.Drop("agent-1")

	// Every replaced connection must have been closed. A leaked one keeps
	// its dial loop alive past the drop, so dial activity must go quiet.
	time.Sleep(50 * time.Millisecond)
	before := dialer.dialCount()
	time.Sleep(100 * time.Millisecond)
	if after := dialer.dialCount(); after != before {
		t.Errorf("dials continued after drop: %d then %d, a connection leaked", before, after)
	}
}

func TestManagerHandlersCarryAgentID(t *testing.T) {
	transport := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{transport}}

	var mu sync.Mutex
	var gotAgent string
	var gotEnv *protocol.Envelope
	var states []Phase

	m := NewManager(dialer, fastConfig(), Handlers{
		OnMessage: func(agentID string, env *protocol.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			gotAgent = agentID
			gotEnv = env
		},
		OnState: func(agentID string, phase Phase) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, phase)
		},
	}, slog.Default())
	defer m.CloseAll()

	conn := m.Ensure("agent-1", "10.0.0.5:8080", "tok")
	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	resp, _ := protocol.NewResponse("cmd-1", nil)
	data, _ := resp.Encode()
	transport.inbound <- data

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotEnv != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if gotAgent != "agent-1" {
		t.Errorf("expected agent-1, got %q", gotAgent)
	}
	if len(states) == 0 {
		t.Error("expected state transitions via manager handler")
	}
}

func TestManagerSend(t *testing.T) {
	transport := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{transport}}
	m := NewManager(dialer, fastConfig(), Handlers{}, slog.Default())
	defer m.CloseAll()

	env, _ := protocol.NewCommand("cmd-1", protocol.ActionGetStatus, "", nil)
	if err := m.Send("agent-1", env); err == nil {
		t.Fatal("expected error for agent without a connection")
	}

	conn := m.Ensure("agent-1", "10.0.0.5:8080", "tok")
	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	if err := m.Send("agent-1", env); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return transport.writtenCount() == 1 })
}

func TestManagerDrop(t *testing.T) {
	dialer := &fakeDialer{transports: []*fakeTransport{newFakeTransport()}}
	m := NewManager(dialer, fastConfig(), Handlers{}, slog.Default())

	conn := m.Ensure("agent-1", "10.0.0.5:8080", "tok")
	waitFor(t, time.Second, func() bool { return conn.Phase() == PhaseConnected })

	m.Drop("agent-1")

	if _, ok := m.Get("agent-1"); ok {
		t.Error("connection still present after drop")
	}
	if conn.Phase() != PhaseDisconnected {
		t.Errorf("expected disconnected after drop, got %v", conn.Phase())
	}

	// Dropping a missing agent is a no-op.
	m.Drop("agent-9")
}
