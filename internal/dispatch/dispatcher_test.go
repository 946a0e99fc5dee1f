// ABOUTME: Tests for command submission, correlation, timeouts, and settle-once behavior.
// ABOUTME: Race a late response against the timeout and verify exclusive resolution.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth-panel/internal/protocol"
	"github.com/hearthlabs/hearth-panel/internal/registry"
)

// mockTargets is a Targets stub with controllable agent statuses.
type mockTargets struct {
	mu      sync.Mutex
	agents  map[string]registry.Status
	touched []string
}

func newMockTargets() *mockTargets {
	return &mockTargets{agents: make(map[string]registry.Status)}
}

func (m *mockTargets) add(id string, status registry.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = status
}

func (m *mockTargets) Get(agentID string) (*registry.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.agents[agentID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &registry.Agent{ID: agentID, Status: status}, nil
}

func (m *mockTargets) Touch(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, agentID)
	return nil
}

func (m *mockTargets) touchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.touched)
}

// mockTransmitter records envelopes handed to the connection layer.
type mockTransmitter struct {
	mu      sync.Mutex
	sent    []*protocol.Envelope
	sendErr error
}

func (m *mockTransmitter) Send(agentID string, env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockTransmitter) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransmitter) lastSent() *protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *mockTargets, *mockTransmitter) {
	t.Helper()
	targets := newMockTargets()
	tx := &mockTransmitter{}
	d := New(targets, tx, Config{DefaultTimeout: 5 * time.Second}, slog.Default())
	return d, targets, tx
}

func TestSubmitUnknownAgent(t *testing.T) {
	d, _, tx := newTestDispatcher(t)

	_, err := d.Submit(context.Background(), Command{
		TargetAgentID: "ghost",
		Action:        protocol.ActionGetStatus,
	})
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.Zero(t, tx.sentCount())
}

func TestSubmitOfflineFastFail(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOffline)

	_, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-1",
	})
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Zero(t, tx.sentCount(), "transport must never be touched for an OFFLINE target")
}

func TestProbeAllowsOffline(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOffline)

	_, err := d.Probe(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionGetStatus,
		Timeout:       100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tx.sentCount())
}

func TestSubmitCompletes(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("node-1", registry.StatusOnline)

	results, err := d.Submit(context.Background(), Command{
		TargetAgentID: "node-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "abc",
	})
	require.NoError(t, err)

	sent := tx.lastSent()
	require.NotNil(t, sent)
	assert.Equal(t, protocol.ActionStartServer, sent.Action)
	assert.Equal(t, "abc", sent.ServerID)

	// Agent acks, then completes after a simulated delay.
	d.HandleMessage("node-1", protocol.NewAck(sent.ID))

	select {
	case <-results:
		t.Fatal("ack must not settle the caller")
	case <-time.After(50 * time.Millisecond):
	}

	resp, err := protocol.NewResponse(sent.ID, protocol.ServerStatusPayload{Status: "running"})
	require.NoError(t, err)
	d.HandleMessage("node-1", resp)

	select {
	case result := <-results:
		require.NoError(t, result.Err)
		assert.Equal(t, StateCompleted, result.State)

		var payload protocol.ServerStatusPayload
		require.NoError(t, (&protocol.Envelope{Payload: result.Payload}).DecodePayload(&payload))
		assert.Equal(t, "running", payload.Status)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}

	assert.Equal(t, 1, targets.touchCount(), "successful exchange must touch the registry")
	assert.Zero(t, d.PendingCount("node-1"))
}

func TestSubmitAgentReportedError(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)

	results, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStopServer,
		ServerID:      "srv-1",
		Payload:       protocol.StopServerPayload{Signal: "SIGTERM", TimeoutSeconds: 10},
	})
	require.NoError(t, err)

	d.HandleMessage("agent-1", protocol.NewErrorResponse(tx.lastSent().ID, "SERVER_NOT_FOUND", "no such server"))

	result := <-results
	assert.Equal(t, StateFailed, result.State)

	var agentErr *AgentError
	require.ErrorAs(t, result.Err, &agentErr)
	assert.Equal(t, "SERVER_NOT_FOUND", agentErr.Code)
	assert.Equal(t, "no such server", agentErr.Message)
}

func TestTimeoutWindow(t *testing.T) {
	d, targets, _ := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)

	start := time.Now()
	results, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStopServer,
		ServerID:      "srv-1",
		Timeout:       100 * time.Millisecond,
	})
	require.NoError(t, err)

	select {
	case result := <-results:
		elapsed := time.Since(start)
		assert.ErrorIs(t, result.Err, ErrTimeout)
		assert.Equal(t, StateTimedOut, result.State)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "timeout fired early")
		assert.Less(t, elapsed, time.Second, "timeout fired far too late")
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved")
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)

	results, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionGetStatus,
		Timeout:       30 * time.Millisecond,
	})
	require.NoError(t, err)
	commandID := tx.lastSent().ID

	result := <-results
	assert.ErrorIs(t, result.Err, ErrTimeout)

	// The channel is closed after the single result.
	_, open := <-results
	assert.False(t, open)

	// A response arriving after the timeout must be discarded quietly.
	resp, _ := protocol.NewResponse(commandID, nil)
	d.HandleMessage("agent-1", resp)
	assert.Zero(t, targets.touchCount(), "late response must not touch the registry")
}

func TestResponseTimeoutRaceSettlesOnce(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)

	for i := 0; i < 25; i++ {
		results, err := d.Submit(context.Background(), Command{
			TargetAgentID: "agent-1",
			Action:        protocol.ActionGetStatus,
			Timeout:       10 * time.Millisecond,
		})
		require.NoError(t, err)
		commandID := tx.lastSent().ID

		go func() {
			time.Sleep(10 * time.Millisecond)
			resp, _ := protocol.NewResponse(commandID, nil)
			d.HandleMessage("agent-1", resp)
		}()

		count := 0
		for range results {
			count++
		}
		assert.Equal(t, 1, count, "exactly one result regardless of race outcome")
	}
}

func TestConnectionLossBulkFailure(t *testing.T) {
	d, targets, _ := newTestDispatcher(t)
	targets.add("agent-a", registry.StatusOnline)
	targets.add("agent-b", registry.StatusOnline)

	var channels []<-chan Result
	for i := 0; i < 3; i++ {
		results, err := d.Submit(context.Background(), Command{
			TargetAgentID: "agent-a",
			Action:        protocol.ActionGetStatus,
		})
		require.NoError(t, err)
		channels = append(channels, results)
	}

	// A pending command on another agent must be untouched.
	otherResults, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-b",
		Action:        protocol.ActionGetStatus,
	})
	require.NoError(t, err)

	start := time.Now()
	d.FailAgent("agent-a")

	for _, results := range channels {
		select {
		case result := <-results:
			assert.ErrorIs(t, result.Err, ErrConnectionLost)
			assert.Equal(t, StateFailed, result.State)
		case <-time.After(time.Second):
			t.Fatal("bulk failure did not resolve a pending command")
		}
	}
	assert.Less(t, time.Since(start), time.Second,
		"bulk failure must not wait for individual timeouts")

	select {
	case <-otherResults:
		t.Fatal("other agent's command must stay pending")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, d.PendingCount("agent-b"))
}

func TestLifecycleConflict(t *testing.T) {
	d, targets, _ := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)
	ctx := context.Background()

	stop, err := d.Submit(ctx, Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStopServer,
		ServerID:      "srv-1",
		Payload:       protocol.StopServerPayload{Signal: "SIGTERM", TimeoutSeconds: 5},
	})
	require.NoError(t, err)

	// Overlapping start for the same server is refused.
	_, err = d.Submit(ctx, Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-1",
	})
	assert.ErrorIs(t, err, ErrConflict)

	// A different server on the same agent is fine.
	_, err = d.Submit(ctx, Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-2",
	})
	require.NoError(t, err)

	// Status queries never conflict.
	_, err = d.Submit(ctx, Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionGetStatus,
		ServerID:      "srv-1",
	})
	require.NoError(t, err)

	// Once the stop settles, the slot frees up.
	d.FailAgent("agent-1")
	<-stop

	_, err = d.Submit(ctx, Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-1",
	})
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)

	results, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-1",
	})
	require.NoError(t, err)
	commandID := tx.lastSent().ID

	require.NoError(t, d.Cancel(commandID))

	result := <-results
	assert.ErrorIs(t, result.Err, ErrCancelled)

	// Best-effort cancel notice went out.
	notice := tx.lastSent()
	assert.Equal(t, protocol.ActionCancel, notice.Action)
	assert.Equal(t, commandID, notice.ID)

	// Cancelling again, or an unknown id, reports not found.
	assert.ErrorIs(t, d.Cancel(commandID), ErrNotFound)
	assert.ErrorIs(t, d.Cancel("nope"), ErrNotFound)
}

func TestTransmitFailureCleansUp(t *testing.T) {
	d, targets, tx := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)
	tx.sendErr = errors.New("outbound queue full")

	_, err := d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-1",
	})
	require.Error(t, err)
	assert.Zero(t, d.PendingCount("agent-1"))

	// The lifecycle slot is released too.
	tx.sendErr = nil
	_, err = d.Submit(context.Background(), Command{
		TargetAgentID: "agent-1",
		Action:        protocol.ActionStartServer,
		ServerID:      "srv-1",
	})
	require.NoError(t, err)
}

func TestUnsolicitedEvents(t *testing.T) {
	d, targets, _ := newTestDispatcher(t)
	targets.add("agent-1", registry.StatusOnline)

	var mu sync.Mutex
	var events []*protocol.Envelope
	d.OnEvent(func(agentID string, env *protocol.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, env)
	})

	d.HandleMessage("agent-1", &protocol.Envelope{
		Type:      protocol.TypeEvent,
		Timestamp: time.Now(),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
}
