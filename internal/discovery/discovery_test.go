// ABOUTME: Tests for discovery sweeps, static candidates, and announcements.
// ABOUTME: Verifies bad candidates never block the rest of a sweep.

package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth-panel/internal/registry"
)

type recordingRegistrar struct {
	mu       sync.Mutex
	infos    []registry.RegisterInfo
	failNode string
	nextID   int
}

func (r *recordingRegistrar) Register(ctx context.Context, info registry.RegisterInfo) (*registry.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info.NodeIdentifier == r.failNode {
		return nil, errors.New("store unavailable")
	}
	r.infos = append(r.infos, info)
	r.nextID++
	return &registry.Agent{
		ID:             info.NodeIdentifier,
		NodeIdentifier: info.NodeIdentifier,
		Endpoint:       info.Endpoint,
		Credential:     info.Credential,
	}, nil
}

func (r *recordingRegistrar) registered() []registry.RegisterInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.RegisterInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

type recordingConnector struct {
	mu      sync.Mutex
	ensured []string
}

func (c *recordingConnector) Ensure(agentID, endpoint, credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured = append(c.ensured, agentID)
}

func (c *recordingConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ensured)
}

func TestStaticSweepRegistersAndConnects(t *testing.T) {
	registrar := &recordingRegistrar{}
	connector := &recordingConnector{}
	static := NewStaticStrategy([]Candidate{
		{NodeIdentifier: "node-a", Endpoint: "10.0.0.1:8080", Capabilities: []string{"minecraft"}},
		{NodeIdentifier: "node-b", Endpoint: "10.0.0.2:8080"},
	})

	svc := NewService([]Strategy{static}, registrar, connector, time.Minute, slog.Default())
	svc.Sweep(context.Background())

	infos := registrar.registered()
	require.Len(t, infos, 2)
	assert.Equal(t, "node-a", infos[0].NodeIdentifier)
	assert.Equal(t, []string{"minecraft"}, infos[0].Capabilities)
	assert.Equal(t, 2, connector.count())
}

func TestBadCandidateDoesNotBlockSweep(t *testing.T) {
	registrar := &recordingRegistrar{failNode: "node-bad"}
	static := NewStaticStrategy([]Candidate{
		{NodeIdentifier: "node-bad", Endpoint: "10.0.0.1:8080"},
		{NodeIdentifier: "node-good", Endpoint: "10.0.0.2:8080"},
	})

	svc := NewService([]Strategy{static}, registrar, nil, time.Minute, slog.Default())
	svc.Sweep(context.Background())

	infos := registrar.registered()
	require.Len(t, infos, 1)
	assert.Equal(t, "node-good", infos[0].NodeIdentifier)
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Discover(ctx context.Context) ([]Candidate, error) {
	return nil, errors.New("network unreachable")
}

func TestFailedStrategyDoesNotBlockOthers(t *testing.T) {
	registrar := &recordingRegistrar{}
	static := NewStaticStrategy([]Candidate{{NodeIdentifier: "node-a", Endpoint: "10.0.0.1:8080"}})

	svc := NewService([]Strategy{failingStrategy{}, static}, registrar, nil, time.Minute, slog.Default())
	svc.Sweep(context.Background())

	assert.Len(t, registrar.registered(), 1)
}

func TestAnnounceDrainsOnce(t *testing.T) {
	announce := NewAnnounceStrategy()
	announce.Announce(Candidate{NodeIdentifier: "node-a", Endpoint: "10.0.0.1:8080", Credential: "tok"})

	got, err := announce.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tok", got[0].Credential)

	// The queue drains; a second sweep sees nothing.
	got, err = announce.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKickTriggersImmediateSweep(t *testing.T) {
	registrar := &recordingRegistrar{}
	announce := NewAnnounceStrategy()

	svc := NewService([]Strategy{announce}, registrar, nil, time.Hour, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	announce.Announce(Candidate{NodeIdentifier: "node-a", Endpoint: "10.0.0.1:8080"})
	svc.Kick()

	deadline := time.After(2 * time.Second)
	for len(registrar.registered()) == 0 {
		select {
		case <-deadline:
			t.Fatal("kick did not trigger a sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
