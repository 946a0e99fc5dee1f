// ABOUTME: Tests for the mDNS scan strategy.
// ABOUTME: Drives Discover with a fake query instead of multicast sockets.

package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanWith(entries []*mdns.ServiceEntry, err error) *ScanStrategy {
	s := NewScanStrategy("", time.Second, slog.Default())
	s.query = func(params *mdns.QueryParam) error {
		for _, e := range entries {
			params.Entries <- e
		}
		return err
	}
	return s
}

func TestScanDiscoverBuildsCandidates(t *testing.T) {
	s := scanWith([]*mdns.ServiceEntry{
		{
			Name:       "node-1._hearth-agent._tcp.local.",
			AddrV4:     net.IPv4(10, 0, 0, 5),
			Port:       8090,
			InfoFields: []string{"token=tok-1", "caps=minecraft,valheim"},
		},
		{
			Name:       "host-b._hearth-agent._tcp.local.",
			Host:       "host-b.local.",
			Port:       8090,
			InfoFields: []string{"node=node-2"},
		},
	}, nil)

	got, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "node-1", got[0].NodeIdentifier)
	assert.Equal(t, "10.0.0.5:8090", got[0].Endpoint)
	assert.Equal(t, "tok-1", got[0].Credential)
	assert.Equal(t, []string{"minecraft", "valheim"}, got[0].Capabilities)

	// TXT node overrides the instance name; hostname used without an A record.
	assert.Equal(t, "node-2", got[1].NodeIdentifier)
	assert.Equal(t, "host-b.local:8090", got[1].Endpoint)
	assert.Empty(t, got[1].Credential)
}

func TestScanDiscoverSkipsUnusableResponders(t *testing.T) {
	s := scanWith([]*mdns.ServiceEntry{
		{Name: "no-port._hearth-agent._tcp.local.", AddrV4: net.IPv4(10, 0, 0, 6)},
		{Name: "no-addr._hearth-agent._tcp.local.", Port: 8090},
		{Name: "ok._hearth-agent._tcp.local.", AddrV4: net.IPv4(10, 0, 0, 7), Port: 8090},
	}, nil)

	got, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].NodeIdentifier)
}

func TestScanDiscoverQueryFailure(t *testing.T) {
	s := scanWith(nil, errors.New("no multicast interface"))

	_, err := s.Discover(context.Background())
	assert.Error(t, err)
}

func TestScanFeedsSweep(t *testing.T) {
	s := scanWith([]*mdns.ServiceEntry{
		{
			Name:   "node-9._hearth-agent._tcp.local.",
			AddrV4: net.IPv4(10, 0, 0, 9),
			Port:   8090,
		},
	}, nil)

	reg := &recordingRegistrar{}
	conn := &recordingConnector{}
	svc := NewService([]Strategy{s}, reg, conn, time.Minute, slog.Default())

	svc.Sweep(context.Background())

	infos := reg.registered()
	require.Len(t, infos, 1)
	assert.Equal(t, "node-9", infos[0].NodeIdentifier)
	assert.Equal(t, "10.0.0.9:8090", infos[0].Endpoint)
}
