// ABOUTME: LAN agent discovery via mDNS service lookup.
// ABOUTME: Queries a service type and turns responders into candidates.

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// DefaultScanService is the mDNS service type agents advertise under.
const DefaultScanService = "_hearth-agent._tcp"

// queryFunc performs one mDNS lookup, streaming responders onto
// params.Entries. Split out so tests can drive the strategy without
// multicast sockets.
type queryFunc func(params *mdns.QueryParam) error

// ScanStrategy discovers agents by querying an mDNS service type on the
// local network. Responders carry key=value TXT metadata: node
// (identifier, defaults to the instance name), token (optional
// credential), caps (comma-separated capabilities).
type ScanStrategy struct {
	service string
	timeout time.Duration
	query   queryFunc
	logger  *slog.Logger
}

// NewScanStrategy creates a scan strategy for the given service type. An
// empty service uses DefaultScanService.
func NewScanStrategy(service string, timeout time.Duration, logger *slog.Logger) *ScanStrategy {
	if service == "" {
		service = DefaultScanService
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ScanStrategy{
		service: service,
		timeout: timeout,
		query:   mdns.Query,
		logger:  logger.With("component", "discovery-scan"),
	}
}

func (s *ScanStrategy) Name() string { return "scan" }

// Discover runs one mDNS query and collects every usable responder. The
// query's own timeout bounds the call.
func (s *ScanStrategy) Discover(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make(chan []Candidate, 1)

	// The query blocks while streaming entries, so drain concurrently.
	go func() {
		var out []Candidate
		for e := range entries {
			c, ok := s.candidateFrom(e)
			if !ok {
				s.logger.Debug("skipping unusable responder", "name", e.Name)
				continue
			}
			out = append(out, c)
		}
		collected <- out
	}()

	err := s.query(&mdns.QueryParam{
		Service: s.service,
		Timeout: s.timeout,
		Entries: entries,
	})
	close(entries)
	out := <-collected
	if err != nil {
		return nil, fmt.Errorf("mdns query %s: %w", s.service, err)
	}
	return out, nil
}

// candidateFrom maps a responder to a candidate. Responders without a
// resolvable address, port, or node identifier are skipped.
func (s *ScanStrategy) candidateFrom(e *mdns.ServiceEntry) (Candidate, bool) {
	host := strings.TrimSuffix(e.Host, ".")
	if e.AddrV4 != nil {
		host = e.AddrV4.String()
	} else if e.AddrV6 != nil {
		host = e.AddrV6.String()
	}
	if host == "" || e.Port == 0 {
		return Candidate{}, false
	}

	c := Candidate{
		NodeIdentifier: instanceName(e.Name, s.service),
		Endpoint:       net.JoinHostPort(host, strconv.Itoa(e.Port)),
	}
	for _, field := range e.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "node":
			if value != "" {
				c.NodeIdentifier = value
			}
		case "token":
			c.Credential = value
		case "caps":
			for _, capability := range strings.Split(value, ",") {
				if capability = strings.TrimSpace(capability); capability != "" {
					c.Capabilities = append(c.Capabilities, capability)
				}
			}
		}
	}
	if c.NodeIdentifier == "" {
		return Candidate{}, false
	}
	return c, true
}

// instanceName strips the service type and domain from a full mDNS name.
func instanceName(name, service string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.Index(name, "."+service); i >= 0 {
		name = name[:i]
	}
	return name
}
