// Package agent implements the NAT-side half of the tunneling system: it
// dials the server's control endpoint, authenticates, requests the
// tunnels from its desired set, terminates dispatched HTTP requests and
// TCP streams against a local origin, and reconnects with backoff while
// restoring its tunnels on every reconnect.
package agent

import "time"

// TunnelSpec is one entry of the agent's configured tunnel set.
type TunnelSpec struct {
	Name       string
	Protocol   string // "http", "https", or "tcp"
	LocalHost  string
	LocalPort  int
	Subdomain  string // optional, HTTP only
	RemotePort *int   // optional, TCP only
	Autostart  bool
}

// Config is the full agent configuration. Parsing a CLI/YAML surface
// into this struct is a concern of cmd/agent, not of this package.
type Config struct {
	ServerURL           string
	Token               string
	Reconnect           bool
	RejectUnauthorized  bool
	Tunnels             []TunnelSpec

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OriginDialTimeout time.Duration
}

// WithDefaults fills zero-valued fields with sane timing defaults,
// mirroring server.Config.WithDefaults.
func (c Config) WithDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.OriginDialTimeout == 0 {
		c.OriginDialTimeout = 10 * time.Second
	}
	return c
}

// maxBackoff and baseBackoff implement the reconnect schedule:
// 1s * 2^(n-1), capped at 30s.
const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return baseBackoff
	}
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
