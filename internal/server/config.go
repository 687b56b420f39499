package server

import (
	"time"

	"github.com/relaytun/relaytun/internal/allocator"
	"github.com/relaytun/relaytun/internal/ipfilter"
)

// DomainRule is one entry of the ordered (domain, basePath) list the
// dispatcher tries, first match wins.
type DomainRule struct {
	Domain   string
	BasePath string // "op" in the WithDefaults fallback rule; empty means direct (dynamic-DNS-style) matching
}

// AuthConfig controls whether control connections must present a token
// from a fixed set.
type AuthConfig struct {
	Required bool
	Tokens   []string
}

// TLSMode selects how the public listener terminates TLS.
type TLSMode int

const (
	TLSOff TLSMode = iota
	TLSExternal
	TLSAutomatic
)

// Config is the full set of server-side knobs.
// Parsing a YAML/env surface into this struct is a concern of cmd/server,
// not of this package.
type Config struct {
	ListenAddr   string // bind address for the public listener, e.g. ":443"
	PublicPort   int    // port shown in generated public URLs; 0 means no port is shown
	Domains      []DomainRule

	TunnelPortRange allocator.PortRange

	Auth     AuthConfig
	IPFilter *ipfilter.Filter

	TLSMode  TLSMode
	CertProvider CertificateProvider // required when TLSMode == TLSAutomatic

	DNSProvider DnsProvider       // optional
	Fraud       FraudPredicate    // optional

	MaxResponseBytes   int64
	HandshakeTimeout    time.Duration
	HTTPTimeout         time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration

	// InboundFrameRate and InboundFrameBurst bound how fast a single
	// agent session's control frames are dispatched, ahead of frame
	// handling and the registry lock. Frames beyond the burst are dropped
	// rather than queued.
	InboundFrameRate  float64
	InboundFrameBurst int
}

// WithDefaults returns a copy of cfg with zero-valued timing fields set
// to reasonable defaults.
func (c Config) WithDefaults() Config {
	if c.TunnelPortRange.Min == 0 && c.TunnelPortRange.Max == 0 {
		c.TunnelPortRange = allocator.PortRange{Min: 10000, Max: 20000}
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = 10 << 20
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if len(c.Domains) == 0 {
		c.Domains = []DomainRule{{Domain: "localhost", BasePath: "op"}}
	}
	if c.InboundFrameRate == 0 {
		c.InboundFrameRate = 50
	}
	if c.InboundFrameBurst == 0 {
		c.InboundFrameBurst = 100
	}
	return c
}
