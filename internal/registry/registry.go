// Package registry implements the tunnel registry: the single exclusive
// critical section that indexes live tunnels by id, subdomain, and public
// TCP port, and enforces that each key is owned by at most one tunnel.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/relaytun/relaytun/internal/allocator"
	"github.com/relaytun/relaytun/internal/frame"
)

// ErrUnknownTunnel names the condition of a tunnel id that is not (or no
// longer) registered. The registry's own lookups and removals do not
// return it; they report that condition by returning nil.
var ErrUnknownTunnel = errors.New("registry: unknown tunnel")

// Owner is the registry's view of a tunnel's owning agent session. It is
// satisfied by *server.AgentSession; the registry package never imports
// the server package, keeping the dependency direction one-way.
type Owner interface {
	SessionID() string
}

// TCPHandler receives relayed bytes for a TCP tunnel's public connections.
// Implemented by the TCP dispatcher bound to a tunnel's public listener.
type TCPHandler interface {
	HandleData(connectionID string, data []byte)
	HandleClose(connectionID string)
	Close() error
}

// Stats holds the cumulative byte/connection counters attached to a Tunnel.
type Stats struct {
	BytesIn     uint64
	BytesOut    uint64
	Connections uint64
}

// Tunnel is a dispatch rule owned by exactly one agent session.
type Tunnel struct {
	ID         string
	Protocol   string // "http", "https", or "tcp"
	LocalHost  string
	LocalPort  int
	Subdomain  string // HTTP only
	PublicPort int    // TCP only
	PublicURL  string
	CreatedAt  time.Time
	Owner      Owner

	// TCPHandler is non-nil only for protocol "tcp"; it is set by the
	// caller once the public listener is bound, after AllocateTCP.
	TCPHandler TCPHandler

	mu    sync.Mutex
	stats Stats
}

// AddBytesIn/AddBytesOut/AddConnection mutate the tunnel's stats under its
// own lock; they are called from the hot relay path on both dispatchers.
func (t *Tunnel) AddBytesIn(n int)    { t.mu.Lock(); t.stats.BytesIn += uint64(n); t.mu.Unlock() }
func (t *Tunnel) AddBytesOut(n int)   { t.mu.Lock(); t.stats.BytesOut += uint64(n); t.mu.Unlock() }
func (t *Tunnel) AddConnection()      { t.mu.Lock(); t.stats.Connections++; t.mu.Unlock() }
func (t *Tunnel) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Registry holds the three indices: by id, by subdomain, and by public port.
type Registry struct {
	mu          sync.Mutex
	byID        map[string]*Tunnel
	bySubdomain map[string]*Tunnel
	byPort      map[int]*Tunnel
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byID:        make(map[string]*Tunnel),
		bySubdomain: make(map[string]*Tunnel),
		byPort:      make(map[int]*Tunnel),
	}
}

// AllocateHTTP reserves a subdomain and inserts the tunnel atomically. The
// tunnel id must already be set by the caller (server-assigned, unique).
func (r *Registry) AllocateHTTP(id string, owner Owner, cfg frame.TunnelConfig, publicURLFor func(subdomain string) string) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := ""
	if cfg.Subdomain != nil {
		requested = *cfg.Subdomain
	}

	sub, err := allocator.GenerateSubdomain(requested, func(s string) bool {
		_, taken := r.bySubdomain[s]
		return taken
	})
	if err != nil {
		return nil, err
	}

	t := &Tunnel{
		ID:        id,
		Protocol:  cfg.Protocol,
		LocalHost: cfg.LocalHost,
		LocalPort: cfg.LocalPort,
		Subdomain: sub,
		PublicURL: publicURLFor(sub),
		CreatedAt: time.Now(),
		Owner:     owner,
	}
	r.byID[id] = t
	r.bySubdomain[sub] = t
	return t, nil
}

// AllocateTCP reserves a public port from rng and inserts the tunnel
// atomically. publicURLFor receives the allocated port.
func (r *Registry) AllocateTCP(id string, owner Owner, cfg frame.TunnelConfig, rng allocator.PortRange, publicURLFor func(port int) string) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	port, err := allocator.SelectPort(rng, cfg.RemotePort, cfg.LocalPort, func(p int) bool {
		_, used := r.byPort[p]
		return used
	})
	if err != nil {
		return nil, err
	}

	t := &Tunnel{
		ID:         id,
		Protocol:   cfg.Protocol,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
		PublicPort: port,
		PublicURL:  publicURLFor(port),
		CreatedAt:  time.Now(),
		Owner:      owner,
	}
	r.byID[id] = t
	r.byPort[port] = t
	return t, nil
}

// RemoveByID evicts a tunnel from all indices. It is idempotent: removing
// an id that is not present is a no-op.
func (r *Registry) RemoveByID(id string) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if t.Subdomain != "" {
		delete(r.bySubdomain, t.Subdomain)
	}
	if t.PublicPort != 0 {
		delete(r.byPort, t.PublicPort)
	}
	return t
}

// LookupByID returns the tunnel for id, or nil.
func (r *Registry) LookupByID(id string) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// LookupBySubdomain returns the tunnel registered for subdomain, or nil.
func (r *Registry) LookupBySubdomain(subdomain string) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySubdomain[subdomain]
}

// LookupByPort returns the tunnel bound to port, or nil.
func (r *Registry) LookupByPort(port int) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPort[port]
}

// Iter returns a snapshot slice of all live tunnels, safe to range over
// without holding the registry lock.
func (r *Registry) Iter() []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tunnel, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// RemoveSession evicts every tunnel owned by the given session id and
// returns them, for the session-close teardown path.
func (r *Registry) RemoveSession(sessionID string) []*Tunnel {
	r.mu.Lock()
	var owned []*Tunnel
	for _, t := range r.byID {
		if t.Owner != nil && t.Owner.SessionID() == sessionID {
			owned = append(owned, t)
		}
	}
	for _, t := range owned {
		delete(r.byID, t.ID)
		if t.Subdomain != "" {
			delete(r.bySubdomain, t.Subdomain)
		}
		if t.PublicPort != 0 {
			delete(r.byPort, t.PublicPort)
		}
	}
	r.mu.Unlock()
	return owned
}
