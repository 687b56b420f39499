package server

import (
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/relaytun/relaytun/internal/frame"
	"github.com/relaytun/relaytun/internal/registry"
)

// tcpDispatcher binds the tunnel's allocated public port and relays
// bytes between accepted sockets and the owning agent session. It
// implements registry.TCPHandler for the reverse
// direction (agent -> public socket).
type tcpDispatcher struct {
	tun *registry.Tunnel
	ln  net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn
}

func newTCPDispatcher(srv *Server, tun *registry.Tunnel) (*tcpDispatcher, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(tun.PublicPort)))
	if err != nil {
		return nil, err
	}
	d := &tcpDispatcher{tun: tun, ln: ln, conns: make(map[string]net.Conn)}
	go d.acceptLoop()
	return d, nil
}

func (d *tcpDispatcher) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return // listener closed on tunnel teardown
		}
		d.handleConn(conn)
	}
}

func (d *tcpDispatcher) handleConn(conn net.Conn) {
	connID := uuid.NewString()

	d.mu.Lock()
	d.conns[connID] = conn
	d.mu.Unlock()

	d.tun.AddConnection()

	owner, ok := d.tun.Owner.(*AgentSession)
	if !ok {
		conn.Close()
		return
	}

	go func() {
		defer d.evict(connID, conn)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				d.tun.AddBytesIn(n)
				sendErr := owner.Send(&frame.Frame{
					Type: frame.TypeTCPData, ID: uuid.NewString(), Timestamp: nowMillis(),
					TunnelID: d.tun.ID, ConnectionID: connID, Data: encodeBase64(buf[:n]),
				})
				if sendErr != nil {
					return
				}
			}
			if err != nil {
				_ = owner.Send(&frame.Frame{
					Type: frame.TypeTCPClose, ID: uuid.NewString(), Timestamp: nowMillis(),
					TunnelID: d.tun.ID, ConnectionID: connID,
				})
				return
			}
		}
	}()
}

func (d *tcpDispatcher) evict(connID string, conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, connID)
	d.mu.Unlock()
	_ = conn.Close()
}

// HandleData writes agent-forwarded bytes to the matching public socket.
func (d *tcpDispatcher) HandleData(connectionID string, data []byte) {
	d.mu.Lock()
	conn, ok := d.conns[connectionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if _, err := conn.Write(data); err != nil {
		slog.Debug("tcp dispatcher write failed", "tunnel", d.tun.ID, "connection", connectionID, "error", err)
		d.evict(connectionID, conn)
	} else {
		d.tun.AddBytesOut(len(data))
	}
}

// HandleClose closes and evicts the matching public socket.
func (d *tcpDispatcher) HandleClose(connectionID string) {
	d.mu.Lock()
	conn, ok := d.conns[connectionID]
	d.mu.Unlock()
	if ok {
		d.evict(connectionID, conn)
	}
}

// Close shuts down the listener and every open public socket; called on
// tunnel teardown.
func (d *tcpDispatcher) Close() error {
	err := d.ln.Close()
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]net.Conn)
	d.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}
