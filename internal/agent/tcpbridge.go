package agent

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaytun/relaytun/internal/frame"
)

// tcpBridge tracks the agent-side half of a tunnel's public TCP
// sub-connections: one origin socket per connectionId, wired to the
// control channel.
type tcpBridge struct {
	a    *Agent
	spec TunnelSpec

	mu    sync.Mutex
	conns map[string]net.Conn
}

func newTCPBridge(a *Agent, spec TunnelSpec) *tcpBridge {
	return &tcpBridge{a: a, spec: spec, conns: make(map[string]net.Conn)}
}

// handleData opens the origin connection on the first tcp_data for a new
// connectionId, then relays subsequent chunks to that socket.
func (b *tcpBridge) handleData(tunnelID, connectionID string, data []byte) {
	b.mu.Lock()
	conn, ok := b.conns[connectionID]
	b.mu.Unlock()

	if !ok {
		var err error
		conn, err = net.DialTimeout("tcp", fmt.Sprintf("%s:%d", b.spec.LocalHost, b.spec.LocalPort), b.a.cfg.OriginDialTimeout)
		if err != nil {
			slog.Warn("tcp bridge: origin dial failed", "tunnel", tunnelID, "connection", connectionID, "error", err)
			_ = b.a.send(&frame.Frame{
				Type: frame.TypeTCPClose, ID: newFrameID(), Timestamp: time.Now().UnixMilli(),
				TunnelID: tunnelID, ConnectionID: connectionID,
			})
			return
		}
		b.mu.Lock()
		b.conns[connectionID] = conn
		b.mu.Unlock()
		go b.pumpFromOrigin(tunnelID, connectionID, conn)
	}

	if len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			slog.Debug("tcp bridge: origin write failed", "tunnel", tunnelID, "connection", connectionID, "error", err)
			b.close(connectionID)
		}
	}
}

// pumpFromOrigin relays bytes from the origin socket back over the
// control channel as tcp_data, and emits tcp_close on EOF.
func (b *tcpBridge) pumpFromOrigin(tunnelID, connectionID string, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sendErr := b.a.send(&frame.Frame{
				Type: frame.TypeTCPData, ID: newFrameID(), Timestamp: time.Now().UnixMilli(),
				TunnelID: tunnelID, ConnectionID: connectionID, Data: encodeBase64(buf[:n]),
			})
			if sendErr != nil {
				b.close(connectionID)
				return
			}
		}
		if err != nil {
			_ = b.a.send(&frame.Frame{
				Type: frame.TypeTCPClose, ID: newFrameID(), Timestamp: time.Now().UnixMilli(),
				TunnelID: tunnelID, ConnectionID: connectionID,
			})
			b.close(connectionID)
			return
		}
	}
}

// handleClose closes and evicts the origin socket for connectionID.
func (b *tcpBridge) handleClose(connectionID string) {
	b.close(connectionID)
}

func (b *tcpBridge) close(connectionID string) {
	b.mu.Lock()
	conn, ok := b.conns[connectionID]
	delete(b.conns, connectionID)
	b.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// closeAll tears down every open origin socket, used when the control
// channel itself is lost.
func (b *tcpBridge) closeAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]net.Conn)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
