package agent

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaytun/relaytun/internal/correlator"
	"github.com/relaytun/relaytun/internal/frame"
	"github.com/relaytun/relaytun/internal/liveness"
	"github.com/relaytun/relaytun/internal/wsconn"
)

// State is the agent-side control-channel state machine.
type State int32

const (
	StateDialing State = iota
	StateAuthenticating
	StateRunning
	StateReconnecting
	StateClosed
)

// ActiveTunnel is a tunnel the agent has successfully requested and that
// the server has acknowledged.
type ActiveTunnel struct {
	ID        string
	PublicURL string
	Spec      TunnelSpec
}

// Agent drives one control channel to a server, reconnecting as needed.
// Its desired tunnel set (the Autostart entries of cfg.Tunnels) is the authoritative source of
// truth; on every reconnect it is reissued in full.
type Agent struct {
	cfg Config

	state atomic.Int32

	connMu sync.RWMutex
	conn   *wsconn.Conn

	correlator *correlator.Correlator
	monitor    *liveness.Monitor

	tunnelsMu sync.Mutex
	tunnels   map[string]*ActiveTunnel // spec.Name -> active tunnel
	bridges   map[string]*tcpBridge    // tunnelID -> tcp bridge

	attempt int
}

// New constructs an Agent from cfg. Call Run to start the dial loop.
func New(cfg Config) *Agent {
	return &Agent{
		cfg:        cfg.WithDefaults(),
		correlator: correlator.New(),
		tunnels:    make(map[string]*ActiveTunnel),
		bridges:    make(map[string]*tcpBridge),
	}
}

func (a *Agent) State() State { return State(a.state.Load()) }
func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

// Run blocks, dialing and (if cfg.Reconnect) redialing the server until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			a.setState(StateClosed)
			return ctx.Err()
		}

		a.setState(StateDialing)
		err := a.runOnce(ctx)
		if err != nil {
			slog.Warn("control session ended", "error", err)
		}

		if !a.cfg.Reconnect || ctx.Err() != nil {
			a.setState(StateClosed)
			return err
		}

		a.setState(StateReconnecting)
		a.attempt++
		delay := backoffDelay(a.attempt)
		slog.Info("reconnecting", "attempt", a.attempt, "delay", delay)

		select {
		case <-ctx.Done():
			a.setState(StateClosed)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce dials, authenticates, restores the desired tunnel set, and
// services frames until the channel closes or ctx is cancelled.
func (a *Agent) runOnce(ctx context.Context) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: a.cfg.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !a.cfg.RejectUnauthorized},
	}
	ws, _, err := dialer.DialContext(ctx, controlURL(a.cfg.ServerURL), nil)
	if err != nil {
		return fmt.Errorf("agent: dial failed: %w", err)
	}

	conn := wsconn.New(ws, nil)
	a.setConn(conn)
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stopClose()
		_ = conn.Close()
		a.setConn(nil)
		a.closeAllBridges()
	}()

	a.setState(StateAuthenticating)
	if err := a.authenticate(conn); err != nil {
		return err
	}
	a.attempt = 0

	a.monitor = liveness.NewMonitor(a.cfg.HeartbeatInterval, a.cfg.HeartbeatTimeout,
		func() { _ = conn.WritePing() },
		func() { slog.Warn("heartbeat timeout, closing control channel"); _ = conn.Close() },
	)
	conn.SetOnPong(func() { a.monitor.Touch() })
	a.monitor.Start()
	defer a.monitor.Stop()

	a.setState(StateRunning)
	// tunnel_response frames are delivered by the read loop below, so the
	// restore runs alongside it.
	go func() {
		if err := a.restoreTunnels(conn); err != nil {
			slog.Warn("restoring tunnels after connect failed", "error", err)
		}
	}()

	for {
		f, err := conn.ReadFrame()
		var mf *frame.MalformedFrame
		if errors.As(err, &mf) {
			slog.Warn("malformed frame dropped", "cause", mf)
			a.monitor.Touch()
			continue
		}
		if err != nil {
			return fmt.Errorf("agent: read failed: %w", err)
		}
		a.monitor.Touch()

		if !frame.KnownType(f.Type) {
			slog.Warn("unknown frame type dropped", "type", f.Type)
			continue
		}
		a.handleFrame(conn, f)
	}
}

func controlURL(serverURL string) string {
	u := serverURL
	u = strings.TrimSuffix(u, "/")
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/_tunnel"
}

func (a *Agent) authenticate(conn *wsconn.Conn) error {
	if a.cfg.Token == "" {
		f, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("agent: waiting for auth_response: %w", err)
		}
		if f.Type != frame.TypeAuthResponse || f.Success == nil || !*f.Success {
			return fmt.Errorf("agent: server rejected unauthenticated connection: %+v", f)
		}
		return nil
	}

	if err := conn.WriteFrame(&frame.Frame{Type: frame.TypeAuth, ID: newFrameID(), Timestamp: nowMillis(), Token: a.cfg.Token}); err != nil {
		return fmt.Errorf("agent: sending auth: %w", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("agent: waiting for auth_response: %w", err)
	}
	if f.Type != frame.TypeAuthResponse || f.Success == nil || !*f.Success {
		return fmt.Errorf("agent: authentication failed: %s", f.Error)
	}
	return nil
}

// restoreTunnels reissues tunnel_request for every entry of the desired
// set (the cfg.Tunnels entries with Autostart set).
func (a *Agent) restoreTunnels(conn *wsconn.Conn) error {
	a.tunnelsMu.Lock()
	a.tunnels = make(map[string]*ActiveTunnel)
	a.tunnelsMu.Unlock()

	var firstErr error
	for _, spec := range a.cfg.Tunnels {
		if !spec.Autostart {
			continue
		}
		if err := a.requestTunnel(conn, spec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Agent) requestTunnel(conn *wsconn.Conn, spec TunnelSpec) error {
	reqID := newFrameID()
	wait, err := a.correlator.Register(context.Background(), reqID)
	if err != nil {
		return err
	}

	cfg := &frame.TunnelConfig{
		ID: spec.Name, Protocol: spec.Protocol, LocalHost: spec.LocalHost, LocalPort: spec.LocalPort,
		RemotePort: spec.RemotePort,
	}
	if spec.Subdomain != "" {
		sub := spec.Subdomain
		cfg.Subdomain = &sub
	}

	if err := conn.WriteFrame(&frame.Frame{Type: frame.TypeTunnelReq, ID: reqID, Timestamp: nowMillis(), Config: cfg}); err != nil {
		return err
	}

	resp, err := wait()
	if err != nil {
		return err
	}
	if resp.Success == nil || !*resp.Success {
		return fmt.Errorf("agent: tunnel request for %q failed: %s", spec.Name, resp.Error)
	}

	a.tunnelsMu.Lock()
	a.tunnels[spec.Name] = &ActiveTunnel{ID: resp.TunnelID, PublicURL: resp.PublicURL, Spec: spec}
	a.bridges[resp.TunnelID] = newTCPBridge(a, spec)
	a.tunnelsMu.Unlock()

	slog.Info("tunnel established", "name", spec.Name, "publicUrl", resp.PublicURL)
	return nil
}

func (a *Agent) handleFrame(conn *wsconn.Conn, f *frame.Frame) {
	switch f.Type {
	case frame.TypeTunnelResp:
		a.correlator.Deliver(f.ID, f)
	case frame.TypeAuthResponse:
		a.correlator.Deliver(f.ID, f)
	case frame.TypeHTTPRequest:
		a.serveHTTPRequest(conn, f)
	case frame.TypeTCPData:
		a.serveTCPData(f)
	case frame.TypeTCPClose:
		a.serveTCPClose(f)
	case frame.TypePing:
		_ = conn.WriteFrame(&frame.Frame{Type: frame.TypePong, ID: f.ID, Timestamp: nowMillis()})
	case frame.TypePong:
	case frame.TypeError:
		slog.Warn("server reported error", "error", f.Error, "code", f.Code)
	default:
		slog.Warn("unhandled frame type", "type", f.Type)
	}
}

func (a *Agent) serveHTTPRequest(conn *wsconn.Conn, f *frame.Frame) {
	spec, ok := a.tunnelSpecByID(f.TunnelID)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OriginDialTimeout+20*time.Second)
		defer cancel()
		resp := a.forwardHTTP(ctx, f.TunnelID, f.RequestID, f, spec)
		if err := conn.WriteFrame(resp); err != nil {
			slog.Debug("writing http_response failed", "error", err)
		}
	}()
}

func (a *Agent) serveTCPData(f *frame.Frame) {
	bridge, ok := a.bridgeByTunnelID(f.TunnelID)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		slog.Warn("malformed tcp_data payload", "error", err)
		return
	}
	bridge.handleData(f.TunnelID, f.ConnectionID, data)
}

func (a *Agent) serveTCPClose(f *frame.Frame) {
	if bridge, ok := a.bridgeByTunnelID(f.TunnelID); ok {
		bridge.handleClose(f.ConnectionID)
	}
}

func (a *Agent) tunnelSpecByID(tunnelID string) (TunnelSpec, bool) {
	a.tunnelsMu.Lock()
	defer a.tunnelsMu.Unlock()
	for _, t := range a.tunnels {
		if t.ID == tunnelID {
			return t.Spec, true
		}
	}
	return TunnelSpec{}, false
}

func (a *Agent) bridgeByTunnelID(tunnelID string) (*tcpBridge, bool) {
	a.tunnelsMu.Lock()
	defer a.tunnelsMu.Unlock()
	b, ok := a.bridges[tunnelID]
	return b, ok
}

func (a *Agent) closeAllBridges() {
	a.tunnelsMu.Lock()
	bridges := a.bridges
	a.bridges = make(map[string]*tcpBridge)
	a.tunnelsMu.Unlock()
	for _, b := range bridges {
		b.closeAll()
	}
}

func (a *Agent) setConn(conn *wsconn.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

// send writes a frame on the current control connection, if any.
func (a *Agent) send(f *frame.Frame) error {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("agent: no active control connection")
	}
	return conn.WriteFrame(f)
}

// ActiveTunnels returns a snapshot of the agent's currently acknowledged
// tunnels, keyed by configured name.
func (a *Agent) ActiveTunnels() map[string]ActiveTunnel {
	a.tunnelsMu.Lock()
	defer a.tunnelsMu.Unlock()
	out := make(map[string]ActiveTunnel, len(a.tunnels))
	for k, v := range a.tunnels {
		out[k] = *v
	}
	return out
}

func newFrameID() string            { return uuid.NewString() }
func nowMillis() int64              { return time.Now().UnixMilli() }
func encodeBase64(b []byte) string  { return base64.StdEncoding.EncodeToString(b) }
