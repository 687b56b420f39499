package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/relaytun/relaytun/internal/correlator"
	"github.com/relaytun/relaytun/internal/frame"
	"github.com/relaytun/relaytun/internal/liveness"
	"github.com/relaytun/relaytun/internal/registry"
	"github.com/relaytun/relaytun/internal/wsconn"
)

// SessionState is the server-side control-channel state machine.
type SessionState int32

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateServing
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateServing:
		return "serving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AgentSession is the per-control-channel context on the server side. It
// satisfies registry.Owner.
type AgentSession struct {
	id          string
	conn        *wsconn.Conn
	peerAddress string
	srv         *Server

	state atomic.Int32

	clientID   string
	correlator *correlator.Correlator
	monitor    *liveness.Monitor
	limiter    *rate.Limiter
}

func newAgentSession(srv *Server, conn *wsconn.Conn, peerAddress string) *AgentSession {
	s := &AgentSession{
		id:          uuid.NewString(),
		conn:        conn,
		peerAddress: peerAddress,
		srv:         srv,
		correlator:  correlator.New(),
		limiter:     rate.NewLimiter(rate.Limit(srv.cfg.InboundFrameRate), srv.cfg.InboundFrameBurst),
	}
	s.state.Store(int32(StateConnected))
	s.monitor = liveness.NewMonitor(srv.cfg.HeartbeatInterval, srv.cfg.HeartbeatTimeout,
		func() {
			_ = s.conn.WritePing()
		},
		func() {
			slog.Warn("agent session heartbeat timeout", "session", s.id)
			s.Close()
		},
	)
	return s
}

// SessionID implements registry.Owner.
func (s *AgentSession) SessionID() string { return s.id }

func (s *AgentSession) setState(st SessionState) { s.state.Store(int32(st)) }
func (s *AgentSession) State() SessionState      { return SessionState(s.state.Load()) }

// Send writes a frame to the agent. Safe for concurrent use.
func (s *AgentSession) Send(f *frame.Frame) error {
	return s.conn.WriteFrame(f)
}

// run drives the session's lifetime: handshake, then the read loop. It
// blocks until the channel closes or the session is torn down, and
// always performs teardown before returning.
func (s *AgentSession) run() {
	defer s.teardown()

	s.monitor.Start()
	defer s.monitor.Stop()

	if !s.handshake() {
		return
	}

	s.setState(StateServing)
	slog.Info("agent session serving", "session", s.id, "client", s.clientID, "peer", s.peerAddress)

	for {
		f, err := s.conn.ReadFrame()
		var mf *frame.MalformedFrame
		if errors.As(err, &mf) {
			slog.Warn("malformed frame dropped", "session", s.id, "cause", mf)
			s.monitor.Touch()
			continue
		}
		if err != nil {
			slog.Debug("agent session read error, closing", "session", s.id, "error", err)
			return
		}
		s.monitor.Touch()

		if !frame.KnownType(f.Type) {
			slog.Warn("unknown frame type dropped", "session", s.id, "type", f.Type)
			continue
		}

		if !s.limiter.Allow() {
			slog.Warn("inbound frame rate exceeded, dropping frame", "session", s.id, "type", f.Type)
			continue
		}

		s.handleFrame(f)
		if s.State() == StateClosing || s.State() == StateClosed {
			return
		}
	}
}

// handshake runs the Connected state: wait for auth (if required) or
// auto-authenticate, honoring the 10 s handshake timeout.
func (s *AgentSession) handshake() bool {
	if !s.srv.cfg.Auth.Required {
		s.clientID = uuid.NewString()
		s.setState(StateAuthenticated)
		_ = s.Send(&frame.Frame{
			Type:      frame.TypeAuthResponse,
			ID:        uuid.NewString(),
			Timestamp: nowMillis(),
			Success:   frame.Bool(true),
			ClientID:  s.clientID,
		})
		return true
	}

	deadline := time.Now().Add(s.srv.cfg.HandshakeTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	f, err := s.conn.ReadFrame()
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		slog.Warn("handshake read failed", "session", s.id, "error", err)
		return false
	}
	if f.Type != frame.TypeAuth {
		slog.Warn("expected auth frame, got different type", "session", s.id, "type", f.Type)
		return false
	}

	ok := false
	for _, tok := range s.srv.cfg.Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(f.Token)) == 1 {
			ok = true
			break
		}
	}

	if !ok {
		_ = s.Send(&frame.Frame{
			Type:      frame.TypeAuthResponse,
			ID:        uuid.NewString(),
			Timestamp: nowMillis(),
			Success:   frame.Bool(false),
			Error:     "invalid token",
		})
		_ = s.conn.CloseWithCode(websocket.ClosePolicyViolation, "invalid token")
		return false
	}

	s.clientID = uuid.NewString()
	s.setState(StateAuthenticated)
	return s.Send(&frame.Frame{
		Type:      frame.TypeAuthResponse,
		ID:        uuid.NewString(),
		Timestamp: nowMillis(),
		Success:   frame.Bool(true),
		ClientID:  s.clientID,
	}) == nil
}

func (s *AgentSession) handleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypeTunnelReq:
		s.handleTunnelRequest(f)
	case frame.TypeTunnelClose:
		s.handleTunnelClose(f)
	case frame.TypeHTTPResponse:
		s.correlator.Deliver(f.RequestID, f)
	case frame.TypeTCPData:
		s.routeTCPData(f)
	case frame.TypeTCPClose:
		s.routeTCPClose(f)
	case frame.TypePing:
		_ = s.Send(&frame.Frame{Type: frame.TypePong, ID: f.ID, Timestamp: nowMillis()})
	case frame.TypePong:
		// liveness already touched by the read loop
	case frame.TypeError:
		slog.Warn("agent reported error", "session", s.id, "error", f.Error, "code", f.Code)
	default:
		slog.Warn("unhandled frame type in Serving state", "session", s.id, "type", f.Type)
	}
}

func (s *AgentSession) handleTunnelRequest(f *frame.Frame) {
	if f.Config == nil {
		_ = s.Send(errorResponse(frame.TypeTunnelResp, f.ID, "missing tunnel config"))
		return
	}
	cfg := *f.Config
	id := uuid.NewString()

	switch cfg.Protocol {
	case "http", "https":
		tun, err := s.srv.registry.AllocateHTTP(id, s, cfg, func(sub string) string {
			return s.srv.publicURLForSubdomain(sub)
		})
		if err != nil {
			_ = s.Send(errorResponse(frame.TypeTunnelResp, f.ID, err.Error()))
			return
		}
		if s.srv.cfg.DNSProvider != nil {
			go func() {
				if err := s.srv.cfg.DNSProvider.Upsert(tun.Subdomain, s.peerAddress); err != nil {
					slog.Warn("dns upsert failed", "subdomain", tun.Subdomain, "error", err)
				}
			}()
		}
		_ = s.Send(&frame.Frame{
			Type: frame.TypeTunnelResp, ID: f.ID, Timestamp: nowMillis(),
			Success: frame.Bool(true), TunnelID: tun.ID, PublicURL: tun.PublicURL,
		})

	case "tcp":
		tun, err := s.srv.registry.AllocateTCP(id, s, cfg, s.srv.cfg.TunnelPortRange, func(port int) string {
			return s.srv.publicURLForPort(port)
		})
		if err != nil {
			_ = s.Send(errorResponse(frame.TypeTunnelResp, f.ID, err.Error()))
			return
		}
		handler, err := newTCPDispatcher(s.srv, tun)
		if err != nil {
			s.srv.registry.RemoveByID(tun.ID)
			_ = s.Send(errorResponse(frame.TypeTunnelResp, f.ID, fmt.Sprintf("binding public port: %v", err)))
			return
		}
		tun.TCPHandler = handler
		_ = s.Send(&frame.Frame{
			Type: frame.TypeTunnelResp, ID: f.ID, Timestamp: nowMillis(),
			Success: frame.Bool(true), TunnelID: tun.ID, PublicURL: tun.PublicURL,
		})

	default:
		_ = s.Send(errorResponse(frame.TypeTunnelResp, f.ID, fmt.Sprintf("unknown protocol %q", cfg.Protocol)))
	}
}

func (s *AgentSession) handleTunnelClose(f *frame.Frame) {
	tun := s.srv.registry.LookupByID(f.TunnelID)
	if tun == nil || tun.Owner == nil || tun.Owner.SessionID() != s.id {
		return
	}
	s.srv.destroyTunnel(tun)
}

func (s *AgentSession) routeTCPData(f *frame.Frame) {
	tun := s.srv.registry.LookupByID(f.TunnelID)
	if tun == nil || tun.TCPHandler == nil {
		return
	}
	data, err := decodeBase64(f.Data)
	if err != nil {
		slog.Warn("malformed tcp_data payload", "tunnel", f.TunnelID, "error", err)
		return
	}
	tun.TCPHandler.HandleData(f.ConnectionID, data)
}

func (s *AgentSession) routeTCPClose(f *frame.Frame) {
	tun := s.srv.registry.LookupByID(f.TunnelID)
	if tun == nil || tun.TCPHandler == nil {
		return
	}
	tun.TCPHandler.HandleClose(f.ConnectionID)
}

// teardown destroys every tunnel owned by this session, fails every
// pending correlated request, and removes the session from the hub.
func (s *AgentSession) teardown() {
	s.setState(StateClosed)
	owned := s.srv.registry.RemoveSession(s.id)
	for _, tun := range owned {
		if tun.TCPHandler != nil {
			_ = tun.TCPHandler.Close()
		}
		if s.srv.cfg.DNSProvider != nil && tun.Subdomain != "" {
			if err := s.srv.cfg.DNSProvider.Delete(tun.Subdomain); err != nil {
				slog.Warn("dns delete failed", "subdomain", tun.Subdomain, "error", err)
			}
		}
	}
	s.correlator.Close()
	s.srv.removeSession(s.id)
	_ = s.conn.Close()
	slog.Info("agent session closed", "session", s.id, "client", s.clientID)
}

// Close requests a graceful session shutdown; safe to call from any
// goroutine, including the heartbeat monitor.
func (s *AgentSession) Close() {
	s.setState(StateClosing)
	_ = s.conn.Close()
}

// forwardHTTP sends an http_request to the agent and blocks (bounded by
// ctx) for its http_response.
func (s *AgentSession) forwardHTTP(ctx context.Context, tunnelID string, r *http.Request, body []byte) (*frame.Frame, error) {
	reqID := uuid.NewString()
	wait, err := s.correlator.Register(ctx, reqID)
	if err != nil {
		return nil, err
	}

	isB64, encodedBody := encodeHTTPBody(body)
	err = s.Send(&frame.Frame{
		Type: frame.TypeHTTPRequest, ID: uuid.NewString(), Timestamp: nowMillis(),
		TunnelID: tunnelID, RequestID: reqID,
		Method: r.Method, Path: r.URL.RequestURI(), Headers: r.Header,
		Body: encodedBody, IsBase64: isB64,
	})
	if err != nil {
		return nil, err
	}
	return wait()
}

func errorResponse(t frame.Type, id, msg string) *frame.Frame {
	return &frame.Frame{Type: t, ID: id, Timestamp: nowMillis(), Success: frame.Bool(false), Error: msg}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
