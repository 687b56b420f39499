// Package server implements the publicly reachable half of the tunneling
// system: the control-channel upgrade endpoint, the agent session state
// machine, the public HTTP and TCP dispatchers, and the apex status API.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relaytun/relaytun/internal/ipfilter"
	"github.com/relaytun/relaytun/internal/registry"
	"github.com/relaytun/relaytun/internal/wsconn"
)

// Server owns the public listener's routing table, the tunnel registry,
// and the set of live agent sessions.
type Server struct {
	cfg      Config
	registry *registry.Registry
	router   *mux.Router
	upgrader websocket.Upgrader

	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// New constructs a Server. Call ServeHTTP (directly, or via an
// *http.Server) to start handling connections.
func New(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	s := &Server{
		cfg:       cfg,
		registry:  registry.New(),
		router:    mux.NewRouter(),
		startedAt: time.Now(),
		sessions:  make(map[string]*AgentSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.HandleFunc("/_tunnel", s.handleControl).Methods(http.MethodGet)
	s.router.PathPrefix("/").HandlerFunc(s.handlePublic)
	return s
}

// ServeHTTP makes Server usable directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleControl upgrades /_tunnel into the duplex control channel, then
// runs the IP filter and fraud predicate against the now-established
// channel: a denied connection transitions straight to Closing with a
// policy-violation close frame rather than never becoming a websocket.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	clientIP := ipfilter.ExtractClientIP(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("control upgrade failed", "error", err)
		return
	}
	conn := wsconn.New(ws, nil)

	if s.cfg.IPFilter != nil {
		if res := s.cfg.IPFilter.Check(clientIP); !res.Allowed {
			slog.Warn("control connection denied by ip filter", "ip", clientIP, "reason", res.Reason)
			_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "policy violation")
			return
		}
	}
	if s.cfg.Fraud != nil {
		if allow, err := s.cfg.Fraud.Verify(clientIP, r.UserAgent()); err != nil || !allow {
			slog.Warn("control connection denied by fraud predicate", "ip", clientIP, "error", err)
			_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "policy violation")
			return
		}
	}

	sess := newAgentSession(s, conn, clientIP)
	conn.SetOnPong(func() { sess.monitor.Touch() })
	s.addSession(sess)
	slog.Info("agent session connected", "session", sess.id, "peer", clientIP)
	sess.run()
}

func (s *Server) addSession(sess *AgentSession) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// closeAllSessions closes every active agent session, cascading through
// each session's own teardown path, so every tunnel is destroyed on
// server shutdown.
func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*AgentSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// destroyTunnel tears down a single tunnel outside of session teardown
// (the tunnel_close path).
func (s *Server) destroyTunnel(tun *registry.Tunnel) {
	s.registry.RemoveByID(tun.ID)
	if tun.TCPHandler != nil {
		_ = tun.TCPHandler.Close()
	}
	if s.cfg.DNSProvider != nil && tun.Subdomain != "" {
		if err := s.cfg.DNSProvider.Delete(tun.Subdomain); err != nil {
			slog.Warn("dns delete failed", "subdomain", tun.Subdomain, "error", err)
		}
	}
}

// handlePublic is the catch-all path: apex status/API routes, or
// Host-header-based tunnel dispatch.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)

	domain, basePath, isApex, subdomain, matched := s.matchHost(host)
	if !matched {
		writeJSONError(w, http.StatusNotFound, "unknown host")
		return
	}

	if isApex {
		s.serveApex(w, r, domain, basePath)
		return
	}

	if s.cfg.IPFilter != nil {
		clientIP := ipfilter.ExtractClientIP(r)
		if res := s.cfg.IPFilter.Check(clientIP); !res.Allowed {
			writeJSONError(w, http.StatusForbidden, "Access denied")
			return
		}
	}

	tun := s.registry.LookupBySubdomain(subdomain)
	if tun == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no tunnel registered for %q", subdomain))
		return
	}
	s.dispatchHTTP(w, r, tun)
}

// matchHost walks each configured domain rule in order, deciding
// whether host is that domain's apex or a subdomain of it.
func (s *Server) matchHost(host string) (domain, basePath string, isApex bool, subdomain string, matched bool) {
	for _, rule := range s.cfg.Domains {
		if rule.BasePath != "" {
			apex := rule.BasePath + "." + rule.Domain
			if host == apex {
				return rule.Domain, rule.BasePath, true, "", true
			}
			suffix := "." + apex
			if strings.HasSuffix(host, suffix) {
				sub := strings.TrimSuffix(host, suffix)
				if sub != "" {
					return rule.Domain, rule.BasePath, false, sub, true
				}
			}
			continue
		}

		if host == rule.Domain {
			return rule.Domain, "", true, "", true
		}
		suffix := "." + rule.Domain
		if strings.HasSuffix(host, suffix) {
			sub := strings.TrimSuffix(host, suffix)
			if sub != "" {
				return rule.Domain, "", false, sub, true
			}
		}
	}
	return "", "", false, "", false
}

func stripPort(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i != -1 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

// --- apex endpoints ---

func (s *Server) serveApex(w http.ResponseWriter, r *http.Request, domain, basePath string) {
	switch r.URL.Path {
	case "/api/stats":
		s.serveStats(w)
	case "/api/tunnels":
		s.serveTunnels(w)
	case "/":
		s.serveStatus(w, domain, basePath)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) serveStats(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": s.sessionCount(),
		"tunnels": len(s.registry.Iter()),
		"uptime":  time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) serveTunnels(w http.ResponseWriter) {
	tunnels := s.registry.Iter()
	out := make([]map[string]any, 0, len(tunnels))
	for _, t := range tunnels {
		st := t.Stats()
		out = append(out, map[string]any{
			"id":           t.ID,
			"protocol":     t.Protocol,
			"localAddress": fmt.Sprintf("%s:%d", t.LocalHost, t.LocalPort),
			"publicUrl":    t.PublicURL,
			"createdAt":    t.CreatedAt,
			"bytesIn":      st.BytesIn,
			"bytesOut":     st.BytesOut,
			"connections":  st.Connections,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": out})
}

func (s *Server) serveStatus(w http.ResponseWriter, domain, basePath string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             "relaytun",
		"version":          "1.0.0",
		"status":           "ok",
		"domain":           domain,
		"subdomainPattern": subdomainPattern(domain, basePath),
		"clients":          s.sessionCount(),
		"tunnels":          len(s.registry.Iter()),
	})
}

func subdomainPattern(domain, basePath string) string {
	if basePath != "" {
		return "<subdomain>." + basePath + "." + domain
	}
	return "<subdomain>." + domain
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// publicURLForSubdomain builds the public URL using the first configured
// domain rule.
func (s *Server) publicURLForSubdomain(subdomain string) string {
	scheme := "http"
	if s.cfg.TLSMode != TLSOff {
		scheme = "https"
	}
	rule := s.cfg.Domains[0]
	host := subdomain + "." + rule.Domain
	if rule.BasePath != "" {
		host = subdomain + "." + rule.BasePath + "." + rule.Domain
	}

	port := s.cfg.PublicPort
	if portOmittable(scheme, port) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// publicURLForPort builds the informational tcp:// URL for a TCP tunnel.
func (s *Server) publicURLForPort(port int) string {
	rule := s.cfg.Domains[0]
	return fmt.Sprintf("tcp://%s:%d", rule.Domain, port)
}

func portOmittable(scheme string, port int) bool {
	if port == 0 {
		return true
	}
	return (scheme == "https" && port == 443) || (scheme == "http" && port == 80)
}
