package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relaytun/relaytun/internal/ipfilter"
	"github.com/relaytun/relaytun/internal/registry"
)

// dispatchHTTP augments the request, forwards it over the control
// channel, correlates the response, and writes it back.
func (s *Server) dispatchHTTP(w http.ResponseWriter, r *http.Request, tun *registry.Tunnel) {
	sess, ok := tun.Owner.(*AgentSession)
	if !ok || sess == nil {
		writeJSONError(w, http.StatusBadGateway, "tunnel has no owning session")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxResponseBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "reading request body")
		return
	}

	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("X-Forwarded-Proto", forwardedProto(s.cfg.TLSMode))
	clientIP := ipfilter.ExtractClientIP(r)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	stripHopByHop(r.Header)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HTTPTimeout)
	defer cancel()

	resp, err := sess.forwardHTTP(ctx, tun.ID, r, body)
	tun.AddBytesIn(len(body))
	tun.AddConnection()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, http.StatusBadGateway, "tunnel did not respond within the timeout")
			return
		}
		writeJSONError(w, http.StatusBadGateway, "tunnel connection lost")
		return
	}

	respBody, err := decodeHTTPBody(resp.IsBase64, resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "malformed response body")
		return
	}
	if int64(len(respBody)) > s.cfg.MaxResponseBytes {
		writeJSONError(w, http.StatusBadGateway, "response exceeded maximum size")
		return
	}

	respHeader := http.Header(resp.Headers)
	stripHopByHop(respHeader)
	for k, vs := range respHeader {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(respBody); err != nil {
		slog.Debug("writing response to public client failed", "tunnel", tun.ID, "error", err)
	}
	tun.AddBytesOut(len(respBody))
}

func forwardedProto(mode TLSMode) string {
	if mode == TLSOff {
		return "http"
	}
	return "https"
}
