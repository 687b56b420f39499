package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relaytun/relaytun/internal/frame"
)

// hopByHopHeaders mirrors the server-side filtering list; applied again
// on this leg before forwarding to the local origin.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "TE", "Trailer",
	"Upgrade", "Proxy-Authenticate", "Proxy-Authorization",
}

// stripHopByHop removes hop-by-hop headers from h in place, including
// any header the Connection header itself names.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				h.Del(tok)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// noAppHTML is the branded page returned when the origin connection is
// refused, so a visitor sees a clear message instead of a raw dial error.
const noAppHTML = `<!DOCTYPE html>
<html><head><title>no app running</title></head>
<body><h1>no app running</h1><p>no local service is listening on this tunnel's target address.</p></body></html>`

// forwardHTTP terminates a dispatched http_request against the local
// origin described by spec and returns the http_response frame to send
// back to the server.
func (a *Agent) forwardHTTP(ctx context.Context, tunnelID, requestID string, req *frame.Frame, spec TunnelSpec) *frame.Frame {
	body, err := decodeHTTPBody(req.IsBase64, req.Body)
	if err != nil {
		return httpErrorResponse(tunnelID, requestID, http.StatusBadGateway, fmt.Sprintf(`{"error":%q}`, "malformed request body"), false)
	}

	origin := fmt.Sprintf("http://%s:%d%s", spec.LocalHost, spec.LocalPort, req.Path)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, origin, bytes.NewReader(body))
	if err != nil {
		return httpErrorResponse(tunnelID, requestID, http.StatusBadGateway, fmt.Sprintf(`{"error":%q}`, err.Error()), false)
	}
	httpReq.Header = http.Header(req.Headers).Clone()
	stripHopByHop(httpReq.Header)

	client := &http.Client{Timeout: a.cfg.OriginDialTimeout + 20*time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		if isConnectionRefused(err) {
			return htmlResponse(tunnelID, requestID, http.StatusBadGateway, noAppHTML)
		}
		return httpErrorResponse(tunnelID, requestID, http.StatusBadGateway, fmt.Sprintf(`{"error":%q}`, err.Error()), false)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpErrorResponse(tunnelID, requestID, http.StatusBadGateway, fmt.Sprintf(`{"error":%q}`, err.Error()), false)
	}

	stripHopByHop(resp.Header)
	isB64, encoded := encodeBody(respBody)
	return &frame.Frame{
		Type: frame.TypeHTTPResponse, ID: requestID, Timestamp: time.Now().UnixMilli(),
		TunnelID: tunnelID, RequestID: requestID,
		StatusCode: resp.StatusCode, Headers: resp.Header,
		Body: encoded, IsBase64: isB64,
	}
}

func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func httpErrorResponse(tunnelID, requestID string, status int, body string, isB64 bool) *frame.Frame {
	return &frame.Frame{
		Type: frame.TypeHTTPResponse, ID: requestID, Timestamp: time.Now().UnixMilli(),
		TunnelID: tunnelID, RequestID: requestID,
		StatusCode: status, Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body: body, IsBase64: isB64,
	}
}

func htmlResponse(tunnelID, requestID string, status int, body string) *frame.Frame {
	return &frame.Frame{
		Type: frame.TypeHTTPResponse, ID: requestID, Timestamp: time.Now().UnixMilli(),
		TunnelID: tunnelID, RequestID: requestID,
		StatusCode: status, Headers: map[string][]string{"Content-Type": {"text/html"}},
		Body: body, IsBase64: false,
	}
}

func decodeHTTPBody(isBase64 bool, body string) ([]byte, error) {
	if !isBase64 {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}

func encodeBody(body []byte) (bool, string) {
	if len(body) == 0 {
		return false, ""
	}
	if utf8.Valid(body) {
		return false, string(body)
	}
	return true, base64.StdEncoding.EncodeToString(body)
}
