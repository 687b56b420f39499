package server

import (
	"encoding/base64"
	"net/http"
	"strings"
	"unicode/utf8"
)

// hopByHopHeaders is the standard hop-by-hop set, filtered on both the
// server<->agent leg and (by the agent) the agent<->origin leg.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
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

// encodeHTTPBody returns whether body needed base64 encoding (non-UTF-8)
// along with its wire representation.
func encodeHTTPBody(body []byte) (isBase64 bool, encoded string) {
	if len(body) == 0 {
		return false, ""
	}
	if utf8.Valid(body) {
		return false, string(body)
	}
	return true, base64.StdEncoding.EncodeToString(body)
}

// decodeHTTPBody reverses encodeHTTPBody.
func decodeHTTPBody(isBase64 bool, body string) ([]byte, error) {
	if !isBase64 {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}

// decodeBase64 decodes a tcp_data payload.
func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// encodeBase64 encodes a tcp_data payload.
func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
