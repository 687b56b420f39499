// Package frame implements the control-channel wire format: a flat,
// length-preserving JSON envelope shared by every message the server and
// an agent exchange over the duplex control channel, plus the small set
// of type-specific fields each message kind carries.
package frame

import (
	"encoding/json"
	"fmt"
)

// Type identifies a control message kind.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeAuthResponse Type = "auth_response"
	TypeTunnelReq    Type = "tunnel_request"
	TypeTunnelResp   Type = "tunnel_response"
	TypeTunnelClose  Type = "tunnel_close"
	TypeHTTPRequest  Type = "http_request"
	TypeHTTPResponse Type = "http_response"
	TypeTCPData      Type = "tcp_data"
	TypeTCPClose     Type = "tcp_close"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeError        Type = "error"
)

// TunnelConfig is the payload of a tunnel_request message.
type TunnelConfig struct {
	ID         string  `json:"id,omitempty"`
	Protocol   string  `json:"protocol"`
	LocalHost  string  `json:"localHost"`
	LocalPort  int     `json:"localPort"`
	Subdomain  *string `json:"subdomain,omitempty"`
	RemotePort *int    `json:"remotePort,omitempty"`
}

// Frame is the single flat envelope used for every message type on the
// control channel. Only the fields relevant to Type are populated; the
// rest are left at their zero value and omitted from the wire encoding.
type Frame struct {
	Type      Type  `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`

	// auth
	Token string `json:"token,omitempty"`

	// auth_response / tunnel_response / error (outcome + message)
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`

	// auth_response
	ClientID string `json:"clientId,omitempty"`

	// tunnel_request
	Config *TunnelConfig `json:"config,omitempty"`

	// tunnel_response / tunnel_close / http_* / tcp_* (tunnel scope)
	TunnelID  string `json:"tunnelId,omitempty"`
	PublicURL string `json:"publicUrl,omitempty"`

	// http_request / http_response
	RequestID  string              `json:"requestId,omitempty"`
	Method     string              `json:"method,omitempty"`
	Path       string              `json:"path,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	StatusCode int                 `json:"statusCode,omitempty"`
	IsBase64   bool                `json:"isBase64,omitempty"`

	// tcp_data / tcp_close
	ConnectionID string `json:"connectionId,omitempty"`
	Data         string `json:"data,omitempty"`
}

// MalformedFrame is returned by Decode when bytes cannot be parsed into a
// Frame. The session layer logs and discards it; it never tears down the
// control channel on its own.
type MalformedFrame struct {
	Cause error
}

func (e *MalformedFrame) Error() string { return fmt.Sprintf("frame: malformed: %v", e.Cause) }
func (e *MalformedFrame) Unwrap() error { return e.Cause }

// Encode serializes a Frame to its wire representation.
func Encode(f *Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	return b, nil
}

// Decode parses the wire representation of a Frame. A syntactically valid
// JSON object with an unrecognized Type is still decoded successfully;
// callers are expected to ignore unknown types per the protocol contract.
func Decode(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, &MalformedFrame{Cause: err}
	}
	return &f, nil
}

// Bool is a small helper for populating the Success pointer field.
func Bool(v bool) *bool { return &v }

// KnownType reports whether t is one of the message types this protocol
// defines. Unknown types are logged and ignored by the caller, never
// treated as a protocol violation that ends the session.
func KnownType(t Type) bool {
	switch t {
	case TypeAuth, TypeAuthResponse, TypeTunnelReq, TypeTunnelResp, TypeTunnelClose,
		TypeHTTPRequest, TypeHTTPResponse, TypeTCPData, TypeTCPClose, TypePing, TypePong, TypeError:
		return true
	default:
		return false
	}
}
