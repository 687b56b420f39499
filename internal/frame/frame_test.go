package frame

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sub := "web"
	port := 15432
	cases := []*Frame{
		{Type: TypeAuth, ID: "1", Timestamp: 1000, Token: "tok"},
		{Type: TypeAuthResponse, ID: "2", Timestamp: 1001, Success: Bool(true), ClientID: "c1"},
		{Type: TypeTunnelReq, ID: "3", Timestamp: 1002, Config: &TunnelConfig{
			Protocol: "http", LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: &sub,
		}},
		{Type: TypeTunnelResp, ID: "4", Timestamp: 1003, Success: Bool(true), TunnelID: "t1", PublicURL: "https://web.op.example.com"},
		{Type: TypeHTTPRequest, ID: "5", Timestamp: 1004, TunnelID: "t1", RequestID: "r1",
			Method: "GET", Path: "/hello", Headers: map[string][]string{"Set-Cookie": {"a=1", "b=2"}}},
		{Type: TypeTCPData, ID: "6", Timestamp: 1005, TunnelID: "t1", ConnectionID: "c1", Data: "aGVsbG8="},
		{Type: TypeTunnelReq, ID: "7", Timestamp: 1006, Config: &TunnelConfig{
			Protocol: "tcp", LocalHost: "127.0.0.1", LocalPort: 15432, RemotePort: &port,
		}},
	}

	for _, want := range cases {
		t.Run(string(want.Type), func(t *testing.T) {
			encoded, err := Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(want)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("round trip mismatch:\n got=%s\nwant=%s", gotJSON, wantJSON)
			}

			reencoded, err := Encode(got)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if string(reencoded) != string(encoded) {
				t.Fatalf("encode(decode(x)) != x:\n got=%s\nwant=%s", reencoded, encoded)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed frame")
	}
	var mf *MalformedFrame
	if !errors.As(err, &mf) {
		t.Fatalf("expected *MalformedFrame, got %T: %v", err, err)
	}
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	f, err := Decode([]byte(`{"type":"something_new","id":"x","timestamp":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if KnownType(f.Type) {
		t.Fatalf("expected %q to be unknown", f.Type)
	}
}

func TestHeaderOrderPreserved(t *testing.T) {
	f := &Frame{Type: TypeHTTPResponse, Headers: map[string][]string{
		"X-Multi": {"first", "second", "third"},
	}}
	enc, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	got := dec.Headers["X-Multi"]
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order not preserved: got %v want %v", got, want)
		}
	}
}
