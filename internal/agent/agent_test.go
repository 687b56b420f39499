package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/relaytun/relaytun/internal/server"
)

func TestAgentConnectsAndServesHTTPRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer origin.Close()

	originHost, originPortStr, err := net.SplitHostPort(origin.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	originPort, err := strconv.Atoi(originPortStr)
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(server.Config{
		Domains:           []server.DomainRule{{Domain: "example.com", BasePath: "op"}},
		HandshakeTimeout:  time.Second,
		HTTPTimeout:       2 * time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ag := New(Config{
		ServerURL: ts.URL,
		Reconnect: false,
		Tunnels: []TunnelSpec{
			{Name: "web", Protocol: "http", LocalHost: originHost, LocalPort: originPort, Subdomain: "web", Autostart: true},
		},
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		OriginDialTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ag.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ag.ActiveTunnels()["web"]; ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	tun, ok := ag.ActiveTunnels()["web"]
	if !ok {
		t.Fatal("tunnel was not established in time")
	}
	if tun.PublicURL != "http://web.op.example.com" {
		t.Fatalf("got publicUrl %q", tun.PublicURL)
	}

	client := ts.Client()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/anything", nil)
	req.Host = "web.op.example.com"
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	var parsed map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || !parsed["ok"] {
		t.Fatalf("unexpected response body: err=%v parsed=%v", err, parsed)
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		got := backoffDelay(tc.attempt)
		if got != tc.want {
			t.Errorf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}
}
