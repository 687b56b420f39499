package registry

import (
	"fmt"
	"testing"

	"github.com/relaytun/relaytun/internal/allocator"
	"github.com/relaytun/relaytun/internal/frame"
)

type fakeOwner struct{ id string }

func (f fakeOwner) SessionID() string { return f.id }

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

func TestAllocateHTTPRequestedSubdomain(t *testing.T) {
	r := New()
	owner := fakeOwner{id: "sess-1"}
	cfg := frame.TunnelConfig{Protocol: "http", LocalHost: "localhost", LocalPort: 3000, Subdomain: strptr("web")}

	tun, err := r.AllocateHTTP("t1", owner, cfg, func(s string) string { return "https://" + s + ".example.com" })
	if err != nil {
		t.Fatal(err)
	}
	if tun.Subdomain != "web" {
		t.Fatalf("got %q want web", tun.Subdomain)
	}
	if r.LookupByID("t1") != tun || r.LookupBySubdomain("web") != tun {
		t.Fatal("tunnel not indexed correctly")
	}
}

func TestAllocateHTTPCollisionExactlyOneWins(t *testing.T) {
	r := New()
	cfg := frame.TunnelConfig{Protocol: "http", LocalHost: "localhost", LocalPort: 3000, Subdomain: strptr("web")}

	_, err1 := r.AllocateHTTP("t1", fakeOwner{"s1"}, cfg, func(s string) string { return s })
	_, err2 := r.AllocateHTTP("t2", fakeOwner{"s2"}, cfg, func(s string) string { return s })

	if (err1 == nil) == (err2 == nil) {
		t.Fatalf("expected exactly one success, got err1=%v err2=%v", err1, err2)
	}
}

func TestAllocateTCPRemotePort(t *testing.T) {
	r := New()
	rng := allocator.PortRange{Min: 10000, Max: 20000}
	cfg := frame.TunnelConfig{Protocol: "tcp", LocalHost: "localhost", LocalPort: 22, RemotePort: intptr(15432)}

	tun, err := r.AllocateTCP("t1", fakeOwner{"s1"}, cfg, rng, func(p int) string { return fmt.Sprintf("tcp://host:%d", p) })
	if err != nil {
		t.Fatal(err)
	}
	if tun.PublicPort != 15432 {
		t.Fatalf("got %d want 15432", tun.PublicPort)
	}
	if r.LookupByPort(15432) != tun {
		t.Fatal("tunnel not indexed by port")
	}
}

func TestRemoveByIDClearsAllIndices(t *testing.T) {
	r := New()
	cfg := frame.TunnelConfig{Protocol: "http", LocalHost: "localhost", LocalPort: 3000, Subdomain: strptr("web")}
	tun, err := r.AllocateHTTP("t1", fakeOwner{"s1"}, cfg, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}

	removed := r.RemoveByID("t1")
	if removed != tun {
		t.Fatal("expected removed tunnel to be returned")
	}
	if r.LookupByID("t1") != nil || r.LookupBySubdomain("web") != nil {
		t.Fatal("expected all indices cleared")
	}
	if r.RemoveByID("t1") != nil {
		t.Fatal("second removal must be a no-op")
	}
}

func TestRemoveSessionEvictsOnlyOwnedTunnels(t *testing.T) {
	r := New()
	cfgA := frame.TunnelConfig{Protocol: "http", LocalHost: "localhost", LocalPort: 3000, Subdomain: strptr("a")}
	cfgB := frame.TunnelConfig{Protocol: "http", LocalHost: "localhost", LocalPort: 3001, Subdomain: strptr("b")}

	if _, err := r.AllocateHTTP("t1", fakeOwner{"s1"}, cfgA, func(s string) string { return s }); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AllocateHTTP("t2", fakeOwner{"s2"}, cfgB, func(s string) string { return s }); err != nil {
		t.Fatal(err)
	}

	removed := r.RemoveSession("s1")
	if len(removed) != 1 || removed[0].ID != "t1" {
		t.Fatalf("expected only t1 removed, got %+v", removed)
	}
	if r.LookupByID("t1") != nil {
		t.Fatal("t1 should be gone")
	}
	if r.LookupByID("t2") == nil {
		t.Fatal("t2 should remain")
	}
}

func TestTunnelStatsAccumulate(t *testing.T) {
	tun := &Tunnel{ID: "t1"}
	tun.AddBytesIn(10)
	tun.AddBytesOut(20)
	tun.AddConnection()
	tun.AddConnection()

	st := tun.Stats()
	if st.BytesIn != 10 || st.BytesOut != 20 || st.Connections != 2 {
		t.Fatalf("got %+v", st)
	}
}

func TestIterReturnsSnapshot(t *testing.T) {
	r := New()
	cfg := frame.TunnelConfig{Protocol: "http", LocalHost: "localhost", LocalPort: 3000, Subdomain: strptr("web")}
	if _, err := r.AllocateHTTP("t1", fakeOwner{"s1"}, cfg, func(s string) string { return s }); err != nil {
		t.Fatal(err)
	}
	all := r.Iter()
	if len(all) != 1 || all[0].ID != "t1" {
		t.Fatalf("got %+v", all)
	}
}
