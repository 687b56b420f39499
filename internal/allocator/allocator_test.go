package allocator

import (
	"strings"
	"testing"
)

func TestGenerateSubdomainRequestedFree(t *testing.T) {
	taken := map[string]bool{}
	got, err := GenerateSubdomain("web", func(s string) bool { return taken[s] })
	if err != nil {
		t.Fatal(err)
	}
	if got != "web" {
		t.Fatalf("got %q want web", got)
	}
}

func TestGenerateSubdomainRequestedTaken(t *testing.T) {
	_, err := GenerateSubdomain("web", func(s string) bool { return s == "web" })
	if err != ErrSubdomainInUse {
		t.Fatalf("got %v want ErrSubdomainInUse", err)
	}
}

func TestGenerateSubdomainGeneratedShape(t *testing.T) {
	got, err := GenerateSubdomain("", func(string) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(got, "-")
	if len(parts) != 3 {
		t.Fatalf("expected adj-noun-number, got %q", got)
	}
}

func TestGenerateSubdomainRetriesOnCollision(t *testing.T) {
	calls := 0
	got, err := GenerateSubdomain("", func(string) bool {
		calls++
		return calls < 3 // first two candidates collide
	})
	if err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Fatal("expected a name")
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", calls)
	}
}

func TestSelectPortRemotePortPreferred(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 20000}
	rp := 15432
	used := map[int]bool{}
	got, err := SelectPort(rng, &rp, 9999, func(p int) bool { return used[p] })
	if err != nil {
		t.Fatal(err)
	}
	if got != 15432 {
		t.Fatalf("got %d want 15432", got)
	}
}

func TestSelectPortRemotePortBusy(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 20000}
	rp := 15432
	used := map[int]bool{15432: true}
	_, err := SelectPort(rng, &rp, 0, func(p int) bool { return used[p] })
	if err != ErrPortInUse {
		t.Fatalf("got %v want ErrPortInUse", err)
	}
}

func TestSelectPortRemotePortOutOfRange(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 20000}
	rp := 9999
	_, err := SelectPort(rng, &rp, 0, func(int) bool { return false })
	if err != ErrPortOutOfRange {
		t.Fatalf("got %v want ErrPortOutOfRange", err)
	}
}

func TestSelectPortLocalPortHeuristic(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 20000}
	used := map[int]bool{}
	got, err := SelectPort(rng, nil, 15432, func(p int) bool { return used[p] })
	if err != nil {
		t.Fatal(err)
	}
	if got != 15432 {
		t.Fatalf("got %d want 15432", got)
	}
}

func TestSelectPortSecondAgentGetsNextFree(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 20000}
	used := map[int]bool{15432: true}
	got, err := SelectPort(rng, nil, 15432, func(p int) bool { return used[p] })
	if err != nil {
		t.Fatal(err)
	}
	if got == 15432 {
		t.Fatal("expected a different port than the busy one")
	}
	if got != 10000 {
		t.Fatalf("got %d want 10000 (first free from Min)", got)
	}
}

func TestSelectPortBoundaryInclusive(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 20000}
	used := map[int]bool{}
	min := 10000
	max := 20000
	gotMin, err := SelectPort(rng, &min, 0, func(p int) bool { return used[p] })
	if err != nil || gotMin != 10000 {
		t.Fatalf("min boundary: got %d, %v", gotMin, err)
	}
	used[10000] = true
	gotMax, err := SelectPort(rng, &max, 0, func(p int) bool { return used[p] })
	if err != nil || gotMax != 20000 {
		t.Fatalf("max boundary: got %d, %v", gotMax, err)
	}
}

func TestSelectPortExhausted(t *testing.T) {
	rng := PortRange{Min: 10000, Max: 10001}
	used := map[int]bool{10000: true, 10001: true}
	_, err := SelectPort(rng, nil, 0, func(p int) bool { return used[p] })
	if err != ErrNoPortsAvailable {
		t.Fatalf("got %v want ErrNoPortsAvailable", err)
	}
}
