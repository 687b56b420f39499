// Package allocator implements the pure selection algorithms
// for subdomain names and public TCP ports. Both functions are
// stateless: the caller supplies an isTaken/isUsed predicate backed by
// whatever lock domain actually owns the used-set (the tunnel registry),
// which is what makes allocation and registry insertion observable as a
// single atomic step.
package allocator

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var (
	// ErrSubdomainInUse is returned when a client-supplied subdomain is
	// already registered.
	ErrSubdomainInUse = errors.New("allocator: subdomain in use")
	// ErrPortInUse is returned when a client-requested port is already
	// allocated to another tunnel.
	ErrPortInUse = errors.New("allocator: port in use")
	// ErrPortOutOfRange is returned when an explicit remotePort falls
	// outside the configured range (rejected by default for safety).
	ErrPortOutOfRange = errors.New("allocator: requested port outside configured range")
	// ErrNoPortsAvailable is returned when the whole range is exhausted.
	ErrNoPortsAvailable = errors.New("allocator: no ports available in range")

	// maxSubdomainAttempts bounds the retry loop for generated names so a
	// saturated namespace fails loudly instead of spinning forever.
	maxSubdomainAttempts = 64
)

// GenerateSubdomain returns requested if it is non-empty and not taken
// (per isTaken). If requested is empty, it generates a memorable
// "<adjective>-<noun>-<0..999>" name, retrying on collision.
func GenerateSubdomain(requested string, isTaken func(string) bool) (string, error) {
	if requested != "" {
		if isTaken(requested) {
			return "", ErrSubdomainInUse
		}
		return requested, nil
	}

	for i := 0; i < maxSubdomainAttempts; i++ {
		candidate := randomName()
		if !isTaken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("allocator: could not find a free generated subdomain after %d attempts", maxSubdomainAttempts)
}

func randomName() string {
	adj := adjectives[rand.IntN(len(adjectives))]
	noun := nouns[rand.IntN(len(nouns))]
	n := rand.IntN(1000)
	return fmt.Sprintf("%s-%s-%d", adj, noun, n)
}

// PortRange is a closed interval [Min, Max].
type PortRange struct {
	Min int
	Max int
}

// Contains reports whether p lies within the range, inclusive.
func (r PortRange) Contains(p int) bool { return p >= r.Min && p <= r.Max }

// SelectPort implements the three-step port selection rule:
//
//  1. If remotePort is non-nil, it must be within rng; allocate it if
//     free, fail with ErrPortInUse if taken, ErrPortOutOfRange if out of
//     range.
//  2. Else if localPort falls within rng and is free, allocate it (the
//     stable-port heuristic).
//  3. Else the first free port from rng.Min upward; ErrNoPortsAvailable
//     if none remain.
func SelectPort(rng PortRange, remotePort *int, localPort int, isUsed func(int) bool) (int, error) {
	if remotePort != nil {
		if !rng.Contains(*remotePort) {
			return 0, ErrPortOutOfRange
		}
		if isUsed(*remotePort) {
			return 0, ErrPortInUse
		}
		return *remotePort, nil
	}

	if rng.Contains(localPort) && !isUsed(localPort) {
		return localPort, nil
	}

	for p := rng.Min; p <= rng.Max; p++ {
		if !isUsed(p) {
			return p, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

var adjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "faint", "gentle", "hollow",
	"icy", "jagged", "keen", "lively", "misty", "nimble", "ochre", "plain",
	"quiet", "rustic", "sunny", "tidy", "umber", "vivid", "windy", "young",
	"zesty", "bold", "crisp", "deep", "fuzzy", "golden", "humble", "inky",
}

var nouns = []string{
	"otter", "river", "meadow", "falcon", "harbor", "lantern", "maple",
	"pebble", "summit", "willow", "canyon", "cedar", "delta", "ember",
	"fjord", "grove", "heron", "island", "junction", "knoll", "lagoon",
	"marsh", "nest", "orchard", "ridge", "spring", "tundra", "valley",
}
