// Package loadbalance picks one peer out of the live endpoints of a service.
//
// Three strategies are implemented:
//   - RoundRobin:      peers of equal capacity
//   - WeightedRandom:  peers advertising different "weight" properties
//   - ConsistentHash:  requests that should stick to one peer per key
package loadbalance

import (
	"fmt"

	"mini-s2s/codec"
	"mini-s2s/errdefs"
)

// ErrNoPeers is returned by Pick when the peer list is empty.
var ErrNoPeers = fmt.Errorf("%w: no peers available", errdefs.ErrNotFound)

// Balancer selects a peer. Pick is called for every request and must be
// goroutine-safe.
type Balancer interface {
	Pick(peers []*codec.Endpoint) (*codec.Endpoint, error)
	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name: "roundrobin" (also the default for "") or
// "weighted".
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
