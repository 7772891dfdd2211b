package loadbalance

import (
	"sync/atomic"

	"mini-s2s/codec"
)

// RoundRobinBalancer cycles through the peers in order with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(peers []*codec.Endpoint) (*codec.Endpoint, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	index := (b.counter.Add(1) - 1) % uint64(len(peers))
	return peers[index], nil
}

func (b *RoundRobinBalancer) Name() string { return "RoundRobin" }
