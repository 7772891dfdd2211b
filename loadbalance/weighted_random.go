package loadbalance

import (
	"math/rand/v2"

	"mini-s2s/codec"
)

// WeightedRandomBalancer picks a peer with probability proportional to its Weight.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(peers []*codec.Endpoint) (*codec.Endpoint, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	total := 0
	for _, p := range peers {
		total += p.Weight()
	}

	// r falls into exactly one peer's weight interval
	r := rand.IntN(total)
	for _, p := range peers {
		r -= p.Weight()
		if r < 0 {
			return p, nil
		}
	}
	return peers[len(peers)-1], nil
}

func (b *WeightedRandomBalancer) Name() string { return "WeightedRandom" }
