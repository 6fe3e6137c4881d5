package ledger

import (
	"math/rand"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash"

	"github.com/lestonEth/dnstore/internal/core"
)

// Placement picks the node that should receive a shard.
type Placement interface {
	Select(peers []core.Peer, key string) (core.Peer, bool)
}

// RandomPlacement chooses uniformly among the candidates.
type RandomPlacement struct{}

func (RandomPlacement) Select(peers []core.Peer, _ string) (core.Peer, bool) {
	if len(peers) == 0 {
		return core.Peer{}, false
	}
	return peers[rand.Intn(len(peers))], true
}

type ringMember string

func (m ringMember) String() string { return string(m) }

type xxHasher struct{}

func (xxHasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// RingPlacement maps keys onto a consistent-hash ring of node addresses, so
// the same key lands on the same node while membership is stable.
type RingPlacement struct {
	cfg consistent.Config
}

func NewRingPlacement() *RingPlacement {
	return &RingPlacement{cfg: consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            xxHasher{},
	}}
}

func (r *RingPlacement) Select(peers []core.Peer, key string) (core.Peer, bool) {
	if len(peers) == 0 {
		return core.Peer{}, false
	}
	byAddr := make(map[string]core.Peer, len(peers))
	members := make([]consistent.Member, 0, len(peers))
	for _, p := range peers {
		if _, dup := byAddr[p.Address]; dup {
			continue
		}
		byAddr[p.Address] = p
		members = append(members, ringMember(p.Address))
	}
	ring := consistent.New(members, r.cfg)
	owner := ring.LocateKey([]byte(key))
	if owner == nil {
		return core.Peer{}, false
	}
	p, ok := byAddr[owner.String()]
	return p, ok
}

// PlacementByName resolves the ledger.placement config value.
func PlacementByName(name string) Placement {
	if name == "ring" {
		return NewRingPlacement()
	}
	return RandomPlacement{}
}
