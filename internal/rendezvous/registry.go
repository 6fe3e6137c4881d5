package rendezvous

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lestonEth/dnstore/internal/core"
)

type entry struct {
	endpoint *net.UDPAddr
	lastSeen time.Time
	online   bool
}

// Registry tracks the public endpoint each node was last seen from and
// whether it has announced itself online.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*entry
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{nodes: make(map[string]*entry), ttl: ttl, now: time.Now}
}

func (r *Registry) get(address string) *entry {
	e, ok := r.nodes[address]
	if !ok {
		e = &entry{}
		r.nodes[address] = e
	}
	return e
}

// Observe records a keep-alive from address seen at endpoint.
func (r *Registry) Observe(address string, endpoint *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(address)
	e.endpoint = endpoint
	e.lastSeen = r.now()
}

func (r *Registry) SetOnline(address string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !online {
		if e, ok := r.nodes[address]; ok {
			e.online = false
		}
		return
	}
	e := r.get(address)
	e.online = true
	if e.lastSeen.IsZero() {
		e.lastSeen = r.now()
	}
}

func (r *Registry) Endpoint(address string) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[address]
	if !ok || e.endpoint == nil {
		return nil, false
	}
	return e.endpoint, true
}

// Online lists nodes that are announced, have a known endpoint and sent a
// keep-alive within the TTL.
func (r *Registry) Online() []core.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.ttl)
	out := make([]core.Peer, 0, len(r.nodes))
	for addr, e := range r.nodes {
		if !e.online || e.endpoint == nil || e.lastSeen.Before(cutoff) {
			continue
		}
		out = append(out, core.Peer{Address: addr, IP: e.endpoint.IP.String(), Port: e.endpoint.Port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Expire forgets nodes silent for longer than the TTL.
func (r *Registry) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	n := 0
	for addr, e := range r.nodes {
		if e.lastSeen.Before(cutoff) {
			delete(r.nodes, addr)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
