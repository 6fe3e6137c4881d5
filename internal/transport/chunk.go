package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	chunkMarker = "CHUNKED|"
	// headerScanLimit bounds the search for the five header delimiters.
	headerScanLimit = 200
	// MaxPrefixLen keeps every chunk header inside headerScanLimit.
	MaxPrefixLen = 64
	// maxChunks bounds the slots a single header can allocate.
	maxChunks = 16 * 1024
)

type chunkHeader struct {
	id     string
	index  int
	total  int
	prefix string
}

// EncodeChunk renders one CHUNKED datagram.
func EncodeChunk(id string, index, total int, prefix string, payload []byte) []byte {
	head := fmt.Sprintf("%s%s|%d|%d|%s|", chunkMarker, id, index, total, prefix)
	out := make([]byte, 0, len(head)+len(payload))
	out = append(out, head...)
	return append(out, payload...)
}

// parseChunk splits a CHUNKED datagram into header and payload. Anything
// that does not parse is not a chunk.
func parseChunk(data []byte) (chunkHeader, []byte, bool) {
	if !bytes.HasPrefix(data, []byte(chunkMarker)) {
		return chunkHeader{}, nil, false
	}
	limit := len(data)
	if limit > headerScanLimit {
		limit = headerScanLimit
	}
	var pipes [5]int
	found := 0
	for i := 0; i < limit && found < 5; i++ {
		if data[i] == '|' {
			pipes[found] = i
			found++
		}
	}
	if found < 5 {
		return chunkHeader{}, nil, false
	}
	field := func(n int) string { return string(data[pipes[n-1]+1 : pipes[n]]) }

	index, err := strconv.Atoi(field(2))
	if err != nil {
		return chunkHeader{}, nil, false
	}
	total, err := strconv.Atoi(field(3))
	if err != nil {
		return chunkHeader{}, nil, false
	}
	h := chunkHeader{id: field(1), index: index, total: total, prefix: field(4)}
	if h.id == "" || h.prefix == "" || total <= 0 || total > maxChunks || index < 0 || index >= total {
		return chunkHeader{}, nil, false
	}
	return h, data[pipes[4]+1:], true
}

type chunkedMessage struct {
	prefix   string
	slots    [][]byte
	filled   []bool
	received int
	updated  time.Time
}

// reassembler collects chunk slots per message id. Ids of completed
// messages are remembered until the next sweep so late retransmissions are
// not delivered twice.
type reassembler struct {
	mu   sync.Mutex
	msgs map[string]*chunkedMessage
	done map[string]time.Time
	now  func() time.Time
}

func newReassembler() *reassembler {
	return &reassembler{
		msgs: make(map[string]*chunkedMessage),
		done: make(map[string]time.Time),
		now:  time.Now,
	}
}

// add stores a chunk. A slot is written once; duplicates do not count.
// When the last slot fills, the message leaves the active set and its slots
// are returned concatenated in index order.
func (r *reassembler) add(h chunkHeader, payload []byte) (prefix string, data []byte, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, finished := r.done[h.id]; finished {
		return "", nil, false
	}
	m, ok := r.msgs[h.id]
	if !ok {
		m = &chunkedMessage{
			prefix: h.prefix,
			slots:  make([][]byte, h.total),
			filled: make([]bool, h.total),
		}
		r.msgs[h.id] = m
	}
	if len(m.slots) != h.total {
		return "", nil, false
	}
	m.updated = r.now()
	if m.filled[h.index] {
		return "", nil, false
	}
	m.slots[h.index] = append([]byte(nil), payload...)
	m.filled[h.index] = true
	m.received++
	if m.received < len(m.slots) {
		return "", nil, false
	}

	delete(r.msgs, h.id)
	r.done[h.id] = m.updated
	size := 0
	for _, s := range m.slots {
		size += len(s)
	}
	data = make([]byte, 0, size)
	for _, s := range m.slots {
		data = append(data, s...)
	}
	return m.prefix, data, true
}

// sweep drops buffers idle for longer than maxAge.
func (r *reassembler) sweep(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	dropped := 0
	for id, m := range r.msgs {
		if m.updated.Before(cutoff) {
			delete(r.msgs, id)
			dropped++
		}
	}
	for id, at := range r.done {
		if at.Before(cutoff) {
			delete(r.done, id)
		}
	}
	return dropped
}

func (r *reassembler) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}
