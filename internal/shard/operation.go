package shard

import "sync"

// Operation tracks one file download.
type Operation struct {
	Name   string
	Shards []string

	mu       sync.Mutex
	received map[string]string
	output   string
	err      error
	done     chan struct{}
	once     sync.Once
}

func newOperation(name string, shards []string) *Operation {
	return &Operation{
		Name:     name,
		Shards:   shards,
		received: make(map[string]string, len(shards)),
		done:     make(chan struct{}),
	}
}

func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Err is the final outcome; nil until Done is closed.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Output is the path of the rebuilt file after a successful download.
func (op *Operation) Output() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.output
}

// Progress counts manifest entries whose shard is on disk. A shard listed
// twice counts twice.
func (op *Operation) Progress() (received, total int) {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, h := range op.Shards {
		if _, ok := op.received[h]; ok {
			received++
		}
	}
	return received, len(op.Shards)
}

func (op *Operation) references(hash string) bool {
	for _, h := range op.Shards {
		if h == hash {
			return true
		}
	}
	return false
}

func (op *Operation) has(hash string) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	_, ok := op.received[hash]
	return ok
}

func (op *Operation) expects(hash string) bool {
	return op.references(hash) && !op.has(hash)
}

// distinct lists each shard hash once, in manifest order.
func (op *Operation) distinct() []string {
	seen := make(map[string]bool, len(op.Shards))
	out := make([]string, 0, len(op.Shards))
	for _, h := range op.Shards {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// record stores the local path of a shard and reports whether every
// expected shard is now present.
func (op *Operation) record(hash, path string) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.received[hash] = path
	for _, h := range op.Shards {
		if _, ok := op.received[h]; !ok {
			return false
		}
	}
	return true
}

func (op *Operation) path(hash string) string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.received[hash]
}

// files returns the downloaded shard paths keyed by hash.
func (op *Operation) files() map[string]string {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make(map[string]string, len(op.received))
	for h, p := range op.received {
		out[h] = p
	}
	return out
}

func (op *Operation) finish(output string, err error) {
	op.once.Do(func() {
		op.mu.Lock()
		op.output = output
		op.err = err
		op.mu.Unlock()
		close(op.done)
	})
}
