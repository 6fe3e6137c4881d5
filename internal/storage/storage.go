package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/cbergoon/merkletree"
	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
)

const (
	shardExt    = ".shard"
	downloadExt = ".shard-dl"
)

type Config struct {
	MaxCapacityGB   int
	ReservedSpaceGB int
}

// Layout names the directories under a node's data dir.
type Layout struct {
	Root      string
	Storage   string
	Downloads string
	Uploads   string
	State     string
	Config    string
}

func NewLayout(root string) Layout {
	return Layout{
		Root:      root,
		Storage:   filepath.Join(root, "storage"),
		Downloads: filepath.Join(root, "downloads"),
		Uploads:   filepath.Join(root, "uploadqueue"),
		State:     filepath.Join(root, "state"),
		Config:    filepath.Join(root, "config"),
	}
}

func (l Layout) Ensure() error {
	for _, dir := range []string{l.Storage, l.Downloads, l.Uploads, l.State, l.Config} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ShardStore keeps the encrypted shards this node holds for others, plus
// shards it downloaded for its own reconstructions.
type ShardStore struct {
	layout   Layout
	logger   zerolog.Logger
	mu       sync.RWMutex
	shards   map[string]int64
	capacity uint64
	used     uint64
	reserved uint64
}

func NewShardStore(layout Layout, cfg Config, logger zerolog.Logger) (*ShardStore, error) {
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "storage").Logger()

	diskFree, err := getDiskFreeSpace(layout.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk space: %w", err)
	}

	configured := uint64(cfg.MaxCapacityGB) << 30
	reserved := uint64(cfg.ReservedSpaceGB) << 30
	if diskFree <= reserved {
		return nil, fmt.Errorf("insufficient disk space (available: %.2fGB, reserved: %.2fGB)",
			float64(diskFree)/(1<<30), float64(reserved)/(1<<30))
	}
	capacity := configured
	if capacity == 0 || capacity > diskFree-reserved {
		capacity = diskFree - reserved
	}

	s := &ShardStore{
		layout:   layout,
		logger:   logger,
		shards:   make(map[string]int64),
		capacity: capacity,
		reserved: reserved,
	}
	if err := s.scan(); err != nil {
		return nil, err
	}

	logger.Info().
		Float64("capacityGB", float64(capacity)/(1<<30)).
		Float64("reservedGB", float64(reserved)/(1<<30)).
		Int("shards", len(s.shards)).
		Msg("storage initialized")
	return s, nil
}

// getDiskFreeSpace returns available bytes in the filesystem
func getDiskFreeSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func (s *ShardStore) scan() error {
	entries, err := os.ReadDir(s.layout.Storage)
	if err != nil {
		return fmt.Errorf("read storage dir: %w", err)
	}
	for _, e := range entries {
		hash, ok := strings.CutSuffix(e.Name(), shardExt)
		if !ok || !ValidHash(hash) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.shards[hash] = info.Size()
		s.used += uint64(info.Size())
	}
	return nil
}

// ValidHash reports whether h is a lowercase hex SHA-256 digest.
func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	for _, c := range h {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *ShardStore) shardPath(hash string) string {
	return filepath.Join(s.layout.Storage, hash+shardExt)
}

// Store persists a shard under the hash of its bytes and returns that hash.
func (s *ShardStore) Store(data []byte) (string, error) {
	hash := HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shards[hash]; ok {
		return hash, nil
	}

	size := uint64(len(data))
	if s.used+size > s.capacity {
		diskFree, err := getDiskFreeSpace(s.layout.Storage)
		if err != nil {
			return "", fmt.Errorf("failed to check disk space: %w", err)
		}
		if diskFree < s.reserved+size {
			s.logger.Error().
				Uint64("needed", size).
				Uint64("free", diskFree).
				Msg("insufficient disk space for shard")
			return "", core.ErrStorageFull
		}
		s.logger.Info().
			Float64("fromGB", float64(s.capacity)/(1<<30)).
			Float64("toGB", float64(diskFree-s.reserved)/(1<<30)).
			Msg("adjusting storage capacity")
		s.capacity = diskFree - s.reserved
	}

	if err := writeFileAtomic(s.shardPath(hash), data); err != nil {
		return "", fmt.Errorf("failed to write shard: %w", err)
	}
	s.shards[hash] = int64(len(data))
	s.used += size
	return hash, nil
}

// Retrieve reads a held shard and checks it still matches its hash.
func (s *ShardStore) Retrieve(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", core.ErrShardNotFound, hash)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.shardPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrShardNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	if err := VerifyShard(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *ShardStore) Has(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.shards[hash]
	return ok
}

// SaveDownloaded writes a shard fetched for a local reconstruction.
func (s *ShardStore) SaveDownloaded(data []byte) (hash, path string, err error) {
	hash = HashBytes(data)
	path = filepath.Join(s.layout.Downloads, hash+downloadExt)
	if err := writeFileAtomic(path, data); err != nil {
		return "", "", fmt.Errorf("save downloaded shard: %w", err)
	}
	return hash, path, nil
}

type shardContent struct {
	hash string
}

func (c shardContent) CalculateHash() ([]byte, error) {
	return hex.DecodeString(c.hash)
}

func (c shardContent) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(shardContent)
	if !ok {
		return false, errors.New("value is not a shardContent")
	}
	return c.hash == o.hash, nil
}

// MerkleRoot summarizes the set of held shards; empty when none are held.
func (s *ShardStore) MerkleRoot() (string, error) {
	s.mu.RLock()
	hashes := make([]string, 0, len(s.shards))
	for h := range s.shards {
		hashes = append(hashes, h)
	}
	s.mu.RUnlock()

	if len(hashes) == 0 {
		return "", nil
	}
	sort.Strings(hashes)
	contents := make([]merkletree.Content, len(hashes))
	for i, h := range hashes {
		contents[i] = shardContent{hash: h}
	}
	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return "", fmt.Errorf("build shard tree: %w", err)
	}
	return hex.EncodeToString(tree.MerkleRoot()), nil
}

func (s *ShardStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diskFree, _ := getDiskFreeSpace(s.layout.Storage)
	available := uint64(0)
	if s.capacity > s.used {
		available = s.capacity - s.used
	}
	return map[string]interface{}{
		"shards":      len(s.shards),
		"usedGB":      float64(s.used) / (1 << 30),
		"allocatedGB": float64(s.capacity) / (1 << 30),
		"availableGB": float64(available) / (1 << 30),
		"diskFreeGB":  float64(diskFree) / (1 << 30),
		"reservedGB":  float64(s.reserved) / (1 << 30),
		"utilization": float64(s.used) / float64(s.capacity) * 100,
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
