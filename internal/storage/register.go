package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lestonEth/dnstore/internal/core"
)

// FileIndex maps uploaded file names to their size, upload time and content
// hash. It is persisted as filestate.json.
type FileIndex struct {
	mu    sync.RWMutex
	path  string
	files map[string]core.FileRecord
}

func OpenFileIndex(path string) (*FileIndex, error) {
	idx := &FileIndex{path: path, files: make(map[string]core.FileRecord)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &idx.files); err != nil {
			return nil, fmt.Errorf("decode file index: %w", err)
		}
	}
	for name, rec := range idx.files {
		rec.Name = name
		idx.files[name] = rec
	}
	return idx, nil
}

// Record hashes the file at path and stores its entry under its base name.
func (r *FileIndex) Record(path string) (core.FileRecord, error) {
	rec, err := Describe(path)
	if err != nil {
		return core.FileRecord{}, err
	}
	return rec, r.Put(rec)
}

// Describe computes the index entry for path without storing it.
func Describe(path string) (core.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.FileRecord{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return core.FileRecord{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return core.FileRecord{
		Name:       filepath.Base(path),
		UploadTime: time.Now().UTC(),
		Size:       size,
		SHA256:     hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (r *FileIndex) Put(rec core.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[rec.Name] = rec
	return r.saveLocked()
}

func (r *FileIndex) Lookup(name string) (core.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.files[name]
	if !ok {
		return core.FileRecord{}, fmt.Errorf("%w: %s", core.ErrFileNotIndexed, name)
	}
	return rec, nil
}

func (r *FileIndex) List() []core.FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.FileRecord, 0, len(r.files))
	for _, rec := range r.files {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *FileIndex) FileCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

func (r *FileIndex) saveLocked() error {
	data, err := json.MarshalIndent(r.files, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	return writeFileAtomic(r.path, data)
}
