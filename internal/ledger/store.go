package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the chain.
type Store interface {
	Load() (Chain, error)
	Save(Chain) error
}

// FileStore keeps the chain as a JSON array in a single file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (Chain, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode chain file: %w", err)
	}
	return c, nil
}

func (s *FileStore) Save(c Chain) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chain file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
