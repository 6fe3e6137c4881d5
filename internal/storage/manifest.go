package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestonEth/dnstore/internal/core"
)

const manifestExt = ".dn"

// SplitFile cuts the file at path into chunkSize parts written under dir and
// returns the whole file's hash with the part paths in order. An empty file
// yields no parts.
func SplitFile(path, dir string, chunkSize int) (string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, err
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var parts []string
	for i := 1; ; i++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			h.Write(buf[:n])
			part := filepath.Join(dir, fmt.Sprintf("temp%06d", i))
			if werr := os.WriteFile(part, buf[:n], 0600); werr != nil {
				RemoveAll(parts)
				return "", nil, fmt.Errorf("write part %d: %w", i, werr)
			}
			parts = append(parts, part)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			RemoveAll(parts)
			return "", nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), parts, nil
}

// RemoveAll deletes the given files, ignoring ones already gone.
func RemoveAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func ManifestPath(dir, fileHash string) string {
	return filepath.Join(dir, fileHash+manifestExt)
}

// WriteManifest stores the ordered shard hashes of one file.
func WriteManifest(dir, fileHash string, hashes []string) error {
	return writeFileAtomic(ManifestPath(dir, fileHash), []byte(strings.Join(hashes, ";")))
}

func ReadManifest(dir, fileHash string) ([]string, error) {
	data, err := os.ReadFile(ManifestPath(dir, fileHash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrManifestNotFound, fileHash)
	}
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return []string{}, nil
	}
	hashes := strings.Split(content, ";")
	for i, h := range hashes {
		hashes[i] = strings.ToLower(strings.TrimSpace(h))
		if !ValidHash(hashes[i]) {
			return nil, fmt.Errorf("manifest %s: entry %d is not a shard hash", fileHash, i)
		}
	}
	return hashes, nil
}
