package storage

import (
	"fmt"

	"github.com/lestonEth/dnstore/internal/core"
)

// VerifyShard checks that data hashes to the name it is stored under.
func VerifyShard(hash string, data []byte) error {
	if got := HashBytes(data); got != hash {
		return fmt.Errorf("%w: want %s, got %s", core.ErrHashMismatch, hash, got)
	}
	return nil
}
