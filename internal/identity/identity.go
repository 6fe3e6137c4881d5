package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is a node's key pair. Its peer ID doubles as the node address
// recorded in storage commitments.
type Identity struct {
	Key crypto.PrivKey
	ID  peer.ID
}

func (i Identity) Address() string {
	return i.ID.String()
}

// LoadOrCreate reads a hex-encoded private key from keyPath, generating and
// saving an Ed25519 key when the file does not exist.
func LoadOrCreate(keyPath string) (Identity, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return Load(keyPath)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	if err := Save(keyPath, priv); err != nil {
		return Identity{}, err
	}
	return fromKey(priv)
}

func Load(keyPath string) (Identity, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read key file: %w", err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(keyBytes)))
	if err != nil {
		return Identity{}, fmt.Errorf("failed to decode key: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(decoded)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to unmarshal key: %w", err)
	}
	return fromKey(priv)
}

func Save(keyPath string, priv crypto.PrivKey) error {
	keyBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(keyBytes)), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func fromKey(priv crypto.PrivKey) (Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("derive peer id: %w", err)
	}
	return Identity{Key: priv, ID: id}, nil
}
