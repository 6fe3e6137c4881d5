package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestonEth/dnstore/internal/core"
)

// AES encrypts shards with AES-CBC and PKCS#7 padding under a fixed key and
// IV loaded from the node's secret file.
type AES struct {
	block cipher.Block
	iv    []byte
}

func New(key, iv []byte) (*AES, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &AES{block: block, iv: append([]byte(nil), iv...)}, nil
}

// LoadKeyFile reads a "base64(key);base64(iv)" secret file.
func LoadKeyFile(path string) (*AES, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	keyPart, ivPart, ok := strings.Cut(strings.TrimSpace(string(raw)), ";")
	if !ok {
		return nil, fmt.Errorf("invalid key file format: %s", path)
	}
	key, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	return New(key, iv)
}

// GenerateKeyFile writes a fresh AES-256 key and IV to path.
func GenerateKeyFile(path string) error {
	key := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	content := base64.StdEncoding.EncodeToString(key) + ";" + base64.StdEncoding.EncodeToString(iv)
	return os.WriteFile(path, []byte(content), 0600)
}

// LoadOrCreateKeyFile loads path, generating it first when absent.
func LoadOrCreateKeyFile(path string) (*AES, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := GenerateKeyFile(path); err != nil {
			return nil, fmt.Errorf("generate key file: %w", err)
		}
	}
	return LoadKeyFile(path)
}

func (a *AES) Encrypt(plain []byte) ([]byte, error) {
	bs := a.block.BlockSize()
	pad := bs - len(plain)%bs
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	copy(buf[len(plain):], bytes.Repeat([]byte{byte(pad)}, pad))
	cipher.NewCBCEncrypter(a.block, a.iv).CryptBlocks(buf, buf)
	return buf, nil
}

func (a *AES) Decrypt(data []byte) ([]byte, error) {
	bs := a.block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", core.ErrDecryptFailed, len(data))
	}
	buf := make([]byte, len(data))
	cipher.NewCBCDecrypter(a.block, a.iv).CryptBlocks(buf, data)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > bs {
		return nil, fmt.Errorf("%w: bad padding", core.ErrDecryptFailed)
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: bad padding", core.ErrDecryptFailed)
		}
	}
	return buf[:len(buf)-pad], nil
}
