package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const TxStorage = "STORAGE"

// Transaction asserts that NodeId holds the shard ChunkHash as of Timestamp.
type Transaction struct {
	TransactionType string    `json:"TransactionType"`
	ChunkHash       string    `json:"ChunkHash"`
	NodeId          string    `json:"NodeId"`
	Timestamp       time.Time `json:"Timestamp"`
}

func NewStorageTransaction(chunkHash, nodeID string) Transaction {
	return Transaction{
		TransactionType: TxStorage,
		ChunkHash:       chunkHash,
		NodeId:          nodeID,
		Timestamp:       time.Now().UTC(),
	}
}

func (t Transaction) Hash() string {
	return sha256Hex(fmt.Sprintf("%s-%s-%s-%s", t.TransactionType, t.ChunkHash, t.NodeId, formatTime(t.Timestamp)))
}

type Block struct {
	Index        int           `json:"Index"`
	Timestamp    time.Time     `json:"Timestamp"`
	PreviousHash string        `json:"PreviousHash"`
	Transactions []Transaction `json:"Transactions"`
	MerkleRoot   string        `json:"MerkleRoot"`
	BlockHash    string        `json:"BlockHash"`
}

// NewBlock links a block to prev and seals it.
func NewBlock(prev Block, txs []Transaction, ts time.Time) Block {
	b := Block{
		Index:        prev.Index + 1,
		Timestamp:    ts.UTC(),
		PreviousHash: prev.BlockHash,
		Transactions: txs,
	}
	b.MerkleRoot = MerkleRoot(txs)
	b.BlockHash = b.ComputeHash()
	return b
}

// Genesis returns the fixed first block shared by every node.
func Genesis() Block {
	b := Block{
		Index:        0,
		Timestamp:    time.Unix(0, 0).UTC(),
		PreviousHash: "0",
		Transactions: []Transaction{},
	}
	b.MerkleRoot = MerkleRoot(nil)
	b.BlockHash = b.ComputeHash()
	return b
}

func (b Block) ComputeHash() string {
	return sha256Hex(fmt.Sprintf("%d%s%s%s", b.Index, formatTime(b.Timestamp), b.PreviousHash, b.MerkleRoot))
}

// Verify checks the stored Merkle root and hash against a recomputation.
func (b Block) Verify() error {
	if root := MerkleRoot(b.Transactions); root != b.MerkleRoot {
		return fmt.Errorf("block %d: merkle root %s, computed %s", b.Index, b.MerkleRoot, root)
	}
	if h := b.ComputeHash(); h != b.BlockHash {
		return fmt.Errorf("block %d: hash %s, computed %s", b.Index, b.BlockHash, h)
	}
	return nil
}

// MerkleRoot folds transaction hashes pairwise with SHA-256 over the
// concatenated hex digests. A trailing odd node moves up unchanged.
func MerkleRoot(txs []Transaction) string {
	if len(txs) == 0 {
		return ""
	}
	level := make([]string, len(txs))
	for i, tx := range txs {
		level[i] = tx.Hash()
	}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, sha256Hex(level[i]+level[i+1]))
		}
		level = next
	}
	return level[0]
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
