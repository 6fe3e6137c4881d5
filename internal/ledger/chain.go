package ledger

import (
	"fmt"

	"github.com/lestonEth/dnstore/internal/core"
)

// Chain is the ordered block list, genesis first.
type Chain []Block

func NewChain() Chain {
	return Chain{Genesis()}
}

func (c Chain) Tip() Block {
	return c[len(c)-1]
}

// Validate checks the genesis block, the previous-hash linkage of every
// block, and each block's Merkle root and hash.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: empty chain", core.ErrInvalidChain)
	}
	g := c[0]
	if g.Index != 0 || g.PreviousHash != "0" {
		return fmt.Errorf("%w: bad genesis block", core.ErrInvalidChain)
	}
	if err := g.Verify(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidChain, err)
	}
	for i := 1; i < len(c); i++ {
		prev, cur := c[i-1], c[i]
		if cur.Index != prev.Index+1 {
			return fmt.Errorf("%w: block %d follows %d", core.ErrInvalidChain, cur.Index, prev.Index)
		}
		if cur.PreviousHash != prev.BlockHash {
			return fmt.Errorf("%w: block %d does not link to its predecessor", core.ErrInvalidChain, cur.Index)
		}
		if err := cur.Verify(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidChain, err)
		}
	}
	return nil
}

func (c Chain) HasChunk(hash string) bool {
	_, ok := c.FindHolder(hash)
	return ok
}

// FindHolder returns the node of the most recent STORAGE commitment for hash.
func (c Chain) FindHolder(hash string) (string, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		txs := c[i].Transactions
		for j := len(txs) - 1; j >= 0; j-- {
			if txs[j].TransactionType == TxStorage && txs[j].ChunkHash == hash {
				return txs[j].NodeId, true
			}
		}
	}
	return "", false
}

func (c Chain) clone() Chain {
	out := make(Chain, len(c))
	copy(out, c)
	return out
}
