package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/transport"
)

const (
	PrefixDownloadChain  = "DOWNLOADBC"
	PrefixTakeChain      = "TAKEBC"
	PrefixAddTransaction = "ADDTRANSACTION"
	PrefixNewBlock       = "NEWBLOCK"
)

type State int

const (
	Uninitialized State = iota
	Initializing
	Synced
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Synced:
		return "synced"
	default:
		return "uninitialized"
	}
}

// Messenger is the slice of the peer protocol the ledger needs.
type Messenger interface {
	SendMessage(ctx context.Context, to core.Peer, prefix, text string) error
	PunchPeers(ctx context.Context, peers []core.Peer) error
}

// Directory lists the peers currently online, excluding this node.
type Directory interface {
	OnlineNodes(ctx context.Context) ([]core.Peer, error)
}

type Config struct {
	NodeID    string
	BlockSize int
	Placement Placement
}

// Service owns the chain and the pending transaction pool. A single mutex
// covers both; network I/O always happens after it is released.
type Service struct {
	cfg    Config
	store  Store
	msg    Messenger
	dir    Directory
	logger zerolog.Logger

	mu      sync.Mutex
	chain   Chain
	pending []Transaction
	state   State
}

func NewService(cfg Config, store Store, msg Messenger, dir Directory, logger zerolog.Logger) *Service {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 3
	}
	if cfg.Placement == nil {
		cfg.Placement = RandomPlacement{}
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		msg:    msg,
		dir:    dir,
		logger: logger.With().Str("component", "ledger").Logger(),
		chain:  NewChain(),
	}
}

// Initialize loads the persisted chain, falling back to a fresh genesis
// chain when none exists or it fails validation, then syncs with peers.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	s.state = Initializing
	loaded, err := s.store.Load()
	switch {
	case err == nil && loaded.Validate() == nil:
		s.chain = loaded
		s.logger.Info().Int("height", len(loaded)).Msg("loaded chain")
	default:
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Msg("chain file unreadable, starting from genesis")
		} else if err == nil {
			s.logger.Warn().Msg("persisted chain is invalid, starting from genesis")
		}
		s.chain = NewChain()
		if err := s.store.Save(s.chain); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("persist genesis chain: %w", err)
		}
	}
	s.mu.Unlock()

	if err := s.SyncWithNetwork(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial sync incomplete")
	}

	s.mu.Lock()
	s.state = Synced
	s.mu.Unlock()
	return nil
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Blocks() Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.clone()
}

func (s *Service) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chain)
}

func (s *Service) Pending() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Service) isDuplicateLocked(chunkHash string) bool {
	for _, tx := range s.pending {
		if tx.ChunkHash == chunkHash {
			return true
		}
	}
	return s.chain.HasChunk(chunkHash)
}

// AddTransaction pools tx unless its chunk hash is already pending or
// chained. Reaching the block size mines a block.
func (s *Service) AddTransaction(ctx context.Context, tx Transaction) error {
	s.mu.Lock()
	if s.isDuplicateLocked(tx.ChunkHash) {
		s.mu.Unlock()
		s.logger.Debug().Str("chunk", tx.ChunkHash).Msg("duplicate transaction ignored")
		return core.ErrDuplicateTransaction
	}
	s.pending = append(s.pending, tx)
	block, err := s.mineLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if block != nil {
		s.broadcastBlock(ctx, *block)
	}
	return nil
}

// CreateBlockFromPending drains the pool into a block on the tip. It returns
// nil without error when the pool holds fewer than block size entries.
func (s *Service) CreateBlockFromPending(ctx context.Context) (*Block, error) {
	s.mu.Lock()
	block, err := s.mineLocked()
	s.mu.Unlock()

	if err != nil || block == nil {
		return nil, err
	}
	s.broadcastBlock(ctx, *block)
	return block, nil
}

func (s *Service) mineLocked() (*Block, error) {
	if len(s.pending) < s.cfg.BlockSize {
		return nil, nil
	}
	txs := s.pending
	block := NewBlock(s.chain.Tip(), txs, time.Now())
	next := append(s.chain.clone(), block)
	if err := s.store.Save(next); err != nil {
		return nil, fmt.Errorf("persist block %d: %w", block.Index, err)
	}
	s.chain = next
	s.pending = nil
	s.logger.Info().Int("index", block.Index).Str("hash", block.BlockHash).Int("txs", len(txs)).Msg("created block")
	return &block, nil
}

func (s *Service) broadcastBlock(ctx context.Context, block Block) {
	peers, err := s.dir.OnlineNodes(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("block broadcast skipped, directory unavailable")
		return
	}
	data, err := json.Marshal(block)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode block")
		return
	}
	for _, p := range peers {
		if err := s.msg.SendMessage(ctx, p, PrefixNewBlock, string(data)); err != nil {
			s.logger.Warn().Err(err).Str("peer", p.String()).Msg("send block failed")
		}
	}
}

// ProcessNewBlock appends a block received from sender when it extends the
// local tip directly.
func (s *Service) ProcessNewBlock(block Block, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.chain.Tip()
	if block.Index != tip.Index+1 {
		s.logger.Debug().Int("index", block.Index).Int("tip", tip.Index).Str("sender", sender).Msg("ignoring block not on tip")
		return fmt.Errorf("%w: index %d, expected %d", core.ErrInvalidBlock, block.Index, tip.Index+1)
	}
	if block.PreviousHash != tip.BlockHash {
		s.logger.Warn().Int("index", block.Index).Str("sender", sender).Msg("block does not link to tip")
		return fmt.Errorf("%w: previous hash mismatch", core.ErrInvalidBlock)
	}
	if err := block.Verify(); err != nil {
		s.logger.Warn().Err(err).Str("sender", sender).Msg("invalid block")
		return fmt.Errorf("%w: %v", core.ErrInvalidBlock, err)
	}

	next := append(s.chain.clone(), block)
	if err := s.store.Save(next); err != nil {
		return fmt.Errorf("persist block %d: %w", block.Index, err)
	}
	s.chain = next
	s.prunePendingLocked()
	s.logger.Info().Int("index", block.Index).Str("sender", sender).Msg("accepted block")
	return nil
}

// UpdateBlockchain replaces the local chain with a strictly longer valid one.
func (s *Service) UpdateBlockchain(candidate Chain) error {
	if err := candidate.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(candidate) <= len(s.chain) {
		return fmt.Errorf("%w: %d <= %d", core.ErrChainNotLonger, len(candidate), len(s.chain))
	}
	if candidate[0].BlockHash != s.chain[0].BlockHash {
		return fmt.Errorf("%w: different genesis", core.ErrInvalidChain)
	}
	if err := s.store.Save(candidate); err != nil {
		return fmt.Errorf("persist chain: %w", err)
	}
	s.chain = candidate.clone()
	s.prunePendingLocked()
	s.logger.Info().Int("height", len(candidate)).Msg("replaced chain from network")
	return nil
}

func (s *Service) prunePendingLocked() {
	kept := s.pending[:0]
	for _, tx := range s.pending {
		if !s.chain.HasChunk(tx.ChunkHash) {
			kept = append(kept, tx)
		}
	}
	s.pending = kept
}

// SyncWithNetwork asks every online peer for its chain. Replies arrive
// asynchronously as TAKEBC messages.
func (s *Service) SyncWithNetwork(ctx context.Context) error {
	peers, err := s.dir.OnlineNodes(ctx)
	if err != nil {
		return fmt.Errorf("list online nodes: %w", err)
	}
	if len(peers) == 0 {
		return nil
	}
	if err := s.msg.PunchPeers(ctx, peers); err != nil {
		s.logger.Warn().Err(err).Msg("punch before sync failed")
	}
	for _, p := range peers {
		if err := s.msg.SendMessage(ctx, p, PrefixDownloadChain, ""); err != nil {
			s.logger.Warn().Err(err).Str("peer", p.String()).Msg("chain request failed")
		}
	}
	return nil
}

// Register routes the chain sync and propagation prefixes to the service.
func (s *Service) Register(tr *transport.Transport) {
	tr.HandleText(PrefixDownloadChain, s.HandleDownloadChain)
	tr.HandleText(PrefixTakeChain, s.HandleTakeChain)
	tr.HandleText(PrefixAddTransaction, s.HandleAddTransaction)
	tr.HandleText(PrefixNewBlock, s.HandleNewBlock)
}

func (s *Service) HandleDownloadChain(ctx context.Context, _ string, from net.Addr) {
	data, err := json.Marshal(s.Blocks())
	if err != nil {
		s.logger.Error().Err(err).Msg("encode chain")
		return
	}
	if err := s.msg.SendMessage(ctx, core.PeerFromAddr(from), PrefixTakeChain, string(data)); err != nil {
		s.logger.Warn().Err(err).Str("from", from.String()).Msg("send chain failed")
	}
}

func (s *Service) HandleTakeChain(_ context.Context, payload string, from net.Addr) {
	var c Chain
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		s.logger.Warn().Err(err).Str("from", from.String()).Msg("undecodable chain")
		return
	}
	if err := s.UpdateBlockchain(c); err != nil {
		s.logger.Debug().Err(err).Str("from", from.String()).Msg("chain not adopted")
	}
}

func (s *Service) HandleAddTransaction(ctx context.Context, payload string, from net.Addr) {
	var tx Transaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		s.logger.Warn().Err(err).Str("from", from.String()).Msg("undecodable transaction")
		return
	}
	if tx.TransactionType != TxStorage || tx.ChunkHash == "" {
		s.logger.Warn().Str("type", tx.TransactionType).Str("from", from.String()).Msg("unsupported transaction")
		return
	}
	if err := s.AddTransaction(ctx, tx); err != nil && !errors.Is(err, core.ErrDuplicateTransaction) {
		s.logger.Error().Err(err).Msg("add transaction")
	}
}

func (s *Service) HandleNewBlock(_ context.Context, payload string, from net.Addr) {
	var b Block
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		s.logger.Warn().Err(err).Str("from", from.String()).Msg("undecodable block")
		return
	}
	_ = s.ProcessNewBlock(b, from.String())
}

// SelectBestNode picks a uniformly random online peer.
func (s *Service) SelectBestNode(ctx context.Context) (core.Peer, error) {
	peers, err := s.candidates(ctx)
	if err != nil {
		return core.Peer{}, err
	}
	return peers[rand.Intn(len(peers))], nil
}

// SelectNode picks an online peer for key using the configured placement.
func (s *Service) SelectNode(ctx context.Context, key string) (core.Peer, error) {
	peers, err := s.candidates(ctx)
	if err != nil {
		return core.Peer{}, err
	}
	p, ok := s.cfg.Placement.Select(peers, key)
	if !ok {
		return core.Peer{}, core.ErrNoPeers
	}
	return p, nil
}

func (s *Service) candidates(ctx context.Context) ([]core.Peer, error) {
	peers, err := s.dir.OnlineNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list online nodes: %w", err)
	}
	out := peers[:0:0]
	for _, p := range peers {
		if p.Address != s.cfg.NodeID {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, core.ErrNoPeers
	}
	return out, nil
}

// FindHolder resolves the node holding a shard, checking the chain first and
// then the pending pool.
func (s *Service) FindHolder(chunkHash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.chain.FindHolder(chunkHash); ok {
		return node, true
	}
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i].ChunkHash == chunkHash {
			return s.pending[i].NodeId, true
		}
	}
	return "", false
}

// OnlinePeers exposes the directory view used for fan-out.
func (s *Service) OnlinePeers(ctx context.Context) ([]core.Peer, error) {
	return s.dir.OnlineNodes(ctx)
}
