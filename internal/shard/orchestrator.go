package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/ledger"
	"github.com/lestonEth/dnstore/internal/storage"
	"github.com/lestonEth/dnstore/internal/transport"
)

const (
	PrefixSaveShard     = "SAVESHARD"
	PrefixTakeShard     = "TAKESHARD"
	PrefixDownloadShard = "DOWNLOADSHARD"
)

// Ledger is the part of the ledger service the orchestrator drives.
type Ledger interface {
	SelectNode(ctx context.Context, key string) (core.Peer, error)
	AddTransaction(ctx context.Context, tx ledger.Transaction) error
	FindHolder(chunkHash string) (string, bool)
	OnlinePeers(ctx context.Context) ([]core.Peer, error)
}

type Sender interface {
	SendMessage(ctx context.Context, to core.Peer, prefix, text string) error
	SendData(ctx context.Context, to core.Peer, prefix string, data []byte) error
	CheckReadiness(ctx context.Context, peer core.Peer) error
	PunchPeers(ctx context.Context, peers []core.Peer) error
}

// Cipher is the symmetric transform applied to every shard.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

type Config struct {
	NodeID          string
	ChunkSize       int
	RequestInterval time.Duration
	DownloadTimeout time.Duration
}

// Manifest is the ordered shard list of one uploaded file.
type Manifest struct {
	FileName string   `json:"fileName"`
	FileHash string   `json:"fileHash"`
	Shards   []string `json:"shards"`
}

// Orchestrator splits, encrypts and places files on peers, and drives
// downloads back into whole files.
type Orchestrator struct {
	ctx    context.Context
	cfg    Config
	ledger Ledger
	sender Sender
	cipher Cipher
	store  *storage.ShardStore
	index  *storage.FileIndex
	layout storage.Layout
	logger zerolog.Logger

	mu       sync.Mutex
	ops      map[string]*Operation
	building map[*Operation]struct{}
}

func NewOrchestrator(ctx context.Context, cfg Config, l Ledger, s Sender, c Cipher,
	store *storage.ShardStore, index *storage.FileIndex, layout storage.Layout, logger zerolog.Logger) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 * 1024
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		ctx:      ctx,
		cfg:      cfg,
		ledger:   l,
		sender:   s,
		cipher:   c,
		store:    store,
		index:    index,
		layout:   layout,
		logger:   logger.With().Str("component", "shard").Logger(),
		ops:      make(map[string]*Operation),
		building: make(map[*Operation]struct{}),
	}
}

// Register routes the shard prefixes to the orchestrator.
func (o *Orchestrator) Register(tr *transport.Transport) {
	tr.HandleBinary(PrefixSaveShard, o.HandleSaveShard)
	tr.HandleBinary(PrefixTakeShard, o.HandleTakeShard)
	tr.HandleText(PrefixDownloadShard, o.HandleDownloadShard)
}

// Upload places every chunk of the file at path on a peer and writes the
// manifest. Any failed chunk aborts the upload.
func (o *Orchestrator) Upload(ctx context.Context, path string) (Manifest, error) {
	rec, err := storage.Describe(path)
	if err != nil {
		return Manifest{}, err
	}
	log := o.logger.With().Str("file", rec.Name).Logger()

	dir, err := os.MkdirTemp(o.layout.Uploads, "upload-")
	if err != nil {
		return Manifest{}, fmt.Errorf("create upload queue: %w", err)
	}
	defer os.RemoveAll(dir)

	fileHash, parts, err := storage.SplitFile(path, dir, o.cfg.ChunkSize)
	if err != nil {
		return Manifest{}, err
	}
	log.Info().Int("chunks", len(parts)).Str("hash", fileHash).Msg("upload started")

	hashes := make([]string, 0, len(parts))
	for i, part := range parts {
		hash, err := o.uploadPart(ctx, fmt.Sprintf("%s:%d", fileHash, i), part)
		if err != nil {
			log.Warn().Err(err).Int("chunk", i).Msg("upload aborted")
			return Manifest{}, fmt.Errorf("upload chunk %d of %s: %w", i+1, rec.Name, err)
		}
		hashes = append(hashes, hash)
	}

	if err := storage.WriteManifest(o.layout.Uploads, fileHash, hashes); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	rec.SHA256 = fileHash
	if err := o.index.Put(rec); err != nil {
		return Manifest{}, fmt.Errorf("update file index: %w", err)
	}
	log.Info().Int("shards", len(hashes)).Msg("upload complete")
	return Manifest{FileName: rec.Name, FileHash: fileHash, Shards: hashes}, nil
}

func (o *Orchestrator) uploadPart(ctx context.Context, key, part string) (string, error) {
	peer, err := o.ledger.SelectNode(ctx, key)
	if err != nil {
		return "", err
	}
	if err := o.sender.PunchPeers(ctx, []core.Peer{peer}); err != nil {
		o.logger.Debug().Err(err).Str("peer", peer.String()).Msg("punch failed")
	}
	if err := o.sender.CheckReadiness(ctx, peer); err != nil {
		return "", err
	}

	data, err := os.ReadFile(part)
	if err != nil {
		return "", err
	}
	enc, err := o.cipher.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	hash := storage.HashBytes(enc)
	if err := o.sender.SendData(ctx, peer, PrefixSaveShard, enc); err != nil {
		return "", err
	}
	os.Remove(part)
	o.logger.Debug().Str("shard", hash).Str("peer", peer.String()).Msg("shard placed")
	return hash, nil
}

// Download starts fetching the shards of a previously uploaded file. The
// returned operation completes once the file is rebuilt or fails.
func (o *Orchestrator) Download(name string) (*Operation, error) {
	rec, err := o.index.Lookup(name)
	if err != nil {
		return nil, err
	}
	hashes, err := storage.ReadManifest(o.layout.Uploads, rec.SHA256)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if _, busy := o.ops[rec.Name]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrDownloadInProgress, rec.Name)
	}
	op := newOperation(rec.Name, hashes)
	o.ops[rec.Name] = op
	o.mu.Unlock()

	o.logger.Info().Str("file", rec.Name).Int("shards", len(hashes)).Msg("download started")
	if len(hashes) == 0 {
		o.complete(op)
		return op, nil
	}
	go o.fetch(op)
	return op, nil
}

// Operation returns the in-flight download for name, if any.
func (o *Orchestrator) Operation(name string) (*Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[name]
	return op, ok
}

func (o *Orchestrator) fetch(op *Operation) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.DownloadTimeout)
	defer cancel()

	sent := 0
	for _, hash := range op.distinct() {
		if op.has(hash) {
			continue
		}
		if sent > 0 && o.cfg.RequestInterval > 0 {
			select {
			case <-time.After(o.cfg.RequestInterval):
			case <-ctx.Done():
			case <-op.Done():
			}
		}
		if ctx.Err() != nil || isDone(op) {
			break
		}
		if err := o.requestShard(ctx, hash); err != nil {
			o.abort(op, err)
			return
		}
		sent++
	}

	select {
	case <-op.Done():
	case <-ctx.Done():
		o.abort(op, fmt.Errorf("%w: download of %s", core.ErrTransferTimeout, op.Name))
	}
}

func (o *Orchestrator) requestShard(ctx context.Context, hash string) error {
	if o.store.Has(hash) {
		data, err := o.store.Retrieve(hash)
		if err == nil {
			o.takeShard(data)
			return nil
		}
	}

	holder, ok := o.ledger.FindHolder(hash)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrHolderNotFound, hash)
	}
	peers, err := o.ledger.OnlinePeers(ctx)
	if err != nil {
		return err
	}
	var target *core.Peer
	for i := range peers {
		if peers[i].Address == holder {
			target = &peers[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: holder %s of %s is offline", core.ErrHolderNotFound, holder, hash)
	}
	if err := o.sender.PunchPeers(ctx, []core.Peer{*target}); err != nil {
		o.logger.Debug().Err(err).Msg("punch failed")
	}
	return o.sender.SendMessage(ctx, *target, PrefixDownloadShard, hash)
}

// HandleTakeShard records a shard returned by its holder.
func (o *Orchestrator) HandleTakeShard(_ context.Context, data []byte, from net.Addr) {
	if len(data) == 0 {
		o.logger.Warn().Str("from", from.String()).Msg("empty shard received")
		return
	}
	o.takeShard(data)
}

func (o *Orchestrator) takeShard(data []byte) {
	hash, path, err := o.store.SaveDownloaded(data)
	if err != nil {
		o.logger.Error().Err(err).Msg("save downloaded shard")
		return
	}

	o.mu.Lock()
	var ready []*Operation
	wanted, referenced := false, o.buildingReferences(hash)
	for _, op := range o.ops {
		if !op.references(hash) {
			continue
		}
		referenced = true
		if op.has(hash) {
			continue
		}
		wanted = true
		if op.record(hash, path) {
			ready = append(ready, op)
		}
	}
	if !referenced {
		os.Remove(path)
	}
	o.mu.Unlock()

	if !wanted {
		o.logger.Debug().Str("shard", hash).Bool("kept", referenced).Msg("unrequested shard")
		return
	}
	for _, op := range ready {
		o.complete(op)
	}
}

// cleanup removes the downloaded shards of a released op that no other
// active or rebuilding download still lists.
func (o *Orchestrator) cleanup(op *Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.building, op)
	var stale []string
	for hash, path := range op.files() {
		shared := o.buildingReferences(hash)
		for _, other := range o.ops {
			if shared {
				break
			}
			shared = other.references(hash)
		}
		if !shared {
			stale = append(stale, path)
		}
	}
	storage.RemoveAll(stale)
}

// buildingReferences reports whether a download being rebuilt lists hash.
// Callers hold o.mu.
func (o *Orchestrator) buildingReferences(hash string) bool {
	for op := range o.building {
		if op.references(hash) {
			return true
		}
	}
	return false
}

func isDone(op *Operation) bool {
	select {
	case <-op.Done():
		return true
	default:
		return false
	}
}

// complete rebuilds the file of op, which must have every shard.
func (o *Orchestrator) complete(op *Operation) {
	if !o.claim(op) {
		return
	}
	defer o.cleanup(op)

	out := filepath.Join(o.layout.Downloads, filepath.Base(op.Name))
	err := o.reconstruct(op, out)
	if err != nil {
		os.Remove(out)
		o.logger.Error().Err(err).Str("file", op.Name).Msg("reconstruction failed")
	} else {
		o.logger.Info().Str("file", op.Name).Str("path", out).Msg("download complete")
	}
	op.finish(out, err)
}

func (o *Orchestrator) reconstruct(op *Operation, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, hash := range op.Shards {
		enc, err := os.ReadFile(op.path(hash))
		if err != nil {
			return err
		}
		plain, err := o.cipher.Decrypt(enc)
		if err != nil {
			if !errors.Is(err, core.ErrDecryptFailed) {
				err = fmt.Errorf("%w: %v", core.ErrDecryptFailed, err)
			}
			return fmt.Errorf("shard %s: %w", hash, err)
		}
		if _, err := f.Write(plain); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (o *Orchestrator) abort(op *Operation, err error) {
	if !o.release(op) {
		return
	}
	o.cleanup(op)
	o.logger.Warn().Err(err).Str("file", op.Name).Msg("download failed")
	op.finish("", err)
}

// claim moves op from the active set to the rebuilding set and reports
// whether the caller now owns finishing it.
func (o *Orchestrator) claim(op *Operation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops[op.Name] != op {
		return false
	}
	delete(o.ops, op.Name)
	o.building[op] = struct{}{}
	return true
}

// release removes op from the active set and reports whether the caller
// now owns finishing it.
func (o *Orchestrator) release(op *Operation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops[op.Name] != op {
		return false
	}
	delete(o.ops, op.Name)
	return true
}

// HandleSaveShard stores a shard sent by an uploader, commits it to the
// ledger and propagates the commitment to every online peer.
func (o *Orchestrator) HandleSaveShard(ctx context.Context, data []byte, from net.Addr) {
	hash, err := o.store.Store(data)
	if err != nil {
		o.logger.Error().Err(err).Str("from", from.String()).Msg("store shard")
		return
	}
	o.logger.Info().Str("shard", hash).Str("from", from.String()).Msg("shard stored")

	tx := ledger.NewStorageTransaction(hash, o.cfg.NodeID)
	if err := o.ledger.AddTransaction(ctx, tx); err != nil {
		if !errors.Is(err, core.ErrDuplicateTransaction) {
			o.logger.Error().Err(err).Str("shard", hash).Msg("commit shard")
		}
		return
	}

	peers, err := o.ledger.OnlinePeers(ctx)
	if err != nil || len(peers) == 0 {
		return
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return
	}
	if err := o.sender.PunchPeers(ctx, peers); err != nil {
		o.logger.Debug().Err(err).Msg("punch failed")
	}
	for _, p := range peers {
		if err := o.sender.SendMessage(ctx, p, ledger.PrefixAddTransaction, string(payload)); err != nil {
			o.logger.Warn().Err(err).Str("peer", p.String()).Msg("propagate transaction")
		}
	}
}

// HandleDownloadShard returns a held shard to the requester.
func (o *Orchestrator) HandleDownloadShard(ctx context.Context, payload string, from net.Addr) {
	hash := strings.ToLower(strings.TrimSpace(payload))
	data, err := o.store.Retrieve(hash)
	if err != nil {
		o.logger.Warn().Err(err).Str("from", from.String()).Msg("shard request refused")
		return
	}
	if err := o.sender.SendData(ctx, core.PeerFromAddr(from), PrefixTakeShard, data); err != nil {
		o.logger.Warn().Err(err).Str("shard", hash).Msg("send shard")
	}
}
