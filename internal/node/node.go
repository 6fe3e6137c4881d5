package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/crypt"
	"github.com/lestonEth/dnstore/internal/directory"
	"github.com/lestonEth/dnstore/internal/identity"
	"github.com/lestonEth/dnstore/internal/ledger"
	"github.com/lestonEth/dnstore/internal/p2p"
	"github.com/lestonEth/dnstore/internal/shard"
	"github.com/lestonEth/dnstore/internal/storage"
	"github.com/lestonEth/dnstore/internal/transport"
)

const storageReportInterval = 5 * time.Minute

// Directory is the presence service a node announces itself to.
type Directory interface {
	OnlineNodes(ctx context.Context) ([]core.Peer, error)
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
}

// Node wires every service of one storage client and owns their lifecycle.
type Node struct {
	*core.BaseNode

	cancel context.CancelFunc
	wg     sync.WaitGroup
	cfg    Config
	logger zerolog.Logger

	identity  identity.Identity
	transport *transport.Transport
	protocol  *p2p.Protocol
	directory Directory
	ledger    *ledger.Service
	layout    storage.Layout
	store     *storage.ShardStore
	index     *storage.FileIndex
	shards    *shard.Orchestrator
	api       *API
	server    *http.Server
	listener  net.Listener
}

func NewNode(parentCtx context.Context, cfg Config, logger zerolog.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(parentCtx)
	n, err := build(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	n.cancel = cancel
	return n, nil
}

func build(ctx context.Context, cfg Config, logger zerolog.Logger) (*Node, error) {
	layout := storage.NewLayout(cfg.Node.DataDir)
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}

	id, err := identity.LoadOrCreate(cfg.Node.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	address := cfg.Node.Address
	if address == "" {
		address = id.Address()
	}
	logger = logger.With().Str("node", address).Logger()

	cipher, err := crypt.LoadOrCreateKeyFile(cfg.Node.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}

	trCfg := transport.Config{
		ClientID:          address,
		KeepAliveInterval: cfg.Network.KeepAliveInterval,
		ReassemblyTimeout: cfg.Network.ReassemblyTimeout,
		TOS:               cfg.Network.TOS,
	}
	if cfg.Network.RendezvousAddr != "" {
		rv, err := transport.ResolveAddr(cfg.Network.RendezvousAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid rendezvous address %s: %w", cfg.Network.RendezvousAddr, err)
		}
		trCfg.Rendezvous = rv
	}
	tr, err := transport.Listen(cfg.Network.ListenAddr, trCfg, logger)
	if err != nil {
		return nil, err
	}

	proto := p2p.NewProtocol(tr, protocolConfig(cfg.Protocol), logger)

	var dir Directory
	if cfg.Directory.BaseURL != "" {
		dir = directory.NewClient(cfg.Directory.BaseURL, address, cfg.Directory.Timeout)
	} else {
		dir = directory.Static{Self: address, Peers: cfg.Directory.StaticPeers}
	}

	ledgerSvc := ledger.NewService(ledger.Config{
		NodeID:    address,
		BlockSize: cfg.Ledger.BlockSize,
		Placement: ledger.PlacementByName(cfg.Ledger.Placement),
	}, ledger.NewFileStore(filepath.Join(layout.State, "blockchain.json")), proto, dir, logger)

	store, err := storage.NewShardStore(layout, storage.Config{
		MaxCapacityGB:   cfg.Storage.MaxCapacityGB,
		ReservedSpaceGB: cfg.Storage.ReservedSpaceGB,
	}, logger)
	if err != nil {
		tr.Stop()
		return nil, err
	}
	index, err := storage.OpenFileIndex(filepath.Join(layout.State, "filestate.json"))
	if err != nil {
		tr.Stop()
		return nil, err
	}

	orch := shard.NewOrchestrator(ctx, shard.Config{
		NodeID:          address,
		ChunkSize:       cfg.Shard.ChunkSize,
		RequestInterval: cfg.Shard.RequestInterval,
		DownloadTimeout: cfg.Shard.DownloadTimeout,
	}, ledgerSvc, proto, cipher, store, index, layout, logger)

	ledgerSvc.Register(tr)
	orch.Register(tr)

	n := &Node{
		BaseNode:  core.NewBaseNode(ctx, address),
		cfg:       cfg,
		logger:    logger.With().Str("component", "node").Logger(),
		identity:  id,
		transport: tr,
		protocol:  proto,
		directory: dir,
		ledger:    ledgerSvc,
		layout:    layout,
		store:     store,
		index:     index,
		shards:    orch,
	}
	n.api = NewAPI(n, logger)
	return n, nil
}

func protocolConfig(c ProtocolConfig) p2p.Config {
	cfg := p2p.DefaultConfig()
	if c.MaxPayload > 0 {
		cfg.MaxPayload = c.MaxPayload
	}
	if c.WindowSize > 0 {
		cfg.WindowSize = c.WindowSize
	}
	if c.PollInterval > 0 {
		cfg.PollInterval = c.PollInterval
	}
	if c.RetryInterval > 0 {
		cfg.RetryInterval = c.RetryInterval
	}
	if c.TransferTimeout > 0 {
		cfg.TransferTimeout = c.TransferTimeout
	}
	if c.ReadinessTimeout > 0 {
		cfg.ReadinessTimeout = c.ReadinessTimeout
	}
	if c.ReadinessAttempts > 0 {
		cfg.ReadinessAttempts = c.ReadinessAttempts
	}
	if c.ReadinessGap > 0 {
		cfg.ReadinessGap = c.ReadinessGap
	}
	if c.PunchDelay > 0 {
		cfg.PunchDelay = c.PunchDelay
	}
	return cfg
}

// Start brings the node online: transport loops, directory presence, chain
// sync, control API and the storage monitor.
func (n *Node) Start() error {
	n.transport.Start(n.Ctx)
	listening := n.logger.Info().Str("udp", n.transport.LocalAddr().String())
	if ma, err := n.transport.LocalMultiaddr(); err == nil {
		listening = listening.Str("multiaddr", ma.String())
	}
	listening.Msg("transport listening")

	if err := n.directory.GoOnline(n.Ctx); err != nil {
		n.logger.Warn().Err(err).Msg("could not announce presence")
	}
	if err := n.ledger.Initialize(n.Ctx); err != nil {
		n.logger.Warn().Err(err).Msg("ledger sync incomplete")
	}

	if n.cfg.API.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.API.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen api %s: %w", n.cfg.API.ListenAddr, err)
		}
		n.listener = ln
		n.server = &http.Server{Handler: n.api.Router(), ReadHeaderTimeout: 10 * time.Second}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Msg("api server stopped")
			}
		}()
		n.logger.Info().Str("addr", ln.Addr().String()).Msg("control api listening")
	}

	n.wg.Add(1)
	go n.monitorStorage()
	return nil
}

func (n *Node) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.directory.GoOffline(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("could not withdraw presence")
	}
	if n.server != nil {
		n.server.Shutdown(ctx)
	}
	n.cancel()
	n.wg.Wait()
	n.transport.Stop()
	n.logger.Info().Dur("uptime", n.Uptime()).Msg("node stopped")
}

// APIAddr is the bound control API address, or nil before Start.
func (n *Node) APIAddr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

func (n *Node) monitorStorage() {
	defer n.wg.Done()

	ticker := time.NewTicker(storageReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			root, err := n.store.MerkleRoot()
			if err != nil {
				n.logger.Warn().Err(err).Msg("storage merkle root")
			}
			n.logger.Info().Fields(n.store.Stats()).Str("merkleRoot", root).
				Int("height", n.ledger.Height()).Msg("storage report")
		case <-n.Ctx.Done():
			return
		}
	}
}

// NewLogger builds the root logger from the log section.
func NewLogger(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
