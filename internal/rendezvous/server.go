package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/transport"
)

const serverID = "rendezvous"

// Server keeps node endpoints fresh from keep-alives, brokers hole punches
// and serves the online-nodes directory.
type Server struct {
	*core.BaseNode

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cfg      Config
	logger   zerolog.Logger
	registry *Registry
	tr       *transport.Transport

	http     *http.Server
	listener net.Listener
}

func NewServer(parentCtx context.Context, cfg Config, logger zerolog.Logger) (*Server, error) {
	tr, err := transport.Listen(cfg.ListenAddr, transport.Config{ClientID: serverID}, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Server{
		BaseNode: core.NewBaseNode(ctx, serverID),
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger.With().Str("component", "rendezvous").Logger(),
		registry: NewRegistry(cfg.NodeTTL),
		tr:       tr,
	}
	tr.HandleText(transport.PrefixKeepAlive, s.handleKeepAlive)
	tr.HandleText(transport.PrefixPunchPeers, s.handlePunchPeers)
	return s, nil
}

func (s *Server) Start() error {
	s.tr.Start(s.ctx)
	s.logger.Info().Str("udp", s.tr.LocalAddr().String()).Msg("rendezvous listening")

	if s.cfg.API.ListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.API.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen api %s: %w", s.cfg.API.ListenAddr, err)
		}
		s.listener = ln
		s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("directory api stopped")
			}
		}()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("directory api listening")
	}

	s.wg.Add(1)
	go s.monitorNodes()
	return nil
}

func (s *Server) Stop() {
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.http.Shutdown(ctx)
		cancel()
	}
	s.cancel()
	s.wg.Wait()
	s.tr.Stop()
}

func (s *Server) UDPAddr() net.Addr {
	return s.tr.LocalAddr()
}

func (s *Server) APIAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) monitorNodes() {
	defer s.wg.Done()

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = s.cfg.NodeTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.registry.Expire(); n > 0 {
				s.logger.Info().Int("expired", n).Int("tracked", s.registry.Len()).Msg("expired silent nodes")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// handleKeepAlive handles "KEEPALIVE|id|timestamp".
func (s *Server) handleKeepAlive(_ context.Context, payload string, from net.Addr) {
	id, _, _ := strings.Cut(payload, "|")
	udp, ok := from.(*net.UDPAddr)
	if id == "" || !ok {
		return
	}
	s.registry.Observe(id, udp)
	s.logger.Debug().Str("node", id).Str("endpoint", udp.String()).Msg("keep-alive")
}

// handlePunchPeers introduces the requester and every listed peer to each
// other so both sides open their NAT mappings.
func (s *Server) handlePunchPeers(_ context.Context, payload string, from net.Addr) {
	requester, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	var peers []core.Peer
	if err := json.Unmarshal([]byte(payload), &peers); err != nil {
		s.logger.Warn().Err(err).Str("from", from.String()).Msg("undecodable punch request")
		return
	}

	for _, p := range peers {
		target, known := s.registry.Endpoint(p.Address)
		if !known {
			addr, err := p.UDPAddr()
			if err != nil {
				s.logger.Debug().Err(err).Str("peer", p.Address).Msg("no endpoint for punch target")
				continue
			}
			target = addr
		}
		s.sendPunch(target, requester)
		s.sendPunch(requester, target)
	}
	s.logger.Debug().Str("from", requester.String()).Int("peers", len(peers)).Msg("punch brokered")
}

func (s *Server) sendPunch(to, endpoint *net.UDPAddr) {
	msg := strings.Join([]string{transport.PrefixPunchPeer, endpoint.IP.String(), strconv.Itoa(endpoint.Port)}, "|")
	if err := s.tr.Send([]byte(msg), to); err != nil {
		s.logger.Debug().Err(err).Str("to", to.String()).Msg("punch send failed")
	}
}
