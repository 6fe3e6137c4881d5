package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/transport"
)

// Transport is what the protocol needs from the UDP layer.
type Transport interface {
	Send(b []byte, to net.Addr) error
	Rendezvous() net.Addr
	RegisterAckListener(id string, capacity int) <-chan int
	UnregisterAckListener(id string)
	RegisterReadinessListener(id string) <-chan struct{}
	UnregisterReadinessListener(id string)
}

type Config struct {
	MaxPayload        int
	WindowSize        int
	PollInterval      time.Duration
	RetryInterval     time.Duration
	TransferTimeout   time.Duration
	ReadinessAttempts int
	ReadinessGap      time.Duration
	ReadinessTimeout  time.Duration
	PunchDelay        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPayload:        1200,
		WindowSize:        32,
		PollInterval:      100 * time.Millisecond,
		RetryInterval:     time.Second,
		TransferTimeout:   30 * time.Second,
		ReadinessAttempts: 3,
		ReadinessGap:      50 * time.Millisecond,
		ReadinessTimeout:  2 * time.Second,
		PunchDelay:        1500 * time.Millisecond,
	}
}

type Stats struct {
	Datagrams   uint64 `json:"datagrams"`
	Retransmits uint64 `json:"retransmits"`
	Completed   uint64 `json:"completedTransfers"`
	Failed      uint64 `json:"failedTransfers"`
}

// Protocol layers fragmentation, windowed retransmission and the readiness
// handshake over a Transport.
type Protocol struct {
	tr     Transport
	cfg    Config
	logger zerolog.Logger

	datagrams, retransmits, completed, failed atomic.Uint64
}

func NewProtocol(tr Transport, cfg Config, logger zerolog.Logger) *Protocol {
	return &Protocol{
		tr:     tr,
		cfg:    cfg,
		logger: logger.With().Str("component", "p2p").Logger(),
	}
}

func (p *Protocol) Stats() Stats {
	return Stats{
		Datagrams:   p.datagrams.Load(),
		Retransmits: p.retransmits.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
	}
}

func (p *Protocol) SendMessage(ctx context.Context, to core.Peer, prefix, text string) error {
	return p.SendData(ctx, to, prefix, []byte(text))
}

// SendData delivers payload as one datagram when it fits, otherwise through
// the reliable chunked path.
func (p *Protocol) SendData(ctx context.Context, to core.Peer, prefix string, payload []byte) error {
	addr, err := to.UDPAddr()
	if err != nil {
		return err
	}
	return p.sendTo(ctx, addr, prefix, payload)
}

func (p *Protocol) sendTo(ctx context.Context, addr net.Addr, prefix string, payload []byte) error {
	if len(prefix) == 0 || len(prefix) > transport.MaxPrefixLen || strings.ContainsRune(prefix, '|') {
		return fmt.Errorf("%w: %q", core.ErrPrefixTooLong, prefix)
	}
	if len(prefix)+1+len(payload) <= p.cfg.MaxPayload {
		msg := make([]byte, 0, len(prefix)+1+len(payload))
		msg = append(msg, prefix...)
		msg = append(msg, '|')
		msg = append(msg, payload...)
		p.datagrams.Add(1)
		return p.tr.Send(msg, addr)
	}
	if err := p.sendReliable(ctx, addr, prefix, payload); err != nil {
		p.failed.Add(1)
		return err
	}
	p.completed.Add(1)
	return nil
}

// sendReliable pushes payload as CHUNKED datagrams with at most WindowSize
// unacknowledged chunks in flight.
func (p *Protocol) sendReliable(ctx context.Context, addr net.Addr, prefix string, payload []byte) error {
	chunks := split(payload, p.cfg.MaxPayload)
	total := len(chunks)
	id, err := randomID()
	if err != nil {
		return err
	}

	acks := p.tr.RegisterAckListener(id, total+p.cfg.WindowSize)
	defer p.tr.UnregisterAckListener(id)

	log := p.logger.With().Str("id", id).Str("prefix", prefix).Int("chunks", total).Logger()
	log.Debug().Str("to", addr.String()).Msg("reliable send started")

	acked := make([]bool, total)
	remaining := total
	inFlight := make(map[int]time.Time, p.cfg.WindowSize)
	next := 0

	send := func(i int) {
		p.datagrams.Add(1)
		if err := p.tr.Send(transport.EncodeChunk(id, i, total, prefix, chunks[i]), addr); err != nil {
			log.Debug().Err(err).Int("index", i).Msg("chunk send failed")
		}
		inFlight[i] = time.Now()
	}
	fill := func() {
		for len(inFlight) < p.cfg.WindowSize && next < total {
			if !acked[next] {
				send(next)
			}
			next++
		}
	}
	resend := func() {
		now := time.Now()
		for i, sent := range inFlight {
			if now.Sub(sent) >= p.cfg.RetryInterval {
				p.retransmits.Add(1)
				send(i)
			}
		}
	}

	deadline := time.NewTimer(p.cfg.TransferTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	fill()
	for {
		select {
		case i := <-acks:
			if i < 0 || i >= total || acked[i] {
				continue
			}
			acked[i] = true
			delete(inFlight, i)
			remaining--
			if remaining == 0 {
				log.Debug().Msg("reliable send complete")
				return nil
			}
			fill()
		case <-ticker.C:
			fill()
			resend()
		case <-deadline.C:
			log.Warn().Int("acked", total-remaining).Msg("reliable send timed out")
			return fmt.Errorf("%w: %d of %d chunks acknowledged", core.ErrTransferTimeout, total-remaining, total)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CheckReadiness confirms that peer answers READY? before a bulk transfer.
func (p *Protocol) CheckReadiness(ctx context.Context, peer core.Peer) error {
	addr, err := peer.UDPAddr()
	if err != nil {
		return err
	}
	id, err := randomID()
	if err != nil {
		return err
	}
	ready := p.tr.RegisterReadinessListener(id)
	defer p.tr.UnregisterReadinessListener(id)

	probe := []byte(transport.PrefixReady + "|" + id)
	for i := 0; i < p.cfg.ReadinessAttempts; i++ {
		if err := p.tr.Send(probe, addr); err != nil {
			p.logger.Debug().Err(err).Str("peer", peer.String()).Msg("readiness probe failed")
		}
		if i < p.cfg.ReadinessAttempts-1 {
			if err := sleep(ctx, p.cfg.ReadinessGap); err != nil {
				return err
			}
		}
	}

	timer := time.NewTimer(p.cfg.ReadinessTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", core.ErrPeerNotReady, peer)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PunchPeers hands the candidate set to the rendezvous server and gives the
// resulting punches time to land.
func (p *Protocol) PunchPeers(ctx context.Context, peers []core.Peer) error {
	rv := p.tr.Rendezvous()
	if rv == nil || len(peers) == 0 {
		return nil
	}
	data, err := json.Marshal(peers)
	if err != nil {
		return fmt.Errorf("encode peers: %w", err)
	}
	if err := p.sendTo(ctx, rv, transport.PrefixPunchPeers, data); err != nil {
		return fmt.Errorf("request punch: %w", err)
	}
	return sleep(ctx, p.cfg.PunchDelay)
}

func split(data []byte, size int) [][]byte {
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
