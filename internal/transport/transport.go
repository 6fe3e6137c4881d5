package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

const (
	PrefixKeepAlive  = "KEEPALIVE"
	PrefixPunchPeers = "PUNCHPEERS"
	PrefixPunchPeer  = "PUNCHPEER"
	PrefixPunch      = "PUNCH"
	PrefixReady      = "READY?"
	PrefixReadyAck   = "READY_ACK"
	PrefixAck        = "ACK"

	maxDatagram = 64 * 1024
	punchCount  = 3
)

type Config struct {
	ClientID          string
	Rendezvous        net.Addr
	KeepAliveInterval time.Duration
	ReassemblyTimeout time.Duration
	TOS               int
}

func (c *Config) setDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 20 * time.Second
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = 300 * time.Second
	}
}

type TextHandler func(ctx context.Context, payload string, from net.Addr)
type BinaryHandler func(ctx context.Context, data []byte, from net.Addr)

type Stats struct {
	DatagramsIn  uint64 `json:"datagramsIn"`
	DatagramsOut uint64 `json:"datagramsOut"`
	Reassembled  uint64 `json:"reassembled"`
	Swept        uint64 `json:"swept"`
	Pending      int    `json:"pendingReassemblies"`
}

// Transport owns one UDP socket. The receive loop is its only reader;
// sends may come from any goroutine.
type Transport struct {
	conn   net.PacketConn
	cfg    Config
	logger zerolog.Logger
	reasm  *reassembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	acks   map[string]chan int
	ready  map[string]chan struct{}
	text   map[string]TextHandler
	binary map[string]BinaryHandler

	in, out, reassembled, swept atomic.Uint64
}

// Listen opens a UDP socket on a multiaddr such as /ip4/0.0.0.0/udp/9000.
func Listen(listenAddr string, cfg Config, logger zerolog.Logger) (*Transport, error) {
	maddr, err := multiaddr.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", listenAddr, err)
	}
	network, host, err := manet.DialArgs(maddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", listenAddr, err)
	}
	if !strings.HasPrefix(network, "udp") {
		return nil, fmt.Errorf("listen address %s is not udp", listenAddr)
	}
	udpAddr, err := net.ResolveUDPAddr(network, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	if cfg.TOS > 0 {
		if err := ipv4.NewConn(conn).SetTOS(cfg.TOS); err != nil {
			logger.Warn().Err(err).Int("tos", cfg.TOS).Msg("could not set TOS")
		}
	}
	return New(conn, cfg, logger), nil
}

// LocalMultiaddr is the bound socket address in multiaddr form.
func (t *Transport) LocalMultiaddr() (multiaddr.Multiaddr, error) {
	return manet.FromNetAddr(t.conn.LocalAddr())
}

func New(conn net.PacketConn, cfg Config, logger zerolog.Logger) *Transport {
	cfg.setDefaults()
	return &Transport{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "transport").Logger(),
		reasm:  newReassembler(),
		acks:   make(map[string]chan int),
		ready:  make(map[string]chan struct{}),
		text:   make(map[string]TextHandler),
		binary: make(map[string]BinaryHandler),
	}
}

// ResolveAddr turns a /ip4/.../udp/... multiaddr into a net.Addr.
func ResolveAddr(addr string) (net.Addr, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return manet.ToNetAddr(maddr)
}

func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *Transport) Rendezvous() net.Addr {
	return t.cfg.Rendezvous
}

// Start launches the receive loop, the keep-alive pinger (when a rendezvous
// server is configured) and the stale reassembly sweep.
func (t *Transport) Start(parent context.Context) {
	t.ctx, t.cancel = context.WithCancel(parent)

	t.wg.Add(2)
	go t.receiveLoop()
	go t.sweepLoop()
	if t.cfg.Rendezvous != nil {
		t.wg.Add(1)
		go t.keepAliveLoop()
	}
}

// Stop ends every loop and releases the socket.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.conn.Close()
	t.wg.Wait()
}

func (t *Transport) Send(b []byte, to net.Addr) error {
	if _, err := t.conn.WriteTo(b, to); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	t.out.Add(1)
	return nil
}

func (t *Transport) sendText(to net.Addr, parts ...string) {
	if err := t.Send([]byte(strings.Join(parts, "|")), to); err != nil {
		t.logger.Debug().Err(err).Msg("control send failed")
	}
}

func (t *Transport) Stats() Stats {
	return Stats{
		DatagramsIn:  t.in.Load(),
		DatagramsOut: t.out.Load(),
		Reassembled:  t.reassembled.Load(),
		Swept:        t.swept.Load(),
		Pending:      t.reasm.active(),
	}
}

// RegisterAckListener returns a channel receiving the chunk indexes acked
// for id. The last registration for an id wins.
func (t *Transport) RegisterAckListener(id string, capacity int) <-chan int {
	ch := make(chan int, capacity)
	t.mu.Lock()
	t.acks[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) UnregisterAckListener(id string) {
	t.mu.Lock()
	delete(t.acks, id)
	t.mu.Unlock()
}

// RegisterReadinessListener returns a channel that fires once when the
// matching READY_ACK arrives.
func (t *Transport) RegisterReadinessListener(id string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.ready[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) UnregisterReadinessListener(id string) {
	t.mu.Lock()
	delete(t.ready, id)
	t.mu.Unlock()
}

// HandleText routes fully received PREFIX|payload messages to h.
func (t *Transport) HandleText(prefix string, h TextHandler) {
	t.mu.Lock()
	t.text[prefix] = h
	t.mu.Unlock()
}

// HandleBinary routes messages for prefix as raw bytes.
func (t *Transport) HandleBinary(prefix string, h BinaryHandler) {
	t.mu.Lock()
	t.binary[prefix] = h
	t.mu.Unlock()
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn().Err(err).Msg("receive failed")
			continue
		}
		t.in.Add(1)
		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(data, from)
	}
}

func (t *Transport) dispatch(data []byte, from net.Addr) {
	if h, payload, ok := parseChunk(data); ok {
		t.sendText(from, PrefixAck, h.id, strconv.Itoa(h.index))
		prefix, msg, complete := t.reasm.add(h, payload)
		if complete {
			t.reassembled.Add(1)
			t.route(prefix, msg, from)
		}
		return
	}

	prefix, payload := data, []byte(nil)
	if i := bytes.IndexByte(data, '|'); i >= 0 {
		prefix, payload = data[:i], data[i+1:]
	}
	t.route(string(prefix), payload, from)
}

func (t *Transport) route(prefix string, payload []byte, from net.Addr) {
	t.mu.RLock()
	bh, isBinary := t.binary[prefix]
	t.mu.RUnlock()
	if isBinary {
		t.goHandle(func(ctx context.Context) { bh(ctx, payload, from) })
		return
	}
	t.handleText(prefix, string(payload), from)
}

func (t *Transport) handleText(prefix, payload string, from net.Addr) {
	switch prefix {
	case PrefixReady:
		t.sendText(from, PrefixReadyAck, payload)
		return
	case PrefixReadyAck:
		t.mu.RLock()
		ch := t.ready[payload]
		t.mu.RUnlock()
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		return
	case PrefixAck:
		t.handleAck(payload)
		return
	case PrefixPunchPeer:
		t.punch(payload)
		return
	case PrefixPunch:
		t.logger.Debug().Str("from", from.String()).Msg("punch received")
		return
	}

	t.mu.RLock()
	h := t.text[prefix]
	t.mu.RUnlock()
	if h == nil {
		t.logger.Debug().Str("prefix", prefix).Str("from", from.String()).Msg("unknown message prefix")
		return
	}
	t.goHandle(func(ctx context.Context) { h(ctx, payload, from) })
}

func (t *Transport) handleAck(payload string) {
	id, idx, ok := strings.Cut(payload, "|")
	if !ok {
		return
	}
	index, err := strconv.Atoi(idx)
	if err != nil {
		return
	}
	t.mu.RLock()
	ch := t.acks[id]
	t.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- index:
	default:
		t.logger.Debug().Str("id", id).Int("index", index).Msg("ack listener full")
	}
}

func (t *Transport) punch(payload string) {
	ip, port, ok := strings.Cut(payload, "|")
	if !ok {
		return
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return
	}
	target := &net.UDPAddr{IP: net.ParseIP(ip), Port: p}
	if target.IP == nil {
		return
	}
	for i := 0; i < punchCount; i++ {
		t.sendText(target, PrefixPunch)
	}
}

func (t *Transport) goHandle(fn func(ctx context.Context)) {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(ctx)
	}()
}

func (t *Transport) keepAliveLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()

	t.keepAlive()
	for {
		select {
		case <-ticker.C:
			t.keepAlive()
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) keepAlive() {
	msg := strings.Join([]string{PrefixKeepAlive, t.cfg.ClientID, time.Now().UTC().Format(time.RFC3339Nano)}, "|")
	if err := t.Send([]byte(msg), t.cfg.Rendezvous); err != nil {
		t.logger.Warn().Err(err).Msg("keep-alive failed")
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.ReassemblyTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := t.reasm.sweep(t.cfg.ReassemblyTimeout); n > 0 {
				t.swept.Add(uint64(n))
				t.logger.Info().Int("dropped", n).Msg("discarded stale partial transfers")
			}
		case <-t.ctx.Done():
			return
		}
	}
}
