package rendezvous

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/directory"
	"github.com/lestonEth/dnstore/internal/p2p"
	"github.com/lestonEth/dnstore/internal/transport"
)

func TestRegistryOnlineRequiresEndpointAndFreshness(t *testing.T) {
	r := NewRegistry(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	r.SetOnline("a", true)
	if len(r.Online()) != 0 {
		t.Fatal("node without endpoint listed")
	}
	r.Observe("a", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000})
	r.Observe("b", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4001})
	online := r.Online()
	if len(online) != 1 || online[0] != (core.Peer{Address: "a", IP: "10.0.0.1", Port: 4000}) {
		t.Fatalf("online = %+v", online)
	}

	r.SetOnline("a", false)
	if len(r.Online()) != 0 {
		t.Fatal("offline node listed")
	}

	r.SetOnline("b", true)
	now = now.Add(2 * time.Minute)
	if len(r.Online()) != 0 {
		t.Fatal("stale node listed")
	}
	if n := r.Expire(); n != 2 || r.Len() != 0 {
		t.Fatalf("expired %d, %d left", n, r.Len())
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "/ip4/0.0.0.0/udp/7000" || cfg.NodeTTL != time.Minute || cfg.API.ListenAddr != ":8080" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), Config{
		ListenAddr: "/ip4/127.0.0.1/udp/0",
		NodeTTL:    time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestKeepAliveAndDirectory(t *testing.T) {
	s := newTestServer(t)
	api := httptest.NewServer(s.Router())
	defer api.Close()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.New(conn, transport.Config{
		ClientID:          "node-a",
		Rendezvous:        s.UDPAddr(),
		KeepAliveInterval: 50 * time.Millisecond,
	}, zerolog.Nop())
	tr.Start(context.Background())
	defer tr.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		_, ok := s.Registry().Endpoint("node-a")
		return ok
	})

	self := directory.NewClient(api.URL, "node-a", time.Second)
	other := directory.NewClient(api.URL, "node-b", time.Second)
	if err := self.GoOnline(context.Background()); err != nil {
		t.Fatal(err)
	}

	peers, err := other.OnlineNodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	if len(peers) != 1 || peers[0].Address != "node-a" || peers[0].Port != port {
		t.Fatalf("peers = %+v", peers)
	}
	if mine, _ := self.OnlineNodes(context.Background()); len(mine) != 0 {
		t.Fatalf("self listed: %+v", mine)
	}

	if err := self.GoOffline(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peers, _ := other.OnlineNodes(context.Background()); len(peers) != 0 {
		t.Fatalf("offline node listed: %+v", peers)
	}
}

func TestPresenceRequiresAddress(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/OnlineNodes/GoOnline", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPunchPeersIntroducesBothSides(t *testing.T) {
	s := newTestServer(t)

	// b is a bare socket so the test can observe what reaches it.
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	b.WriteTo([]byte("KEEPALIVE|node-b|"+time.Now().UTC().Format(time.RFC3339Nano)), s.UDPAddr())
	waitUntil(t, 2*time.Second, func() bool {
		_, ok := s.Registry().Endpoint("node-b")
		return ok
	})

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := transport.New(conn, transport.Config{ClientID: "node-a", Rendezvous: s.UDPAddr(), KeepAliveInterval: time.Hour}, zerolog.Nop())
	a.Start(context.Background())
	defer a.Stop()

	cfg := p2p.DefaultConfig()
	cfg.PunchDelay = 10 * time.Millisecond
	proto := p2p.NewProtocol(a, cfg, zerolog.Nop())
	// The listed address is deliberately wrong; the registry's endpoint wins.
	target := core.Peer{Address: "node-b", IP: "127.0.0.1", Port: 1}
	if err := proto.PunchPeers(context.Background(), []core.Peer{target}); err != nil {
		t.Fatal(err)
	}

	aPort := strconv.Itoa(conn.LocalAddr().(*net.UDPAddr).Port)
	seen := map[string]bool{}
	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for !(seen["PUNCHPEER"] && seen["PUNCH"]) && time.Now().Before(deadline) {
		b.SetReadDeadline(deadline)
		n, _, err := b.ReadFrom(buf)
		if err != nil {
			break
		}
		msg := string(buf[:n])
		switch {
		case msg == "PUNCHPEER|127.0.0.1|"+aPort:
			seen["PUNCHPEER"] = true
		case strings.HasPrefix(msg, "PUNCH|") || msg == "PUNCH":
			seen["PUNCH"] = true
		}
	}
	if !seen["PUNCHPEER"] {
		t.Fatal("b was not told about a")
	}
	if !seen["PUNCH"] {
		t.Fatal("a never punched towards b")
	}
}
