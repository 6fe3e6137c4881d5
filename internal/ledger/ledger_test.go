package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
)

type memStore struct {
	mu    sync.Mutex
	chain Chain
	saves int
}

func (m *memStore) Load() (Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chain == nil {
		return nil, os.ErrNotExist
	}
	return m.chain.clone(), nil
}

func (m *memStore) Save(c Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = c.clone()
	m.saves++
	return nil
}

type sentMessage struct {
	to     core.Peer
	prefix string
	text   string
}

type recordingMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	punched [][]core.Peer
}

func (r *recordingMessenger) SendMessage(_ context.Context, to core.Peer, prefix, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{to, prefix, text})
	return nil
}

func (r *recordingMessenger) PunchPeers(_ context.Context, peers []core.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.punched = append(r.punched, peers)
	return nil
}

func (r *recordingMessenger) byPrefix(prefix string) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMessage
	for _, m := range r.sent {
		if m.prefix == prefix {
			out = append(out, m)
		}
	}
	return out
}

type staticDirectory []core.Peer

func (d staticDirectory) OnlineNodes(context.Context) ([]core.Peer, error) {
	return append([]core.Peer(nil), d...), nil
}

var testPeers = staticDirectory{
	{Address: "node-a", IP: "127.0.0.1", Port: 4001},
	{Address: "node-b", IP: "127.0.0.1", Port: 4002},
}

func newTestService(t *testing.T) (*Service, *memStore, *recordingMessenger) {
	t.Helper()
	store := &memStore{}
	msg := &recordingMessenger{}
	svc := NewService(Config{NodeID: "self", BlockSize: 3}, store, msg, testPeers, zerolog.Nop())
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return svc, store, msg
}

func tx(hash string) Transaction {
	return NewStorageTransaction(hash, "holder-"+hash)
}

func buildChain(t *testing.T, blocks int) Chain {
	t.Helper()
	c := NewChain()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < blocks; i++ {
		txs := []Transaction{
			tx(fmt.Sprintf("b%d-1", i)),
			tx(fmt.Sprintf("b%d-2", i)),
			tx(fmt.Sprintf("b%d-3", i)),
		}
		c = append(c, NewBlock(c.Tip(), txs, ts.Add(time.Duration(i)*time.Minute)))
	}
	return c
}

func TestGenesisIsDeterministic(t *testing.T) {
	a, b := Genesis(), Genesis()
	if a.BlockHash != b.BlockHash {
		t.Fatalf("genesis hashes differ: %s vs %s", a.BlockHash, b.BlockHash)
	}
	if a.Index != 0 || a.PreviousHash != "0" || len(a.Transactions) != 0 {
		t.Fatalf("unexpected genesis block: %+v", a)
	}
}

func TestMerkleRootPromotesOddNode(t *testing.T) {
	txs := []Transaction{tx("a"), tx("b"), tx("c")}
	h := func(s string) string {
		return sha256Hex(s)
	}
	ab := h(txs[0].Hash() + txs[1].Hash())
	want := h(ab + txs[2].Hash())
	if got := MerkleRoot(txs); got != want {
		t.Fatalf("MerkleRoot = %s, want %s", got, want)
	}
	if got := MerkleRoot(txs[:1]); got != txs[0].Hash() {
		t.Fatalf("single-leaf root = %s, want leaf hash", got)
	}
	if MerkleRoot(nil) != "" {
		t.Fatal("empty root should be empty string")
	}
}

func TestValidChainValidates(t *testing.T) {
	for _, n := range []int{0, 1, 4} {
		if err := buildChain(t, n).Validate(); err != nil {
			t.Fatalf("chain with %d blocks: %v", n, err)
		}
	}
}

func TestMutatingAnyFieldInvalidatesChain(t *testing.T) {
	mutations := map[string]func(c Chain){
		"index":        func(c Chain) { c[2].Index = 7 },
		"timestamp":    func(c Chain) { c[2].Timestamp = c[2].Timestamp.Add(time.Second) },
		"previousHash": func(c Chain) { c[2].PreviousHash = c[0].BlockHash },
		"merkleRoot":   func(c Chain) { c[2].MerkleRoot = "00" },
		"blockHash":    func(c Chain) { c[2].BlockHash = "00" },
		"txChunk":      func(c Chain) { c[1].Transactions[0].ChunkHash = "forged" },
		"txNode":       func(c Chain) { c[1].Transactions[2].NodeId = "forged" },
		"txType":       func(c Chain) { c[3].Transactions[1].TransactionType = "OTHER" },
		"txTime":       func(c Chain) { c[3].Transactions[1].Timestamp = time.Unix(1, 0) },
		"dropTx":       func(c Chain) { c[1].Transactions = c[1].Transactions[:2] },
		"genesis":      func(c Chain) { c[0].PreviousHash = "1" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := deepCopy(t, buildChain(t, 3))
			mutate(c)
			if err := c.Validate(); !errors.Is(err, core.ErrInvalidChain) {
				t.Fatalf("Validate() = %v, want ErrInvalidChain", err)
			}
		})
	}
}

func TestAddTransactionIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.AddTransaction(ctx, tx("x")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := svc.AddTransaction(ctx, tx("x")); !errors.Is(err, core.ErrDuplicateTransaction) {
		t.Fatalf("pending duplicate: got %v", err)
	}
	if len(svc.Pending()) != 1 {
		t.Fatalf("pending = %d, want 1", len(svc.Pending()))
	}

	svc.AddTransaction(ctx, tx("y"))
	svc.AddTransaction(ctx, tx("z"))
	if svc.Height() != 2 {
		t.Fatalf("height = %d, want 2", svc.Height())
	}
	if err := svc.AddTransaction(ctx, tx("y")); !errors.Is(err, core.ErrDuplicateTransaction) {
		t.Fatalf("chained duplicate: got %v", err)
	}
	if len(svc.Pending()) != 0 || svc.Height() != 2 {
		t.Fatalf("duplicate changed state: pending=%d height=%d", len(svc.Pending()), svc.Height())
	}
}

func TestBlockCreatedAtPoolSizeThree(t *testing.T) {
	svc, store, msg := newTestService(t)
	ctx := context.Background()

	svc.AddTransaction(ctx, tx("1"))
	svc.AddTransaction(ctx, tx("2"))
	if svc.Height() != 1 {
		t.Fatal("block created before pool reached three")
	}
	svc.AddTransaction(ctx, tx("3"))

	if n := len(svc.Pending()); n != 0 {
		t.Fatalf("pool not drained: %d", n)
	}
	blocks := svc.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("height = %d, want 2", len(blocks))
	}
	b := blocks[1]
	if b.Index != 1 || b.PreviousHash != blocks[0].BlockHash {
		t.Fatalf("block not chained to tip: %+v", b)
	}
	if b.MerkleRoot != MerkleRoot(b.Transactions) || len(b.Transactions) != 3 {
		t.Fatalf("unexpected block contents: %+v", b)
	}
	if len(store.chain) != 2 {
		t.Fatalf("persisted height = %d", len(store.chain))
	}
	if got := len(msg.byPrefix(PrefixNewBlock)); got != len(testPeers) {
		t.Fatalf("NEWBLOCK sent %d times, want %d", got, len(testPeers))
	}
}

func TestConcurrentAddTransactions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.AddTransaction(ctx, tx(fmt.Sprintf("c%d", i%15)))
		}(i)
	}
	wg.Wait()

	chain := svc.Blocks()
	if err := chain.Validate(); err != nil {
		t.Fatalf("chain invalid after concurrent adds: %v", err)
	}
	seen := map[string]bool{}
	for _, b := range chain {
		for _, tx := range b.Transactions {
			if seen[tx.ChunkHash] {
				t.Fatalf("chunk %s committed twice", tx.ChunkHash)
			}
			seen[tx.ChunkHash] = true
		}
	}
	if len(seen) != 15 || len(chain) != 6 {
		t.Fatalf("committed %d chunks in %d blocks", len(seen), len(chain))
	}
}

func TestProcessNewBlock(t *testing.T) {
	svc, _, _ := newTestService(t)
	remote := buildChain(t, 2)

	if err := svc.ProcessNewBlock(remote[2], "peer"); !errors.Is(err, core.ErrInvalidBlock) {
		t.Fatalf("skipping block accepted: %v", err)
	}
	forged := remote[1]
	forged.MerkleRoot = "ff"
	if err := svc.ProcessNewBlock(forged, "peer"); !errors.Is(err, core.ErrInvalidBlock) {
		t.Fatalf("forged block accepted: %v", err)
	}
	if err := svc.ProcessNewBlock(remote[1], "peer"); err != nil {
		t.Fatalf("valid block rejected: %v", err)
	}
	if err := svc.ProcessNewBlock(remote[2], "peer"); err != nil {
		t.Fatalf("second block rejected: %v", err)
	}
	if svc.Height() != 3 {
		t.Fatalf("height = %d, want 3", svc.Height())
	}
}

func TestProcessNewBlockPrunesPool(t *testing.T) {
	svc, _, _ := newTestService(t)
	remote := buildChain(t, 1)
	svc.AddTransaction(context.Background(), remote[1].Transactions[0])

	if err := svc.ProcessNewBlock(remote[1], "peer"); err != nil {
		t.Fatal(err)
	}
	if n := len(svc.Pending()); n != 0 {
		t.Fatalf("pending = %d after block committed the same chunk", n)
	}
}

func TestUpdateBlockchainRequiresLongerChain(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, h := range []string{"l1", "l2", "l3", "l4", "l5", "l6"} {
		svc.AddTransaction(context.Background(), tx(h))
	}
	if svc.Height() != 3 {
		t.Fatalf("height = %d", svc.Height())
	}

	for _, n := range []int{1, 2} {
		if err := svc.UpdateBlockchain(buildChain(t, n)); !errors.Is(err, core.ErrChainNotLonger) {
			t.Fatalf("candidate of %d blocks: got %v", n+1, err)
		}
	}

	broken := deepCopy(t, buildChain(t, 4))
	broken[3].Transactions[0].NodeId = "liar"
	if err := svc.UpdateBlockchain(broken); !errors.Is(err, core.ErrInvalidChain) {
		t.Fatalf("invalid candidate: got %v", err)
	}

	longer := buildChain(t, 3)
	if err := svc.UpdateBlockchain(longer); err != nil {
		t.Fatalf("longer chain rejected: %v", err)
	}
	if got := svc.Blocks(); got.Tip().BlockHash != longer.Tip().BlockHash {
		t.Fatal("chain not replaced")
	}
}

func TestSyncRequestsChainFromEveryPeer(t *testing.T) {
	_, _, msg := newTestService(t)
	if len(msg.punched) != 1 || len(msg.punched[0]) != len(testPeers) {
		t.Fatalf("punched %v", msg.punched)
	}
	if got := len(msg.byPrefix(PrefixDownloadChain)); got != len(testPeers) {
		t.Fatalf("DOWNLOADBC sent %d times", got)
	}
}

func TestChainExchangeBetweenServices(t *testing.T) {
	ctx := context.Background()
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

	donor, _, donorMsg := newTestService(t)
	for _, h := range []string{"d1", "d2", "d3"} {
		donor.AddTransaction(ctx, tx(h))
	}
	donor.HandleDownloadChain(ctx, "", from)
	replies := donorMsg.byPrefix(PrefixTakeChain)
	if len(replies) != 1 || replies[0].to.Port != 5000 {
		t.Fatalf("TAKEBC replies: %+v", replies)
	}

	receiver, _, _ := newTestService(t)
	receiver.HandleTakeChain(ctx, replies[0].text, from)
	if receiver.Height() != 2 {
		t.Fatalf("receiver height = %d, want 2", receiver.Height())
	}
	if holder, ok := receiver.FindHolder("d2"); !ok || holder != "holder-d2" {
		t.Fatalf("FindHolder = %q, %v", holder, ok)
	}
}

func TestFindHolderChecksPool(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.AddTransaction(context.Background(), tx("p"))
	if holder, ok := svc.FindHolder("p"); !ok || holder != "holder-p" {
		t.Fatalf("FindHolder = %q, %v", holder, ok)
	}
	if _, ok := svc.FindHolder("missing"); ok {
		t.Fatal("unknown chunk resolved")
	}
}

func TestSelectNodeExcludesSelf(t *testing.T) {
	store := &memStore{}
	dir := staticDirectory{{Address: "self", IP: "127.0.0.1", Port: 1}}
	svc := NewService(Config{NodeID: "self"}, store, &recordingMessenger{}, dir, zerolog.Nop())
	if _, err := svc.SelectBestNode(context.Background()); !errors.Is(err, core.ErrNoPeers) {
		t.Fatalf("SelectBestNode = %v, want ErrNoPeers", err)
	}
}

func TestRingPlacementIsStable(t *testing.T) {
	peers := []core.Peer{
		{Address: "a", IP: "10.0.0.1", Port: 1},
		{Address: "b", IP: "10.0.0.2", Port: 1},
		{Address: "c", IP: "10.0.0.3", Port: 1},
	}
	ring := NewRingPlacement()
	first, ok := ring.Select(peers, "file:0")
	if !ok {
		t.Fatal("no node selected")
	}
	reversed := []core.Peer{peers[2], peers[1], peers[0]}
	second, _ := ring.Select(reversed, "file:0")
	if first != second {
		t.Fatalf("placement depends on peer order: %v vs %v", first, second)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "blockchain.json"))
	if _, err := store.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load on missing file = %v", err)
	}
	c := buildChain(t, 2)
	if err := store.Save(c); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("reloaded chain invalid: %v", err)
	}
}

func TestInitializeReplacesInvalidChain(t *testing.T) {
	bad := deepCopy(t, buildChain(t, 1))
	bad[1].BlockHash = "bad"
	store := &memStore{chain: bad}
	svc := NewService(Config{NodeID: "self"}, store, &recordingMessenger{}, staticDirectory{}, zerolog.Nop())
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if svc.Height() != 1 || svc.State() != Synced {
		t.Fatalf("height=%d state=%s", svc.Height(), svc.State())
	}
}

func deepCopy(t *testing.T, c Chain) Chain {
	t.Helper()
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var out Chain
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCreateBlockFromPendingWaitsForFullPool(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.AddTransaction(ctx, tx("p1"))
	block, err := svc.CreateBlockFromPending(ctx)
	if err != nil || block != nil {
		t.Fatalf("short pool mined: %v, %v", block, err)
	}
	if len(svc.Pending()) != 1 || svc.Height() != 1 {
		t.Fatalf("state changed: pending=%d height=%d", len(svc.Pending()), svc.Height())
	}
}
