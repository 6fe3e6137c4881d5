package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
)

func newTestStore(t *testing.T) (*ShardStore, Layout) {
	t.Helper()
	layout := NewLayout(t.TempDir())
	s, err := NewShardStore(layout, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewShardStore: %v", err)
	}
	return s, layout
}

func TestStoreAndRetrieveShard(t *testing.T) {
	s, layout := newTestStore(t)
	data := []byte("encrypted shard bytes")

	hash, err := s.Store(data)
	if err != nil {
		t.Fatal(err)
	}
	if hash != HashBytes(data) || !s.Has(hash) {
		t.Fatalf("hash = %s", hash)
	}
	if _, err := os.Stat(filepath.Join(layout.Storage, hash+".shard")); err != nil {
		t.Fatalf("shard file missing: %v", err)
	}
	got, err := s.Retrieve(hash)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Retrieve = %q, %v", got, err)
	}

	again, err := s.Store(data)
	if err != nil || again != hash {
		t.Fatalf("re-store = %s, %v", again, err)
	}
	if n := s.Stats()["shards"]; n != 1 {
		t.Fatalf("shards = %v", n)
	}
}

func TestRetrieveRejectsBadInput(t *testing.T) {
	s, layout := newTestStore(t)
	for _, h := range []string{"../../etc/passwd", "ABC", HashBytes([]byte("absent"))} {
		if _, err := s.Retrieve(h); !errors.Is(err, core.ErrShardNotFound) {
			t.Errorf("Retrieve(%q) = %v", h, err)
		}
	}

	hash, _ := s.Store([]byte("original"))
	os.WriteFile(filepath.Join(layout.Storage, hash+".shard"), []byte("tampered"), 0644)
	if _, err := s.Retrieve(hash); !errors.Is(err, core.ErrHashMismatch) {
		t.Fatalf("tampered shard: %v", err)
	}
}

func TestStoreReopensExistingShards(t *testing.T) {
	s, layout := newTestStore(t)
	hash, _ := s.Store([]byte("persisted"))

	reopened, err := NewShardStore(layout, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Has(hash) {
		t.Fatal("existing shard not found after reopen")
	}
}

func TestMerkleRootTracksHeldShards(t *testing.T) {
	s, _ := newTestStore(t)
	if root, err := s.MerkleRoot(); err != nil || root != "" {
		t.Fatalf("empty store root = %q, %v", root, err)
	}
	s.Store([]byte("a"))
	s.Store([]byte("b"))
	first, err := s.MerkleRoot()
	if err != nil || first == "" {
		t.Fatalf("root = %q, %v", first, err)
	}
	s.Store([]byte("c"))
	second, _ := s.MerkleRoot()
	if first == second {
		t.Fatal("root unchanged after storing a shard")
	}
}

func TestSplitFileAndManifest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.bin")
	data := bytes.Repeat([]byte("0123456789"), 1000)
	os.WriteFile(src, data, 0644)

	fileHash, parts, err := SplitFile(src, filepath.Join(dir, "parts"), 4096)
	if err != nil {
		t.Fatal(err)
	}
	if fileHash != HashBytes(data) || len(parts) != 3 {
		t.Fatalf("hash=%s parts=%d", fileHash, len(parts))
	}
	var joined []byte
	for _, p := range parts {
		b, _ := os.ReadFile(p)
		joined = append(joined, b...)
	}
	if !bytes.Equal(joined, data) {
		t.Fatal("parts do not concatenate to the source")
	}

	hashes := []string{HashBytes([]byte("1")), HashBytes([]byte("2"))}
	if err := WriteManifest(dir, fileHash, hashes); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, fileHash+".dn"))
	if string(raw) != hashes[0]+";"+hashes[1] {
		t.Fatalf("manifest = %q", raw)
	}
	got, err := ReadManifest(dir, fileHash)
	if err != nil || len(got) != 2 || got[1] != hashes[1] {
		t.Fatalf("ReadManifest = %v, %v", got, err)
	}
	if _, err := ReadManifest(dir, "missing"); !errors.Is(err, core.ErrManifestNotFound) {
		t.Fatalf("missing manifest: %v", err)
	}
}

func TestSplitEmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty")
	os.WriteFile(src, nil, 0644)
	_, parts, err := SplitFile(src, dir, 1024)
	if err != nil || len(parts) != 0 {
		t.Fatalf("parts=%v err=%v", parts, err)
	}
}

func TestFileIndexPersists(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.pdf")
	os.WriteFile(src, []byte("pdf"), 0644)
	path := filepath.Join(dir, "state", "filestate.json")

	idx, err := OpenFileIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := idx.Record(src)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "report.pdf" || rec.Size != 3 || rec.SHA256 != HashBytes([]byte("pdf")) {
		t.Fatalf("record = %+v", rec)
	}

	reopened, err := OpenFileIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Lookup("report.pdf")
	if err != nil || got.SHA256 != rec.SHA256 || got.Name != "report.pdf" {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
	if _, err := reopened.Lookup("nope"); !errors.Is(err, core.ErrFileNotIndexed) {
		t.Fatalf("missing lookup: %v", err)
	}
}

func TestConcurrentSaveDownloadedOfSameShard(t *testing.T) {
	s, layout := newTestStore(t)
	data := bytes.Repeat([]byte("z"), 64*1024)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.SaveDownloaded(data); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SaveDownloaded: %v", err)
	}

	path := filepath.Join(layout.Downloads, HashBytes(data)+downloadExt)
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("saved shard = %d bytes, %v", len(got), err)
	}
	temps, _ := filepath.Glob(filepath.Join(layout.Downloads, "*.tmp"))
	if len(temps) != 0 {
		t.Fatalf("temporary files left behind: %v", temps)
	}
}
