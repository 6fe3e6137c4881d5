package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestonEth/dnstore/internal/core"
)

func TestClientListsPeersWithoutSelf(t *testing.T) {
	var mu sync.Mutex
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/OnlineNodes":
			json.NewEncoder(w).Encode([]core.Peer{
				{Address: "me", IP: "10.0.0.1", Port: 1},
				{Address: "other", IP: "10.0.0.2", Port: 2},
			})
		case r.Method == http.MethodPost:
			var body presence
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			posted = append(posted, r.URL.Path+":"+body.DNAddress)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "me", time.Second)
	peers, err := c.OnlineNodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Address != "other" || peers[0].Port != 2 {
		t.Fatalf("peers = %+v", peers)
	}

	if err := c.GoOnline(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.GoOffline(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 2 || posted[0] != "/OnlineNodes/GoOnline:me" || posted[1] != "/OnlineNodes/GoOffline:me" {
		t.Fatalf("posted = %v", posted)
	}
}

func TestClientReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "me", time.Second)
	if _, err := c.OnlineNodes(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := c.GoOnline(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStaticExcludesSelf(t *testing.T) {
	s := Static{Self: "a", Peers: []core.Peer{{Address: "a"}, {Address: "b"}}}
	peers, _ := s.OnlineNodes(context.Background())
	if len(peers) != 1 || peers[0].Address != "b" {
		t.Fatalf("peers = %+v", peers)
	}
}
