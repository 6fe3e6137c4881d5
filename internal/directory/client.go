package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestonEth/dnstore/internal/core"
)

// Client talks to the online-nodes directory over HTTP.
type Client struct {
	baseURL string
	self    string
	http    *http.Client
}

func NewClient(baseURL, self string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		self:    self,
		http:    &http.Client{Timeout: timeout},
	}
}

// OnlineNodes returns every online peer except this node.
func (c *Client) OnlineNodes(ctx context.Context) ([]core.Peer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/OnlineNodes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query directory: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query directory: status %d", resp.StatusCode)
	}
	var peers []core.Peer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode online nodes: %w", err)
	}
	return excludeSelf(peers, c.self), nil
}

func (c *Client) GoOnline(ctx context.Context) error {
	return c.post(ctx, "/OnlineNodes/GoOnline")
}

func (c *Client) GoOffline(ctx context.Context) error {
	return c.post(ctx, "/OnlineNodes/GoOffline")
}

type presence struct {
	DNAddress string `json:"DNAddress"`
}

func (c *Client) post(ctx context.Context, path string) error {
	body, err := json.Marshal(presence{DNAddress: c.self})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Static serves a fixed peer list.
type Static struct {
	Self  string
	Peers []core.Peer
}

func (s Static) OnlineNodes(context.Context) ([]core.Peer, error) {
	return excludeSelf(s.Peers, s.Self), nil
}

func (Static) GoOnline(context.Context) error  { return nil }
func (Static) GoOffline(context.Context) error { return nil }

func excludeSelf(peers []core.Peer, self string) []core.Peer {
	out := make([]core.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Address != self {
			out = append(out, p)
		}
	}
	return out
}
