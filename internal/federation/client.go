package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/recallhq/recall/internal/security"
)

// maxResponseBytes bounds a peer response body.
const maxResponseBytes = 8 << 20

// Client talks to one remote peer's federation endpoints.
type Client struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for one peer. The peer URL is validated and all
// connections go through the SSRF-checked transport.
func NewClient(name, baseURL, token string, validator *security.PeerURL) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("peer name is required")
	}
	if validator == nil {
		validator = security.NewPeerURL(true)
	}
	if err := validator.Validate(baseURL); err != nil {
		return nil, fmt.Errorf("peer %s: %w", name, err)
	}
	return &Client{
		name:    name,
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Transport: validator.Transport()},
	}, nil
}

// Name returns the peer's configured name.
func (c *Client) Name() string { return c.name }

// Push offers a batch of entries to the peer.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/federation/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches one page of the peer's shared entries.
func (c *Client) Pull(ctx context.Context, token string) (*PullResponse, error) {
	path := "/federation/pull"
	if token != "" {
		path += "?token=" + url.QueryEscape(token)
	}
	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s returned %d: %s", c.name, resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding peer %s response: %w", c.name, err)
	}
	return nil
}
