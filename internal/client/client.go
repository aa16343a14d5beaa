// Package client is a small Go SDK for talking to one meshblob node's HTTP
// façade. It hides HTTP and JSON details behind plain Go methods so
// cmd/meshnode's operator subcommands can call a running node without
// constructing requests by hand.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to exactly one node; it never fans a request out to peers
// itself, matching the Control Surface's single-node operation shape.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client against baseURL (e.g. "http://localhost:9090").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// NodeInfo mirrors control.NodeInfo for JSON decoding.
type NodeInfo struct {
	Label    string `json:"Label"`
	Online   bool   `json:"Online"`
	Capacity int64  `json:"Capacity"`
	Used     int64  `json:"Used"`
}

// FileInfo mirrors control.FileInfo for JSON decoding.
type FileInfo struct {
	Name      string    `json:"Name"`
	Size      int64     `json:"Size"`
	Owner     string    `json:"Owner"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// BlockInfo mirrors control.BlockInfo for JSON decoding.
type BlockInfo struct {
	File         string `json:"File"`
	Index        int    `json:"Index"`
	OriginalHost string `json:"OriginalHost"`
	ReplicaHost  string `json:"ReplicaHost"`
	Status       string `json:"Status"`
}

// StatusInfo mirrors control.Status for JSON decoding.
type StatusInfo struct {
	Label     string `json:"Label"`
	PeerCount int    `json:"PeerCount"`
	TotalFree int64  `json:"TotalFree"`
	TotalUsed int64  `json:"TotalUsed"`
}

// Connect joins the mesh through peerAddress.
func (c *Client) Connect(ctx context.Context, peerAddress string) (string, error) {
	var out struct {
		Label string `json:"label"`
	}
	err := c.postJSON(ctx, "/connect", map[string]string{"peer_address": peerAddress}, &out)
	return out.Label, err
}

// ListNodes fetches every known node.
func (c *Client) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	var out struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	err := c.getJSON(ctx, "/nodes", &out)
	return out.Nodes, err
}

// ListFiles fetches every non-deleted file.
func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var out struct {
		Files []FileInfo `json:"files"`
	}
	err := c.getJSON(ctx, "/files", &out)
	return out.Files, err
}

// ListBlocks fetches every block's placement.
func (c *Client) ListBlocks(ctx context.Context) ([]BlockInfo, error) {
	var out struct {
		Blocks []BlockInfo `json:"blocks"`
	}
	err := c.getJSON(ctx, "/blocks", &out)
	return out.Blocks, err
}

// Upload asks the node to upload localPath under name.
func (c *Client) Upload(ctx context.Context, name, localPath string) error {
	return c.postJSON(ctx, "/files", map[string]string{"name": name, "local_path": localPath}, nil)
}

// Download asks the node to write name to localPath.
func (c *Client) Download(ctx context.Context, name, localPath string) error {
	path := fmt.Sprintf("/files/%s?local_path=%s", name, localPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Delete removes name from the mesh.
func (c *Client) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Status fetches the node's label, peer count, and aggregate capacity.
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	var out StatusInfo
	err := c.getJSON(ctx, "/status", &out)
	return out, err
}

// SetCapacity changes the node's declared capacity.
func (c *Client) SetCapacity(ctx context.Context, bytes int64) error {
	return c.postJSON(ctx, "/capacity", map[string]int64{"bytes": bytes}, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Kind, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg, Kind: apiErr.Kind}
}
