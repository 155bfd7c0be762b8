package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quorumlog/quorumlog/internal/cluster"
)

// Client implements cluster.Transport over HTTP+JSON, one *http.Client
// shared across every peer dial.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

func (c *Client) RequestVote(ctx context.Context, addr string, req cluster.VoteRequest) (cluster.VoteResponse, error) {
	var resp cluster.VoteResponse
	err := c.post(ctx, addr+"/raft/vote", req, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context, addr string, req cluster.HeartbeatRequest) (cluster.HeartbeatResponse, error) {
	var resp cluster.HeartbeatResponse
	err := c.post(ctx, addr+"/raft/heartbeat", req, &resp)
	return resp, err
}

func (c *Client) AppendEntries(ctx context.Context, addr string, req cluster.AppendEntriesRequest) (cluster.AppendEntriesResponse, error) {
	var resp cluster.AppendEntriesResponse
	err := c.post(ctx, addr+"/raft/append", req, &resp)
	return resp, err
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("transport: %s: %s", url, errResp.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
