// Package blocks provides a client for reading blocks with their receipt
// execution outcomes from a block data service. The service exposes finalized
// blocks by height, so a consumer can resume from any cursor and stream
// forward lazily.
package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Header carries the block metadata the pipeline cares about.
type Header struct {
	Height      uint64 `json:"height"`
	TimestampNs uint64 `json:"timestamp_nanosec,string"`
}

// Action is one action of a receipt. Only function calls carry a method name
// and raw JSON arguments.
type Action struct {
	MethodName string          `json:"method_name"`
	Args       json.RawMessage `json:"args"`
}

// Receipt is a single receipt executed in a block.
type Receipt struct {
	TxID          string   `json:"tx_id"`
	PredecessorID string   `json:"predecessor_id"`
	ReceiverID    string   `json:"receiver_id"`
	Actions       []Action `json:"actions"`
}

// Block is a finalized block with all executed receipts in execution order.
type Block struct {
	Header   Header    `json:"header"`
	Receipts []Receipt `json:"receipts"`
}

// =============================================================================

// Client reads blocks from the block data service over HTTP.
type Client struct {
	baseURL string
	http    http.Client
}

// NewClient constructs a client against the specified base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Block returns the block at the specified height. A nil block with a nil
// error means the height has not been produced yet and the caller should
// poll again. A height that carries no block is returned as an empty block.
func (c *Client) Block(ctx context.Context, height uint64) (*Block, error) {
	url := fmt.Sprintf("%s/v0/block/%d", c.baseURL, height)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("get block %d: unexpected status %d", height, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", height, err)
	}

	// The service answers "null" for heights that exist in the chain but
	// carry no block, such as skipped heights.
	var block *Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	if block == nil {
		return &Block{Header: Header{Height: height}}, nil
	}

	return block, nil
}
