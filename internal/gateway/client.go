// Package gateway is the client for the external execution service that
// actually runs dispatched work. The service is opaque: it accepts an
// instruction and later succeeds or fails; nothing here supervises it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnreachable reports that the gateway did not answer the health probe.
var ErrUnreachable = errors.New("gateway unreachable")

// SpawnRequest is the work handed to the gateway.
type SpawnRequest struct {
	Instruction    string `json:"instruction"`
	Label          string `json:"label"`
	Cleanup        string `json:"cleanup"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Model          string `json:"model,omitempty"`
}

// SpawnResult is the gateway's answer. Gateway-side rejection comes back as
// OK=false with Error set, not as a transport error.
type SpawnResult struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Gateway abstracts the execution service so dispatch logic can be tested
// against fakes.
type Gateway interface {
	Ping(ctx context.Context) error
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
}

// Client talks HTTP to a gateway daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the gateway at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Ping probes the gateway health endpoint. Any failure maps to
// ErrUnreachable so callers can branch on reachability without inspecting
// transport details.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// Spawn submits work to the gateway. A non-nil error means the call itself
// failed; a SpawnResult with OK=false means the gateway refused the work.
func (c *Client) Spawn(ctx context.Context, sr SpawnRequest) (SpawnResult, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("encode spawn request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/spawn", bytes.NewReader(body))
	if err != nil {
		return SpawnResult{}, fmt.Errorf("build spawn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SpawnResult{}, fmt.Errorf("read spawn response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return SpawnResult{}, fmt.Errorf("spawn returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var result SpawnResult
	if err := json.Unmarshal(data, &result); err != nil {
		return SpawnResult{}, fmt.Errorf("decode spawn response: %w", err)
	}
	return result, nil
}
