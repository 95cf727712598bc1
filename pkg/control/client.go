// Package control implements the HTTP JSON client for the dataplane
// control agent: interface enumeration and bridge enable/disable.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AgentError reports a failed control-agent operation. The agent is an
// external dependency and may be unreachable; callers treat this as a
// session failure, never a crash.
type AgentError struct {
	Op  string
	Err error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("control agent %s: %v", e.Op, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// InterfaceInfo is one catalog entry as reported by the agent.
type InterfaceInfo struct {
	ID          uint32 `json:"sw_if_index"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client talks to the control agent. All calls are synchronous
// request/response with a bounded timeout.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates a control agent client.
func NewClient(host string, port int, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type interfacesResponse struct {
	Interfaces []InterfaceInfo `json:"interfaces"`
}

type bridgeRequest struct {
	Interface     string `json:"interface"`
	BridgeAddress string `json:"bridge_address,omitempty"`
}

type bridgeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FetchInterfaces returns the dataplane interface catalog.
func (c *Client) FetchInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/interfaces", nil)
	if err != nil {
		return nil, &AgentError{Op: "fetch interfaces", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &AgentError{Op: "fetch interfaces", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AgentError{Op: "fetch interfaces", Err: fmt.Errorf("status %s", resp.Status)}
	}

	var out interfacesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &AgentError{Op: "fetch interfaces", Err: fmt.Errorf("decode response: %w", err)}
	}

	c.logger.Debug("fetched interface catalog", zap.Int("count", len(out.Interfaces)))
	return out.Interfaces, nil
}

// EnableBridge asks the dataplane to start forwarding packets for the
// named interface to sinkAddr ("ip:port" or a local socket path).
func (c *Client) EnableBridge(ctx context.Context, name, sinkAddr string) error {
	if err := c.postBridge(ctx, "/enable", bridgeRequest{Interface: name, BridgeAddress: sinkAddr}); err != nil {
		return &AgentError{Op: "enable bridge", Err: err}
	}
	c.logger.Debug("bridge enabled", zap.String("interface", name), zap.String("sink", sinkAddr))
	return nil
}

// DisableBridge stops packet forwarding for the named interface.
func (c *Client) DisableBridge(ctx context.Context, name string) error {
	if err := c.postBridge(ctx, "/disable", bridgeRequest{Interface: name}); err != nil {
		return &AgentError{Op: "disable bridge", Err: err}
	}
	c.logger.Debug("bridge disabled", zap.String("interface", name))
	return nil
}

func (c *Client) postBridge(ctx context.Context, path string, body bridgeRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var out bridgeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode response (status %s): %w", resp.Status, err)
	}

	if !out.Success {
		if out.Error != "" {
			return fmt.Errorf("%s", out.Error)
		}
		return fmt.Errorf("agent reported failure (status %s)", resp.Status)
	}
	return nil
}
