// Package backend is a thin JSON client for the provisioning service. It
// distinguishes terminal credential failures from transient faults so the
// orchestrator can stop retrying a revoked key while riding out outages.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized marks a credential rejection. It is terminal: the caller
// must clear the stored key and stop the heartbeat loop.
var ErrUnauthorized = errors.New("backend: invalid credentials")

const apiKeyHeader = "X-Api-Key"

// Client is a thin HTTP client for the provisioning backend.
type Client struct {
	baseURL string
	apiKey  string
	agent   string
	http    *http.Client
}

// NewClient creates a client for the given base URL. The agent string
// identifies this gateway build in requests.
func NewClient(baseURL, apiKey, agent string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		agent:   agent,
		http:    &http.Client{Timeout: timeout},
	}
}

// Heartbeat reports the local mapping hash and fetches pending provisioning.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	req.Agent = c.agent

	var resp HeartbeatResponse
	if err := c.postJSON(ctx, "/api/v1/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Mappings fetches the device-to-callsign mapping table.
func (c *Client) Mappings(ctx context.Context, req MappingsRequest) (*MappingsResponse, error) {
	var resp MappingsResponse
	if err := c.postJSON(ctx, "/api/v1/mappings", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set(apiKeyHeader, c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		trimmed := strings.TrimSpace(string(msg))
		if trimmed != "" {
			return fmt.Errorf("backend: request failed: %s: %s", res.Status, trimmed)
		}
		return fmt.Errorf("backend: request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(res.Body).Decode(out)
}
