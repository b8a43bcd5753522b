// Package api fetches ICE server configuration from an HTTP endpoint.
// Deployments that hand out ephemeral TURN credentials expose one; static
// configuration works without it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"peercall/internal/domain"
)

type iceConfigResponse struct {
	Result  int                `json:"result"`
	Msg     string             `json:"msg"`
	Servers []domain.ICEServer `json:"servers"`
}

// Client fetches ICE/TURN server configuration.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient creates a client for the given endpoint. token is sent as a
// bearer credential when non-empty.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchICEServers requests the current ICE server list, typically STUN
// plus TURN with short-lived credentials.
func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var iceResp iceConfigResponse
	if err := json.Unmarshal(body, &iceResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if iceResp.Result != 0 {
		return nil, fmt.Errorf("ice config error (result=%d): %s", iceResp.Result, iceResp.Msg)
	}
	if len(iceResp.Servers) == 0 {
		return nil, fmt.Errorf("ice config returned no servers")
	}
	return iceResp.Servers, nil
}
