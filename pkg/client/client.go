package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vesselworks/flotilla/pkg/api"
)

const requestTimeout = 10 * time.Second

// Client talks to a running flotilla admin server. Calls respect the
// caller's context and carry a fixed per-request timeout on top.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the admin server at baseURL, for example
// "http://127.0.0.1:9090".
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Health fetches the liveness report.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.getJSON(ctx, "/health", &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready fetches the readiness report. A not-ready server still yields the
// report; only transport failures error.
func (c *Client) Ready(ctx context.Context) (*api.ReadyResponse, error) {
	var out api.ReadyResponse
	err := c.getJSON(ctx, "/ready", &out, http.StatusOK, http.StatusServiceUnavailable)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PoolStatus fetches warm pool stats and rows.
func (c *Client) PoolStatus(ctx context.Context) (*api.PoolResponse, error) {
	var out api.PoolResponse
	if err := c.getJSON(ctx, "/v1/pool", &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Blacklist fetches the currently benched node endpoints.
func (c *Client) Blacklist(ctx context.Context) (*api.BlacklistResponse, error) {
	var out api.BlacklistResponse
	if err := c.getJSON(ctx, "/v1/blacklist", &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deployments fetches tracked deployment progress, recent first.
func (c *Client) Deployments(ctx context.Context) ([]api.DeploymentResponse, error) {
	var out []api.DeploymentResponse
	if err := c.getJSON(ctx, "/v1/deployments", &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// Deployment fetches one agent's deployment progress.
func (c *Client) Deployment(ctx context.Context, agentID string) (*api.DeploymentResponse, error) {
	var out api.DeploymentResponse
	if err := c.getJSON(ctx, "/v1/deployments/"+url.PathEscape(agentID), &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseVM returns a claimed pool VM to warm.
func (c *Client) ReleaseVM(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPost, "/v1/pool/"+url.PathEscape(id)+"/release")
}

// RemoveVM drops a pool row; destroy also forgets the marketplace
// instance behind it.
func (c *Client) RemoveVM(ctx context.Context, id string, destroy bool) error {
	path := "/v1/pool/" + url.PathEscape(id)
	if destroy {
		path += "?destroy=true"
	}
	return c.send(ctx, http.MethodDelete, path)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin server unreachable: %w", err)
	}
	defer resp.Body.Close()

	accepted := false
	for _, code := range accept {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) send(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return httpError(resp)
	}
	return nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("admin server: %s", msg)
}
