// Package routing points live traffic at the active slot of an environment.
// It talks to the edge proxy's admin API; the proxy itself is external.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrRouterUnavailable wraps any failure to apply a routing change. Callers
// treat it as "live traffic did not move".
var ErrRouterUnavailable = errors.New("router unavailable")

// =============================================================================
// Router Interface
// =============================================================================

// Router switches which backend port receives an environment's live traffic.
type Router interface {
	// SetActive points the (project, environment) route at the given port on
	// the given host. The call is idempotent: repeating it with the same
	// target is a no-op at the proxy.
	SetActive(ctx context.Context, project, environment, host string, port int) error
}

// =============================================================================
// Admin API Client
// =============================================================================

// ClientConfig holds edge proxy admin client configuration.
type ClientConfig struct {
	BaseURL string // admin API base URL, e.g. "http://localhost:8082"
	APIKey  string // admin API key for authentication
	Timeout time.Duration
}

// Client applies routing changes through the edge proxy's admin API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an edge proxy admin client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "routing"),
	}
}

// routeUpdate is the admin API payload for a route target change.
type routeUpdate struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SetActive implements Router with an idempotent PUT on the route resource.
func (c *Client) SetActive(ctx context.Context, project, environment, host string, port int) error {
	body, err := json.Marshal(routeUpdate{Host: host, Port: port})
	if err != nil {
		return fmt.Errorf("marshal route update: %w", err)
	}

	url := fmt.Sprintf("%s/admin/routes/%s/%s", c.baseURL, project, environment)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrRouterUnavailable, resp.StatusCode, string(msg))
	}

	c.logger.Info("route updated",
		"project", project,
		"environment", environment,
		"host", host,
		"port", port,
	)
	return nil
}
