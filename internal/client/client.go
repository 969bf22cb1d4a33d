// Package client is the HTTP client the CLI uses to talk to a running
// slipway server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
)

// Config holds client settings.
type Config struct {
	BaseURL string // server base URL, e.g. "http://localhost:8080"
	Timeout time.Duration
}

// Client calls the slipway HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		// Deploys block until the pipeline finishes.
		timeout = 15 * time.Minute
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Step       string
}

func (e *APIError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("server returned %d (step %s): %s", e.StatusCode, e.Step, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// =============================================================================
// Request / Response Types
// =============================================================================

// DeployParams describes a deploy request.
type DeployParams struct {
	ImageRef        string `json:"image_ref,omitempty"`
	GitURL          string `json:"git_url,omitempty"`
	GitRef          string `json:"git_ref,omitempty"`
	Version         string `json:"version,omitempty"`
	Team            string `json:"team,omitempty"`
	Actor           string `json:"actor,omitempty"`
	SkipValidate    bool   `json:"skip_validate,omitempty"`
	SkipHealthCheck bool   `json:"skip_health_check,omitempty"`
}

// DeployResult is the server's deploy response.
type DeployResult struct {
	RunID   string                `json:"run_id"`
	Slot    string                `json:"slot"`
	Preview string                `json:"preview"`
	Run     *domain.DeploymentRun `json:"run"`
}

// PromoteResult is the server's promote/rollback response.
type PromoteResult struct {
	ActiveSlot      string               `json:"active_slot"`
	ActiveVersion   string               `json:"active_version"`
	PreviousVersion string               `json:"previous_version"`
	Slots           *domain.ProjectSlots `json:"slots"`
}

// StatusReport is the server's status response.
type StatusReport struct {
	Slots      *domain.ProjectSlots           `json:"slots"`
	LiveHealth map[string]domain.HealthStatus `json:"live_health"`
}

// CleanupResult is the server's cleanup response.
type CleanupResult struct {
	Cleaned []string `json:"cleaned"`
}

// =============================================================================
// Operations
// =============================================================================

// Deploy runs a deploy and waits for the result.
func (c *Client) Deploy(ctx context.Context, project, env string, params DeployParams) (*DeployResult, error) {
	var result DeployResult
	err := c.do(ctx, http.MethodPost, c.envPath(project, env, "deploy"), params, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Promote flips live traffic to the deployed slot.
func (c *Client) Promote(ctx context.Context, project, env, actor string) (*PromoteResult, error) {
	var result PromoteResult
	body := map[string]string{"actor": actor}
	if err := c.do(ctx, http.MethodPost, c.envPath(project, env, "promote"), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rollback restores live traffic to the grace slot.
func (c *Client) Rollback(ctx context.Context, project, env, actor, reason string) (*PromoteResult, error) {
	var result PromoteResult
	body := map[string]string{"actor": actor, "reason": reason}
	if err := c.do(ctx, http.MethodPost, c.envPath(project, env, "rollback"), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches the slot snapshot with live health.
func (c *Client) Status(ctx context.Context, project, env string) (*StatusReport, error) {
	var result StatusReport
	if err := c.do(ctx, http.MethodGet, c.envPath(project, env, "status"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cleanup resets expired grace slots.
func (c *Client) Cleanup(ctx context.Context, project, env string) (*CleanupResult, error) {
	var result CleanupResult
	if err := c.do(ctx, http.MethodPost, c.envPath(project, env, "cleanup"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// History fetches recent deployment runs.
func (c *Client) History(ctx context.Context, project, env string, limit int) ([]domain.DeploymentRun, error) {
	path := c.envPath(project, env, "runs")
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var runs []domain.DeploymentRun
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListEnvironments fetches every provisioned environment.
func (c *Client) ListEnvironments(ctx context.Context) ([]domain.ProjectSlots, error) {
	var envs []domain.ProjectSlots
	if err := c.do(ctx, http.MethodGet, "/api/v1/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// =============================================================================
// Internals
// =============================================================================

func (c *Client) envPath(project, env, op string) string {
	return fmt.Sprintf("/api/v1/projects/%s/environments/%s/%s", project, env, op)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Error string `json:"error"`
			Step  string `json:"step"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&msg); decodeErr == nil {
			apiErr.Message = msg.Error
			apiErr.Step = msg.Step
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
