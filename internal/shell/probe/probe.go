// Package probe checks the health of a release running in a slot.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
)

// =============================================================================
// Prober Interface
// =============================================================================

// Prober reports the health of the release listening on a host:port.
type Prober interface {
	// Probe performs a single health check. An unreachable endpoint returns
	// HealthUnhealthy together with the error that prevented the check.
	Probe(ctx context.Context, host string, port int, path string) (domain.HealthStatus, error)
}

// =============================================================================
// HTTP Prober
// =============================================================================

// HTTPProberConfig configures the HTTP health prober.
type HTTPProberConfig struct {
	// Timeout is the per-request timeout. Default: 5 seconds.
	Timeout time.Duration
}

// HTTPProber checks health with a GET against the release's health endpoint.
// Any 2xx status counts as healthy.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP prober.
func NewHTTPProber(config HTTPProberConfig) *HTTPProber {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, host string, port int, path string) (domain.HealthStatus, error) {
	if path == "" {
		path = "/health"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.HealthUnknown, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.HealthUnhealthy, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.HealthHealthy, nil
	}
	return domain.HealthUnhealthy, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
}
