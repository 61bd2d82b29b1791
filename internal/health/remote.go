package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// RemoteChecker verifies that the remote authority is reachable. It
// doubles as the reachability probe feeding the network monitor.
type RemoteChecker struct {
	url    string
	client *http.Client
}

// NewRemoteChecker creates a reachability checker for the authority's
// health endpoint.
func NewRemoteChecker(baseURL string, timeout time.Duration) *RemoteChecker {
	return &RemoteChecker{
		url:    baseURL + "/healthz",
		client: &http.Client{Timeout: timeout},
	}
}

// HealthCheck requests the authority's health endpoint. Any 2xx counts
// as reachable.
func (r *RemoteChecker) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("health: build remote probe: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("health: remote unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health: remote returned status %d", resp.StatusCode)
	}
	return nil
}

// Probe adapts the checker to the network monitor's probe signature.
func (r *RemoteChecker) Probe(ctx context.Context) bool {
	return r.HealthCheck(ctx) == nil
}
