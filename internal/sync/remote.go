// Package sync drives reconciliation with the remote authority: draining
// the pending-write queue when connectivity returns, resolving conflicts
// by last-write-wins, and refreshing the cache with accepted versions.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/verdant-health/chartsync/internal/pending"
)

// Remote client errors.
var (
	// ErrUnavailable is a transient transport or server failure. The
	// write is requeued and retried after backoff, never surfaced to
	// the UI as a blocking error.
	ErrUnavailable = errors.New("sync: remote unavailable")

	// ErrRejected is a non-conflict rejection by the authority.
	ErrRejected = errors.New("sync: remote rejected write")

	// ErrResourceNotFound is returned by FetchResource for an unknown
	// resource ID.
	ErrResourceNotFound = errors.New("sync: resource not found")
)

// RemoteVersion is the authority's view of a resource, carrying at least
// the fields needed for last-write-wins comparison.
type RemoteVersion struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConflictError reports that the authority holds a version the submitted
// write did not supersede. The coordinator compares timestamps and either
// resubmits, yields, or parks the write.
type ConflictError struct {
	Remote RemoteVersion
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync: conflict with remote version of %s (updated_at %s)", e.Remote.ID, e.Remote.UpdatedAt.Format(time.RFC3339))
}

// Remote is the client surface of the remote authority's HTTP API.
type Remote interface {
	// SubmitWrite submits a pending write idempotently, keyed by the
	// write ID: retrying the same write produces the same remote state.
	// Returns *ConflictError when the authority holds a newer version.
	SubmitWrite(ctx context.Context, w pending.Write) (*RemoteVersion, error)

	// FetchResource retrieves a resource, returning (nil, nil) when it
	// has not changed since the given staleness token.
	FetchResource(ctx context.Context, resourceID string, since time.Time) (*RemoteVersion, error)
}

// submitRequest is the wire body for a write submission.
type submitRequest struct {
	WriteID         string          `json:"write_id"`
	WriteType       string          `json:"write_type"`
	AggregateID     string          `json:"aggregate_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
}

// HTTPRemote implements Remote over the authority's JSON API. The
// transport is instrumented with otelhttp so sync cycles show up in
// traces end to end.
type HTTPRemote struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPRemote creates a remote client for the given base URL. The
// bearer token may be empty in development.
func NewHTTPRemote(baseURL, authToken string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SubmitWrite posts a write with its ID as the idempotency key.
func (r *HTTPRemote) SubmitWrite(ctx context.Context, w pending.Write) (*RemoteVersion, error) {
	body, err := json.Marshal(submitRequest{
		WriteID:         w.ID,
		WriteType:       w.Type,
		AggregateID:     w.AggregateID,
		Payload:         json.RawMessage(w.Payload),
		ClientUpdatedAt: w.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("sync: encode write %s: %w", w.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/writes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sync: build request for %s: %w", w.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", w.ID)
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var rv RemoteVersion
		if err := json.NewDecoder(resp.Body).Decode(&rv); err != nil {
			return nil, fmt.Errorf("sync: decode response for %s: %w", w.ID, err)
		}
		return &rv, nil

	case resp.StatusCode == http.StatusConflict:
		var rv RemoteVersion
		if err := json.NewDecoder(resp.Body).Decode(&rv); err != nil {
			return nil, fmt.Errorf("sync: decode conflict body for %s: %w", w.ID, err)
		}
		return nil, &ConflictError{Remote: rv}

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)

	default:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

// FetchResource gets a resource with an If-Modified-Since-style token.
func (r *HTTPRemote) FetchResource(ctx context.Context, resourceID string, since time.Time) (*RemoteVersion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/resources/"+resourceID, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: build fetch for %s: %w", resourceID, err)
	}
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrResourceNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var rv RemoteVersion
		if err := json.NewDecoder(resp.Body).Decode(&rv); err != nil {
			return nil, fmt.Errorf("sync: decode resource %s: %w", resourceID, err)
		}
		return &rv, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

func (r *HTTPRemote) authorize(req *http.Request) {
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
}
