package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/verdant-health/chartsync/internal/securestore"
)

func TestStorageChecker_RoundTrip(t *testing.T) {
	backend := securestore.NewInMemoryBackend()
	checker := NewStorageChecker(backend)

	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	// The probe must clean up after itself.
	if _, err := backend.Get(probeKey); !errors.Is(err, securestore.ErrNotFound) {
		t.Errorf("probe key left behind, Get() error = %v", err)
	}
}

func TestStorageChecker_ClosedBackend(t *testing.T) {
	backend := securestore.NewInMemoryBackend()
	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := NewStorageChecker(backend).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on closed backend returned nil")
	}
}

func TestRemoteChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewRemoteChecker(srv.URL, time.Second)
	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() against healthy server error = %v", err)
	}
	if !checker.Probe(context.Background()) {
		t.Error("Probe() = false against healthy server")
	}

	srv.Close()
	if checker.Probe(context.Background()) {
		t.Error("Probe() = true against closed server")
	}
}

func TestRemoteChecker_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewRemoteChecker(srv.URL, time.Second).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() against failing server returned nil")
	}
}
