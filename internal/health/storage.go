// Package health provides dependency probes for the agent's health
// endpoint and the connectivity monitor.
package health

import (
	"bytes"
	"context"
	"fmt"

	"github.com/verdant-health/chartsync/internal/securestore"
)

// probeKey lives outside any user namespace so the probe never collides
// with session data.
const probeKey = "health/probe"

// StorageChecker verifies the storage backend with a write-read-delete
// round trip.
type StorageChecker struct {
	backend securestore.Backend
}

// NewStorageChecker creates a storage health checker.
func NewStorageChecker(backend securestore.Backend) *StorageChecker {
	return &StorageChecker{backend: backend}
}

// HealthCheck writes, reads back, and deletes a probe value.
func (s *StorageChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	want := []byte("ok")
	if err := s.backend.Put(probeKey, want); err != nil {
		return fmt.Errorf("health: storage write: %w", err)
	}
	got, err := s.backend.Get(probeKey)
	if err != nil {
		return fmt.Errorf("health: storage read: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("health: storage read back %q, want %q", got, want)
	}
	if err := s.backend.Delete(probeKey); err != nil {
		return fmt.Errorf("health: storage delete: %w", err)
	}
	return nil
}
