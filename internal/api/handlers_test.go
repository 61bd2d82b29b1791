package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/verdant-health/chartsync/internal/ledger"
	"github.com/verdant-health/chartsync/internal/network"
	syncpkg "github.com/verdant-health/chartsync/internal/sync"
)

type fakeSync struct {
	status syncpkg.Status
}

func (f fakeSync) Status() syncpkg.Status { return f.status }

type fakeChains struct {
	report  *ledger.VerificationReport
	records []*ledger.Record
	err     error
}

func (f fakeChains) VerifyChain(string) (*ledger.VerificationReport, error) {
	return f.report, f.err
}

func (f fakeChains) Export(string, uint64, uint64) ([]*ledger.Record, error) {
	return f.records, f.err
}

func get(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleStatus(t *testing.T) {
	monitor := network.NewMonitor(0, nil)
	h := NewHandler(nil, monitor, fakeSync{status: syncpkg.Status{State: "idle", QueueDepth: 3}}, nil, nil)

	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Connectivity != "offline" {
		t.Errorf("connectivity = %q, want offline", resp.Connectivity)
	}
	if !resp.SessionOpen || resp.Sync == nil || resp.Sync.QueueDepth != 3 {
		t.Errorf("sync status not propagated: %+v", resp)
	}
}

func TestHandleStatus_NoSession(t *testing.T) {
	h := NewHandler(nil, network.NewMonitor(0, nil), nil, nil, nil)

	var resp statusResponse
	rec := get(t, h, "/status")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionOpen || resp.Sync != nil {
		t.Errorf("session reported open with no session: %+v", resp)
	}
}

func TestHandleHealthz(t *testing.T) {
	checks := map[string]HealthCheck{
		"storage": func(context.Context) error { return nil },
	}
	h := NewHandler(nil, network.NewMonitor(0, nil), nil, nil, checks)

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	checks["remote"] = func(context.Context) error { return errors.New("unreachable") }
	rec = get(t, h, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status with failing check = %d, want 503", rec.Code)
	}

	var resp healthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unhealthy" || resp.Checks["remote"] != "unreachable" {
		t.Errorf("healthz body = %+v", resp)
	}
}

func TestHandleVerify_ReportsTamper(t *testing.T) {
	report := &ledger.VerificationReport{OK: false, Length: 3, TamperedRecords: []uint64{2}}
	h := NewHandler(nil, network.NewMonitor(0, nil), nil, fakeChains{report: report}, nil)

	rec := get(t, h, "/chains/chain-1/verify")
	// Detected tampering is a successful verification, not a server error.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got ledger.VerificationReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OK || len(got.TamperedRecords) != 1 || got.TamperedRecords[0] != 2 {
		t.Errorf("report = %+v, want tampered sequence 2", got)
	}
}

func TestHandleVerify_NoSession(t *testing.T) {
	h := NewHandler(nil, network.NewMonitor(0, nil), nil, nil, nil)

	rec := get(t, h, "/chains/chain-1/verify")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeNotFound)
	}
}

func TestHandleExport_BadRange(t *testing.T) {
	h := NewHandler(nil, network.NewMonitor(0, nil), nil, fakeChains{}, nil)

	rec := get(t, h, "/chains/chain-1/export?from=abc")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleExport_Errors(t *testing.T) {
	h := NewHandler(nil, network.NewMonitor(0, nil), nil, fakeChains{err: errors.New("boom")}, nil)

	rec := get(t, h, "/chains/chain-1/export")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
