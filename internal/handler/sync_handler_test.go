package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/backersync/internal/backer"
	"github.com/hitoshi/backersync/internal/model"
	"github.com/hitoshi/backersync/internal/worker/syncer"
)

// --- SyncHandler テスト用モック ---

// mockStatusProvider はテスト用のSyncStatusProviderモック。
type mockStatusProvider struct {
	report *backer.SyncReport
}

func (m *mockStatusProvider) LastReport() *backer.SyncReport {
	return m.report
}

// mockTrigger はテスト用のSyncTriggerモック。
type mockTrigger struct {
	report  *backer.SyncReport
	err     error
	dryRuns []bool
}

func (m *mockTrigger) TryRun(_ context.Context, dryRun bool) (*backer.SyncReport, error) {
	m.dryRuns = append(m.dryRuns, dryRun)
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSyncHandlerStatus_NoRunYet_Returns204(t *testing.T) {
	h := NewSyncHandler(&mockStatusProvider{}, &mockTrigger{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestSyncHandlerStatus_ReturnsLastReport(t *testing.T) {
	status := &mockStatusProvider{report: &backer.SyncReport{RunID: "r-1", Collective: "Webpack"}}
	h := NewSyncHandler(status, &mockTrigger{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got backer.SyncReport
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.RunID != "r-1" || got.Collective != "Webpack" {
		t.Errorf("report = %+v, want run_id r-1 collective Webpack", got)
	}
}

func TestSyncHandlerTrigger_Success(t *testing.T) {
	trigger := &mockTrigger{report: &backer.SyncReport{RunID: "r-2"}}
	h := NewSyncHandler(&mockStatusProvider{}, trigger, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/sync/run", nil)
	rec := httptest.NewRecorder()
	h.Trigger(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(trigger.dryRuns) != 1 || trigger.dryRuns[0] {
		t.Errorf("dry runs = %v, want [false]", trigger.dryRuns)
	}
}

func TestSyncHandlerTrigger_DryRunQuery(t *testing.T) {
	trigger := &mockTrigger{report: &backer.SyncReport{RunID: "r-3", DryRun: true}}
	h := NewSyncHandler(&mockStatusProvider{}, trigger, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/sync/run?dry_run=true", nil)
	rec := httptest.NewRecorder()
	h.Trigger(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(trigger.dryRuns) != 1 || !trigger.dryRuns[0] {
		t.Errorf("dry runs = %v, want [true]", trigger.dryRuns)
	}
}

func TestSyncHandlerTrigger_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantHint   bool
	}{
		{"run in progress", syncer.ErrRunInProgress, http.StatusConflict, false},
		{"config error", model.NewConfigError("collective_slug", "未設定"), http.StatusUnprocessableEntity, false},
		{"api error with hint", model.NewAPIError(401, "unauthorized"), http.StatusBadGateway, true},
		{"api error without hint", model.NewAPIError(500, "server error"), http.StatusBadGateway, false},
		{"unexpected error", errors.New("boom"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSyncHandler(&mockStatusProvider{}, &mockTrigger{err: tt.err}, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/api/sync/run", nil)
			rec := httptest.NewRecorder()
			h.Trigger(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Error == "" {
				t.Error("error message should be present")
			}
			if tt.wantHint && body.Hint == "" {
				t.Error("hint should be present")
			}
			if !tt.wantHint && body.Hint != "" {
				t.Errorf("hint = %q, want empty", body.Hint)
			}
		})
	}
}

func TestSyncHandlerTrigger_UnexpectedErrorHidesDetails(t *testing.T) {
	h := NewSyncHandler(&mockStatusProvider{}, &mockTrigger{err: errors.New("secret internal detail")}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/sync/run", nil)
	rec := httptest.NewRecorder()
	h.Trigger(rec, req)

	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Error != "internal server error" {
		t.Errorf("error = %q, internal details must not leak", body.Error)
	}
}
