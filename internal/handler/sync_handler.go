// Package handler は管理APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/backersync/internal/backer"
	"github.com/hitoshi/backersync/internal/model"
	"github.com/hitoshi/backersync/internal/worker/syncer"
)

// SyncStatusProvider は最終実行報告の参照インターフェース。
type SyncStatusProvider interface {
	// LastReport は最後に成功した実行の報告を返す。未実行の場合はnil。
	LastReport() *backer.SyncReport
}

// SyncTrigger は同期の手動実行インターフェース。
// 多重起動防止ガード（syncer.Guard）が実装する。
type SyncTrigger interface {
	TryRun(ctx context.Context, dryRun bool) (*backer.SyncReport, error)
}

// SyncHandler は同期のステータス参照と手動トリガーのHTTPハンドラー。
type SyncHandler struct {
	status  SyncStatusProvider
	trigger SyncTrigger
	logger  *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(status SyncStatusProvider, trigger SyncTrigger, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		status:  status,
		trigger: trigger,
		logger:  logger,
	}
}

// errorResponse は管理APIのエラーレスポンス。
type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// Status は最終実行の報告を返す。
// GET /api/sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	report := h.status.LastReport()
	if report == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// Trigger は同期を手動で実行する。dry_run=trueクエリで差分の算出のみ行う。
// 実行がすでに進行中の場合は409を返す。
// POST /api/sync/run
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	report, err := h.trigger.TryRun(r.Context(), dryRun)
	if err != nil {
		h.writeTriggerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// writeTriggerError はエラーの種別に応じたHTTPレスポンスを書き込む。
func (h *SyncHandler) writeTriggerError(w http.ResponseWriter, err error) {
	if errors.Is(err, syncer.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "sync run already in progress"})
		return
	}

	var cfgErr *model.ConfigError
	if errors.As(err, &cfgErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: cfgErr.Error()})
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error: apiErr.Error(),
			Hint:  apiErr.Hint(),
		})
		return
	}

	h.logger.Error("sync trigger failed",
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
