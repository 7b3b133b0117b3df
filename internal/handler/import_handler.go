package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/orchestrator"
)

// Importer は取り込み要求を受け付けるサービスインターフェース。
type Importer interface {
	RequestImport(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error)
}

// ImportHandler は取り込み要求のHTTPハンドラー。
type ImportHandler struct {
	importer Importer
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(importer Importer) *ImportHandler {
	return &ImportHandler{importer: importer}
}

// importRequest は取り込み要求のボディ。platformを省略した場合はURLから判定する。
type importRequest struct {
	Platform    string `json:"platform" validate:"omitempty,max=32"`
	ExternalURL string `json:"external_url" validate:"required,url,max=2048"`
}

// importAcceptedResponse はタスク登録時のレスポンス。
type importAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

// importExistingResponse は取り込み済みの場合のレスポンス。
type importExistingResponse struct {
	Project model.ProjectRef `json:"project"`
}

// RequestImport は取り込み要求を処理する。
// POST /api/imports
func (h *ImportHandler) RequestImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req importRequest
	if apiErr := decodeRequest(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	outcome, err := h.importer.RequestImport(r.Context(), userID, req.Platform, req.ExternalURL)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	switch o := outcome.(type) {
	case orchestrator.Accepted:
		writeJSON(w, http.StatusAccepted, importAcceptedResponse{TaskID: o.TaskID})
	case orchestrator.AlreadyImported:
		writeJSON(w, http.StatusOK, importExistingResponse{Project: o.Project})
	case orchestrator.QuotaExceeded:
		writeAPIErrorResponse(w, http.StatusTooManyRequests, model.NewQuotaExceededError(o.ResetAt))
	case orchestrator.ImportInProgress:
		writeAPIErrorResponse(w, http.StatusConflict, model.NewImportInProgressError())
	case orchestrator.InvalidResource:
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidResourceError(o.Reason))
	default:
		handleServiceError(w, r, fmt.Errorf("unexpected import outcome %T", outcome))
	}
}
