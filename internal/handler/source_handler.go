package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ingestor/internal/model"
)

// SourceService はソースハンドラーが必要とするサービスインターフェース。
type SourceService interface {
	Register(ctx context.Context, userID, platform, externalRef string) (*model.ContentSource, error)
	List(ctx context.Context, userID string) ([]model.ContentSource, error)
	SetSyncEnabled(ctx context.Context, userID, sourceID string, enabled bool) (*model.ContentSource, error)
	Reset(ctx context.Context, userID, sourceID string) (*model.ContentSource, error)
}

// SourceHandler はContent Source管理のHTTPハンドラー。
type SourceHandler struct {
	service SourceService
}

// NewSourceHandler はSourceHandlerを生成する。
func NewSourceHandler(service SourceService) *SourceHandler {
	return &SourceHandler{service: service}
}

// registerSourceRequest はソース登録リクエストのボディ。
type registerSourceRequest struct {
	Platform    string `json:"platform" validate:"required,max=32"`
	ExternalRef string `json:"external_ref" validate:"required,max=512"`
}

// updateSourceRequest はソース設定更新リクエストのボディ。
type updateSourceRequest struct {
	SyncEnabled *bool `json:"sync_enabled" validate:"required"`
}

// sourceResponse はソース情報のAPIレスポンス。
type sourceResponse struct {
	ID                  string     `json:"id"`
	Platform            string     `json:"platform"`
	ExternalID          string     `json:"external_id"`
	SyncEnabled         bool       `json:"sync_enabled"`
	Status              string     `json:"status"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	Action              string     `json:"action,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func toSourceResponse(src *model.ContentSource) sourceResponse {
	resp := sourceResponse{
		ID:                  src.ID,
		Platform:            src.Platform,
		ExternalID:          src.ExternalID,
		SyncEnabled:         src.SyncEnabled,
		Status:              string(src.Status),
		ConsecutiveFailures: src.ConsecutiveFailures,
		LastError:           src.LastError,
		CreatedAt:           src.CreatedAt,
	}
	// 未同期のソースはエポックで保存されている
	if !src.LastSyncedAt.IsZero() && src.LastSyncedAt.Unix() > 0 {
		t := src.LastSyncedAt
		resp.LastSyncedAt = &t
	}
	switch {
	case src.LastError == model.MessageAuthFailed:
		resp.Action = model.ActionReconnectCredential
	case src.Status == model.SourceStatusNeedsAttention:
		resp.Action = "外部サービス上のソースを確認し、リセットしてください。"
	case src.Status == model.SourceStatusDisabled && src.ConsecutiveFailures > 0:
		resp.Action = "連続失敗により同期を停止しました。原因を解消してから同期を有効にしてください。"
	}
	return resp
}

// ListSources はユーザーのソース一覧を返す。
// GET /api/sources
func (h *SourceHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	sources, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]sourceResponse, len(sources))
	for i := range sources {
		resp[i] = toSourceResponse(&sources[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterSource はソースを登録する。既存のソースは同期を再開する。
// POST /api/sources
func (h *SourceHandler) RegisterSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req registerSourceRequest
	if apiErr := decodeRequest(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	src, err := h.service.Register(r.Context(), userID, req.Platform, req.ExternalRef)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

// UpdateSource は同期の有効/無効を切り替える。
// PATCH /api/sources/{id}
func (h *SourceHandler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req updateSourceRequest
	if apiErr := decodeRequest(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	src, err := h.service.SetSyncEnabled(r.Context(), userID, chi.URLParam(r, "id"), *req.SyncEnabled)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceResponse(src))
}

// ResetSource は失敗状態をクリアして同期を再開する。
// POST /api/sources/{id}/reset
func (h *SourceHandler) ResetSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	src, err := h.service.Reset(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceResponse(src))
}
