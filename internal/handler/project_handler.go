package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ingestor/internal/model"
)

// ProjectReader はProjectの取得。見つからない場合はnilを返す。
type ProjectReader interface {
	FindByID(ctx context.Context, id string) (*model.Project, error)
}

// ProjectHandler は取り込み済みProjectのHTTPハンドラー。
type ProjectHandler struct {
	projects ProjectReader
}

// NewProjectHandler はProjectHandlerを生成する。
func NewProjectHandler(projects ProjectReader) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

// projectResponse はProjectのAPIレスポンス。
type projectResponse struct {
	ID              string                  `json:"id"`
	SourceID        string                  `json:"source_id,omitempty"`
	Platform        string                  `json:"platform"`
	ExternalID      string                  `json:"external_id"`
	ExternalURL     string                  `json:"external_url"`
	Title           string                  `json:"title"`
	Content         model.NormalizedContent `json:"content"`
	NeedsReanalysis bool                    `json:"needs_reanalysis"`
	ImportedAt      time.Time               `json:"imported_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// GetProject はProjectを返す。他ユーザーのProjectは存在しないものとして扱う。
// GET /api/projects/{id}
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	projectID := chi.URLParam(r, "id")

	p, err := h.projects.FindByID(r.Context(), projectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if p == nil || p.UserID != userID {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProjectNotFoundError(projectID))
		return
	}

	writeJSON(w, http.StatusOK, projectResponse{
		ID:              p.ID,
		SourceID:        p.SourceID,
		Platform:        p.Platform,
		ExternalID:      p.ExternalID,
		ExternalURL:     p.ExternalURL,
		Title:           p.Title,
		Content:         p.Content,
		NeedsReanalysis: p.NeedsReanalysis,
		ImportedAt:      p.ImportedAt,
		UpdatedAt:       p.UpdatedAt,
	})
}
