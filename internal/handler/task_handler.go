package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ingestor/internal/model"
)

// TaskReader はタスクの取得。見つからない場合はnilを返す。
type TaskReader interface {
	Get(ctx context.Context, id string) (*model.Task, error)
}

// TaskHandler はタスク状態のHTTPハンドラー。
type TaskHandler struct {
	tasks TaskReader
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(tasks TaskReader) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// taskResponse はタスク状態のAPIレスポンス。
type taskResponse struct {
	ID          string     `json:"id"`
	Lane        string     `json:"lane"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Action      string     `json:"action,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func toTaskResponse(t *model.Task) taskResponse {
	resp := taskResponse{
		ID:          t.ID,
		Lane:        string(t.Lane),
		Status:      string(t.Status),
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Error:       t.LastError,
		ErrorKind:   string(t.ErrorKind),
		ProjectID:   t.ProjectID,
		EnqueuedAt:  t.EnqueuedAt,
		FinishedAt:  t.FinishedAt,
	}
	if t.ErrorKind == model.FailureAuth {
		resp.Action = model.ActionReconnectCredential
	}
	return resp
}

// GetTask はタスクの状態を返す。他ユーザーのタスクは存在しないものとして扱う。
// GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "id")

	task, err := h.tasks.Get(r.Context(), taskID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if task == nil || task.Payload.UserID != userID {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTaskNotFoundError(taskID))
		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(task))
}
