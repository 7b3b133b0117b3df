package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/ingestor/internal/middleware"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/orchestrator"
)

// --- モック ---

type mockImporter struct {
	requestImportFn func(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error)
}

func (m *mockImporter) RequestImport(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error) {
	return m.requestImportFn(ctx, userID, platform, rawURL)
}

type mockTasks struct {
	tasks map[string]*model.Task
	err   error
}

func (m *mockTasks) Get(ctx context.Context, id string) (*model.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.tasks[id], nil
}

type mockProjects struct {
	projects map[string]*model.Project
}

func (m *mockProjects) FindByID(ctx context.Context, id string) (*model.Project, error) {
	return m.projects[id], nil
}

type mockSourceService struct {
	registerFn       func(ctx context.Context, userID, platform, externalRef string) (*model.ContentSource, error)
	listFn           func(ctx context.Context, userID string) ([]model.ContentSource, error)
	setSyncEnabledFn func(ctx context.Context, userID, sourceID string, enabled bool) (*model.ContentSource, error)
	resetFn          func(ctx context.Context, userID, sourceID string) (*model.ContentSource, error)
}

func (m *mockSourceService) Register(ctx context.Context, userID, platform, externalRef string) (*model.ContentSource, error) {
	return m.registerFn(ctx, userID, platform, externalRef)
}

func (m *mockSourceService) List(ctx context.Context, userID string) ([]model.ContentSource, error) {
	return m.listFn(ctx, userID)
}

func (m *mockSourceService) SetSyncEnabled(ctx context.Context, userID, sourceID string, enabled bool) (*model.ContentSource, error) {
	return m.setSyncEnabledFn(ctx, userID, sourceID, enabled)
}

func (m *mockSourceService) Reset(ctx context.Context, userID, sourceID string) (*model.ContentSource, error) {
	return m.resetFn(ctx, userID, sourceID)
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// --- ヘルパー ---

type testRouter struct {
	handler  http.Handler
	importer *mockImporter
	tasks    *mockTasks
	projects *mockProjects
	sources  *mockSourceService
	pinger   *mockPinger
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	t.Cleanup(rl.Stop)

	tr := &testRouter{
		importer: &mockImporter{},
		tasks:    &mockTasks{tasks: map[string]*model.Task{}},
		projects: &mockProjects{projects: map[string]*model.Project{}},
		sources:  &mockSourceService{},
		pinger:   &mockPinger{},
	}
	tr.handler = NewRouter(&RouterDeps{
		Logger:      logger,
		RateLimiter: rl,
		Health:      tr.pinger,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ingestor_tasks_total 0\n"))
		}),
		Importer: tr.importer,
		Tasks:    tr.tasks,
		Projects: tr.projects,
		Sources:  tr.sources,
	})
	return tr
}

func (tr *testRouter) do(method, path, userID, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	tr.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v\nraw: %s", err, w.Body.String())
	}
	return body
}

// --- /health, /metrics ---

func TestHealth(t *testing.T) {
	tr := newTestRouter(t)

	if w := tr.do(http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	tr.pinger.err = errors.New("connection refused")
	w := tr.do(http.MethodGet, "/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("health response must not leak the error")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestMetricsRouteIsPublic(t *testing.T) {
	tr := newTestRouter(t)
	w := tr.do(http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ingestor_tasks_total") {
		t.Errorf("status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestAPIRequiresIdentity(t *testing.T) {
	tr := newTestRouter(t)
	w := tr.do(http.MethodGet, "/api/sources", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q", body.Code)
	}
}

func TestUnknownRouteReturnsUnifiedError(t *testing.T) {
	tr := newTestRouter(t)
	w := tr.do(http.MethodGet, "/nope", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if body := decodeError(t, w); body.Code != "NOT_FOUND" {
		t.Errorf("code = %q", body.Code)
	}
}

// --- POST /api/imports ---

func TestRequestImport_Outcomes(t *testing.T) {
	resetAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	tests := []struct {
		name       string
		outcome    orchestrator.Outcome
		wantStatus int
		wantField  string
	}{
		{"受付", orchestrator.Accepted{TaskID: "task-1"}, http.StatusAccepted, `"task_id":"task-1"`},
		{"取り込み済み", orchestrator.AlreadyImported{Project: model.ProjectRef{ID: "p-1", ExternalURL: "https://host/a"}}, http.StatusOK, `"id":"p-1"`},
		{"利用枠超過", orchestrator.QuotaExceeded{ResetAt: resetAt}, http.StatusTooManyRequests, `"reset_at"`},
		{"進行中", orchestrator.ImportInProgress{}, http.StatusConflict, model.ErrCodeImportInProgress},
		{"不正なリソース", orchestrator.InvalidResource{Reason: "no platform matches"}, http.StatusBadRequest, model.ErrCodeInvalidResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRouter(t)
			var gotUser, gotPlatform, gotURL string
			tr.importer.requestImportFn = func(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error) {
				gotUser, gotPlatform, gotURL = userID, platform, rawURL
				return tt.outcome, nil
			}

			w := tr.do(http.MethodPost, "/api/imports", "user-1", `{"platform":"repo","external_url":"https://host/o/r"}`)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantField) {
				t.Errorf("body = %s, want it to contain %s", w.Body.String(), tt.wantField)
			}
			if gotUser != "user-1" || gotPlatform != "repo" || gotURL != "https://host/o/r" {
				t.Errorf("args = %q %q %q", gotUser, gotPlatform, gotURL)
			}
		})
	}
}

func TestRequestImport_QuotaExceededSetsRetryAfter(t *testing.T) {
	tr := newTestRouter(t)
	tr.importer.requestImportFn = func(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error) {
		return orchestrator.QuotaExceeded{ResetAt: time.Now().Add(10 * time.Minute)}, nil
	}

	w := tr.do(http.MethodPost, "/api/imports", "user-1", `{"external_url":"https://host/o/r"}`)
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
	body := decodeError(t, w)
	if body.ResetAt == nil {
		t.Error("reset_at should be set")
	}
}

func TestRequestImport_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"JSONでない", `not json`},
		{"URLなし", `{"platform":"repo"}`},
		{"URL形式でない", `{"external_url":"hello"}`},
		{"プラットフォーム名が長すぎる", `{"platform":"` + strings.Repeat("p", 33) + `","external_url":"https://host/a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRouter(t)
			tr.importer.requestImportFn = func(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error) {
				t.Fatal("importer should not be called")
				return nil, nil
			}
			w := tr.do(http.MethodPost, "/api/imports", "user-1", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := decodeError(t, w); body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q", body.Code)
			}
		})
	}
}

func TestRequestImport_InfrastructureErrorIs500(t *testing.T) {
	tr := newTestRouter(t)
	tr.importer.requestImportFn = func(ctx context.Context, userID, platform, rawURL string) (orchestrator.Outcome, error) {
		return nil, errors.New("pq: connection reset")
	}

	w := tr.do(http.MethodPost, "/api/imports", "user-1", `{"external_url":"https://host/o/r"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "pq:") {
		t.Error("internal error must not leak")
	}
}

// --- GET /api/tasks/{id} ---

func TestGetTask(t *testing.T) {
	tr := newTestRouter(t)
	finished := time.Now()
	tr.tasks.tasks["t-1"] = &model.Task{
		ID:          "t-1",
		Lane:        model.LaneImport,
		Payload:     model.TaskPayload{UserID: "user-1"},
		Status:      model.TaskStatusFailed,
		Attempt:     1,
		MaxAttempts: 5,
		LastError:   model.MessageAuthFailed,
		ErrorKind:   model.FailureAuth,
		FinishedAt:  &finished,
	}
	tr.tasks.tasks["t-2"] = &model.Task{
		ID:        "t-2",
		Lane:      model.LaneImport,
		Payload:   model.TaskPayload{UserID: "user-1"},
		Status:    model.TaskStatusSucceeded,
		ProjectID: "p-9",
	}

	w := tr.do(http.MethodGet, "/api/tasks/t-1", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "failed" || resp["error_kind"] != "auth" || resp["action"] != model.ActionReconnectCredential {
		t.Errorf("resp = %v", resp)
	}

	w = tr.do(http.MethodGet, "/api/tasks/t-2", "user-1", "")
	resp = map[string]any{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["project_id"] != "p-9" {
		t.Errorf("project_id = %v", resp["project_id"])
	}
	if _, ok := resp["action"]; ok {
		t.Error("action should be omitted for successful tasks")
	}
}

func TestGetTask_OtherUserOrMissingIsNotFound(t *testing.T) {
	tr := newTestRouter(t)
	tr.tasks.tasks["t-1"] = &model.Task{ID: "t-1", Payload: model.TaskPayload{UserID: "user-1"}}

	for _, path := range []string{"/api/tasks/t-1", "/api/tasks/missing"} {
		w := tr.do(http.MethodGet, path, "user-2", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
		if body := decodeError(t, w); body.Code != model.ErrCodeTaskNotFound {
			t.Errorf("%s: code = %q", path, body.Code)
		}
	}
}

// --- GET /api/projects/{id} ---

func TestGetProject(t *testing.T) {
	tr := newTestRouter(t)
	tr.projects.projects["p-1"] = &model.Project{
		ID:          "p-1",
		UserID:      "user-1",
		Platform:    "repo",
		ExternalURL: "https://host/o/r",
		Title:       "r",
		Content:     model.NormalizedContent{Title: "r", Tags: []string{"go"}},
	}

	w := tr.do(http.MethodGet, "/api/projects/p-1", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"tags":["go"]`) {
		t.Errorf("body = %s", w.Body.String())
	}

	w = tr.do(http.MethodGet, "/api/projects/p-1", "user-2", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("other user: status = %d, want 404", w.Code)
	}
}

// --- /api/sources ---

func TestListSources(t *testing.T) {
	tr := newTestRouter(t)
	tr.sources.listFn = func(ctx context.Context, userID string) ([]model.ContentSource, error) {
		return []model.ContentSource{
			{ID: "s-1", UserID: userID, Platform: "repo", ExternalID: "octo", SyncEnabled: true, Status: model.SourceStatusActive, LastSyncedAt: time.Unix(0, 0)},
			{ID: "s-2", UserID: userID, Platform: "video", ExternalID: "UC1", Status: model.SourceStatusNeedsAttention, LastError: model.MessageAuthFailed, ConsecutiveFailures: 1},
		}, nil
	}

	w := tr.do(http.MethodGet, "/api/sources", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("len = %d", len(resp))
	}
	if _, ok := resp[0]["last_synced_at"]; ok {
		t.Error("never-synced source should omit last_synced_at")
	}
	if resp[1]["action"] != model.ActionReconnectCredential {
		t.Errorf("action = %v", resp[1]["action"])
	}
}

func TestRegisterSource(t *testing.T) {
	tr := newTestRouter(t)
	tr.sources.registerFn = func(ctx context.Context, userID, platform, externalRef string) (*model.ContentSource, error) {
		if platform == "mail" {
			return nil, model.NewUnknownPlatformError(platform)
		}
		return &model.ContentSource{ID: "s-1", UserID: userID, Platform: platform, ExternalID: externalRef, SyncEnabled: true, Status: model.SourceStatusActive}, nil
	}

	w := tr.do(http.MethodPost, "/api/sources", "user-1", `{"platform":"repo","external_ref":"octo"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}

	w = tr.do(http.MethodPost, "/api/sources", "user-1", `{"platform":"mail","external_ref":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown platform: status = %d, want 400", w.Code)
	}

	w = tr.do(http.MethodPost, "/api/sources", "user-1", `{"platform":"repo"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing ref: status = %d, want 400", w.Code)
	}
	if body := decodeError(t, w); !strings.Contains(body.Message, "external_ref") {
		t.Errorf("message = %q, want field name", body.Message)
	}
}

func TestUpdateSource(t *testing.T) {
	tr := newTestRouter(t)
	var gotEnabled *bool
	tr.sources.setSyncEnabledFn = func(ctx context.Context, userID, sourceID string, enabled bool) (*model.ContentSource, error) {
		if sourceID != "s-1" {
			return nil, model.NewSourceNotFoundError(sourceID)
		}
		gotEnabled = &enabled
		return &model.ContentSource{ID: sourceID, SyncEnabled: enabled, Status: model.SourceStatusActive}, nil
	}

	w := tr.do(http.MethodPatch, "/api/sources/s-1", "user-1", `{"sync_enabled":false}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if gotEnabled == nil || *gotEnabled {
		t.Errorf("enabled = %v, want false", gotEnabled)
	}

	// sync_enabled 未指定は不正
	w = tr.do(http.MethodPatch, "/api/sources/s-1", "user-1", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing field: status = %d, want 400", w.Code)
	}

	w = tr.do(http.MethodPatch, "/api/sources/other", "user-1", `{"sync_enabled":true}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestResetSource(t *testing.T) {
	tr := newTestRouter(t)
	tr.sources.resetFn = func(ctx context.Context, userID, sourceID string) (*model.ContentSource, error) {
		return &model.ContentSource{ID: sourceID, SyncEnabled: true, Status: model.SourceStatusActive}, nil
	}

	w := tr.do(http.MethodPost, "/api/sources/s-1/reset", "user-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"active"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeInvalidResource, http.StatusBadRequest},
		{model.ErrCodeSSRFBlocked, http.StatusForbidden},
		{model.ErrCodeQuotaExceeded, http.StatusTooManyRequests},
		{model.ErrCodeImportInProgress, http.StatusConflict},
		{model.ErrCodeSourceNotFound, http.StatusNotFound},
		{model.ErrCodeCredentialInvalid, http.StatusUnprocessableEntity},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.code, got, tt.want)
		}
	}
}
