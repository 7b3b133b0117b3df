package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ingestor/internal/middleware"
	"github.com/hitoshi/ingestor/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
	Health      Pinger
	// Metrics は /metrics のハンドラー。nilの場合は公開しない。
	Metrics http.Handler

	Importer Importer
	Tasks    TaskReader
	Projects ProjectReader
	Sources  SourceService
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → Identity → RateLimit(General) → RateLimit(Import, POST /api/imports のみ)
//
// /health と /metrics はIdentityの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  "指定されたパスは存在しません。",
			Category: "system",
			Action:   "URLを確認してください。",
		})
	})

	healthHandler := NewHealthHandler(deps.Health)
	importHandler := NewImportHandler(deps.Importer)
	taskHandler := NewTaskHandler(deps.Tasks)
	projectHandler := NewProjectHandler(deps.Projects)
	sourceHandler := NewSourceHandler(deps.Sources)

	r.Get("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.With(deps.RateLimiter.ImportMiddleware()).Post("/imports", importHandler.RequestImport)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Get("/projects/{id}", projectHandler.GetProject)

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", sourceHandler.ListSources)
			r.Post("/", sourceHandler.RegisterSource)
			r.Patch("/{id}", sourceHandler.UpdateSource)
			r.Post("/{id}/reset", sourceHandler.ResetSource)
		})
	})

	return r
}
