// Package pipeline は取り込み・同期タスクの実行処理を提供する。
// 取得 → 分析 → サニタイズ → UPSERT の順に処理する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/hitoshi/ingestor/internal/analyze"
	"github.com/hitoshi/ingestor/internal/credential"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
	"github.com/hitoshi/ingestor/internal/worker/pool"
)

const (
	// DefaultSyncMaxItems は1回の同期で取り込む最大件数。
	DefaultSyncMaxItems = 50
	// DefaultSyncDisableAfter は同期を無効化する連続終端失敗回数。
	DefaultSyncDisableAfter = 5
)

// Fetcher は外部プラットフォームの呼び出し。
type Fetcher interface {
	Fetch(ctx context.Context, cred model.Credential, platform, externalID string) (*model.RawPayload, error)
	List(ctx context.Context, cred model.Credential, platform, sourceExternalID string, since time.Time, max int) ([]model.RawPayload, error)
}

// Resolver は一覧で得たURLをリソースに解決する。
type Resolver interface {
	Resolve(platform, rawURL string) (platform.Adapter, platform.Resource, error)
}

// ProjectWriter はProjectの書き込みと取り込みリースの解放。
type ProjectWriter interface {
	Upsert(ctx context.Context, p *model.Project) (model.ProjectRef, bool, error)
	ReleaseKey(ctx context.Context, key, owner string) error
}

// SourceStore は同期ソースの読み書き。
type SourceStore interface {
	FindByID(ctx context.Context, id string) (*model.ContentSource, error)
	RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time, metadata map[string]any) error
	RecordSyncFailure(ctx context.Context, id, message string, attention bool, disableAfter int) (*model.ContentSource, error)
}

// QuotaRefunder は予約した利用枠の返却。
type QuotaRefunder interface {
	Refund(ctx context.Context, key string, reserved int) error
}

// Sanitizer はHTMLのサニタイズ。
type Sanitizer interface {
	Sanitize(rawHTML string) string
	PlainText(raw string) string
}

// MetricsRecorder はパイプラインのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordAnalyzeFallback(platform string)
}

// Config はパイプラインの設定。
type Config struct {
	SyncMaxItems     int
	SyncDisableAfter int
}

// Deps はExecutorの依存。
type Deps struct {
	Credentials credential.Provider
	Fetcher     Fetcher
	Resolver    Resolver
	Analyzer    analyze.Analyzer
	Sanitizer   Sanitizer
	Projects    ProjectWriter
	Sources     SourceStore
	Quota       QuotaRefunder
	Metrics     MetricsRecorder
}

// Executor はタスクをレーンに応じて実行する。
type Executor struct {
	deps   Deps
	config Config
	logger *slog.Logger
	now    func() time.Time
}

var _ pool.Executor = (*Executor)(nil)

// New はExecutorを生成する。
func New(deps Deps, config Config, logger *slog.Logger) *Executor {
	if config.SyncMaxItems <= 0 {
		config.SyncMaxItems = DefaultSyncMaxItems
	}
	if config.SyncDisableAfter <= 0 {
		config.SyncDisableAfter = DefaultSyncDisableAfter
	}
	return &Executor{deps: deps, config: config, logger: logger, now: time.Now}
}

// Execute はタスクを1回試行する。
func (e *Executor) Execute(ctx context.Context, task *model.Task) (string, error) {
	switch task.Lane {
	case model.LaneImport:
		return e.executeImport(ctx, task)
	case model.LaneSync:
		return "", e.executeSync(ctx, task)
	default:
		return "", model.NewFetchError(model.FailureNotFound, task.Payload.Platform,
			fmt.Errorf("未知のレーンです: %s", task.Lane))
	}
}

func (e *Executor) executeImport(ctx context.Context, task *model.Task) (string, error) {
	p := task.Payload
	cred, err := e.deps.Credentials.Credential(ctx, p.Platform, p.UserID)
	if err != nil {
		return "", fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}

	raw, err := e.deps.Fetcher.Fetch(ctx, cred, p.Platform, p.ExternalID)
	if err != nil {
		return "", err
	}

	project, err := e.normalize(ctx, raw)
	if err != nil {
		return "", err
	}
	project.UserID = p.UserID
	project.SourceID = p.SourceID
	project.Platform = p.Platform
	project.ExternalID = p.ExternalID
	project.ExternalURL = p.ExternalURL

	ref, inserted, err := e.deps.Projects.Upsert(ctx, project)
	if err != nil {
		return "", err
	}
	e.logger.Info("リソースを取り込みました",
		slog.String("task_id", task.ID),
		slog.String("project_id", ref.ID),
		slog.String("external_url", ref.ExternalURL),
		slog.Bool("inserted", inserted),
		slog.Bool("needs_reanalysis", project.NeedsReanalysis),
	)
	return ref.ID, nil
}

func (e *Executor) executeSync(ctx context.Context, task *model.Task) error {
	src, err := e.deps.Sources.FindByID(ctx, task.Payload.SourceID)
	if err != nil {
		return err
	}
	if src == nil || !src.SyncEnabled || src.Status != model.SourceStatusActive {
		e.logger.Info("同期対象外のソースのためスキップします",
			slog.String("task_id", task.ID),
			slog.String("source_id", task.Payload.SourceID),
		)
		return nil
	}

	cred, err := e.deps.Credentials.Credential(ctx, src.Platform, src.UserID)
	if err != nil {
		return fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}

	startedAt := e.now()
	since := src.Cursor()
	items, err := e.deps.Fetcher.List(ctx, cred, src.Platform, src.ExternalID, since, e.config.SyncMaxItems)
	if err != nil {
		return err
	}

	// 一覧は変更時刻の昇順。処理した項目までカーソルを進め、残りは次回の同期で続きから取得する
	newest := since
	upserted := 0
	for i := range items {
		item := &items[i]
		changed := item.ChangedAt()
		externalID, externalURL, ok := e.resolveItem(src.Platform, item)
		if !ok {
			if changed.After(newest) {
				newest = changed
			}
			e.logger.Warn("一覧の項目をリソースとして解釈できないためスキップします",
				slog.String("source_id", src.ID),
				slog.String("url", item.URL),
			)
			continue
		}

		project, err := e.normalize(ctx, item)
		if err != nil {
			return err
		}
		project.UserID = src.UserID
		project.SourceID = src.ID
		project.Platform = src.Platform
		project.ExternalID = externalID
		project.ExternalURL = externalURL
		if _, _, err := e.deps.Projects.Upsert(ctx, project); err != nil {
			return err
		}
		upserted++
		if changed.After(newest) {
			newest = changed
		}
	}

	src.SetCursor(newest)
	syncedAt := startedAt
	backlog := e.config.SyncMaxItems > 0 && len(items) >= e.config.SyncMaxItems
	if backlog {
		// 未取得の項目が残っている可能性があるため、last_synced_atを進めず次のtickでも選ばれるようにする
		syncedAt = src.LastSyncedAt
	}
	if err := e.deps.Sources.RecordSyncSuccess(ctx, src.ID, syncedAt, src.Metadata); err != nil {
		return err
	}
	e.logger.Info("ソースを同期しました",
		slog.String("task_id", task.ID),
		slog.String("source_id", src.ID),
		slog.String("platform", src.Platform),
		slog.Int("listed", len(items)),
		slog.Int("upserted", upserted),
		slog.Bool("backlog", backlog),
	)
	return nil
}

// resolveItem は一覧の項目から外部IDと正規URLを求める。
func (e *Executor) resolveItem(platformName string, item *model.RawPayload) (string, string, bool) {
	if e.deps.Resolver != nil {
		if _, res, err := e.deps.Resolver.Resolve(platformName, item.URL); err == nil {
			return res.ExternalID, res.CanonicalURL, true
		}
	}
	canonical, err := platform.Canonicalize(item.URL)
	if err != nil {
		return "", "", false
	}
	id := item.ExternalID
	if id == "" {
		id = canonical
	}
	return id, canonical, true
}

// normalize は分析結果からProjectを組み立てる。
// 分析の失敗は致命的とせず、フォールバックの正規化を使って再分析フラグを立てる。
func (e *Executor) normalize(ctx context.Context, raw *model.RawPayload) (*model.Project, error) {
	content, err := e.deps.Analyzer.Analyze(ctx, *raw)
	needsReanalysis := false
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, analyze.ErrUnavailable) {
			e.logger.Warn("分析に失敗したためフォールバックで正規化します",
				slog.String("platform", raw.Platform),
				slog.String("url", raw.URL),
				slog.String("error", err.Error()),
			)
		}
		content = analyze.Fallback(*raw)
		needsReanalysis = true
		if e.deps.Metrics != nil {
			e.deps.Metrics.RecordAnalyzeFallback(raw.Platform)
		}
	}
	if content.Title == "" {
		content.Title = analyze.Fallback(*raw).Title
	}
	content = SanitizeContent(e.deps.Sanitizer, content)

	return &model.Project{
		Title:           content.Title,
		Content:         content,
		RawPayload:      raw,
		NeedsReanalysis: needsReanalysis,
	}, nil
}

// SanitizeContent は表示用のHTMLを含み得るフィールドをサニタイズする。
func SanitizeContent(s Sanitizer, content model.NormalizedContent) model.NormalizedContent {
	if s == nil {
		return content
	}
	content.Title = s.PlainText(content.Title)
	content.Description = s.Sanitize(content.Description)
	content.Summary = s.Sanitize(content.Summary)
	content.Category = s.PlainText(content.Category)
	tags := make([]string, 0, len(content.Tags))
	for _, tag := range content.Tags {
		if tag = s.PlainText(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	content.Tags = tags
	return content
}

// Finalize はタスクの終端処理を行う。
// 取り込みリースを解放し、受付時に予約した利用枠を返却する。
// 同期タスクの失敗はソースの状態に反映する。
func (e *Executor) Finalize(ctx context.Context, task *model.Task, taskErr error) {
	p := task.Payload
	log := e.logger.With(slog.String("task_id", task.ID), slog.String("lane", string(task.Lane)))

	if p.LeaseKey != "" {
		err := e.withRetry(ctx, func() error {
			return e.deps.Projects.ReleaseKey(ctx, p.LeaseKey, task.ID)
		})
		if err != nil {
			log.Error("リースの解放に失敗しました",
				slog.String("lease_key", p.LeaseKey),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.ReservedCost > 0 && p.CredentialKey != "" {
		err := e.withRetry(ctx, func() error {
			return e.deps.Quota.Refund(ctx, p.CredentialKey, p.ReservedCost)
		})
		if err != nil {
			log.Error("利用枠の返却に失敗しました",
				slog.String("credential_key", p.CredentialKey),
				slog.String("error", err.Error()),
			)
		}
	}

	if task.Lane != model.LaneSync || taskErr == nil || p.SourceID == "" {
		return
	}

	kind := model.KindOf(taskErr)
	var src *model.ContentSource
	err := e.withRetry(ctx, func() error {
		var err error
		src, err = e.deps.Sources.RecordSyncFailure(ctx, p.SourceID, model.UserMessage(taskErr),
			kind.Terminal(), e.config.SyncDisableAfter)
		return err
	})
	if err != nil {
		log.Error("同期失敗の記録に失敗しました",
			slog.String("source_id", p.SourceID),
			slog.String("error", err.Error()),
		)
		return
	}
	if src != nil && src.Status != model.SourceStatusActive {
		log.Warn("ソースの同期を停止しました",
			slog.String("source_id", src.ID),
			slog.String("status", string(src.Status)),
			slog.Int("consecutive_failures", src.ConsecutiveFailures),
			slog.String("error_kind", string(kind)),
		)
	}
}

// withRetry はDBなどの基盤への書き込みを短い間隔で再試行する。
func (e *Executor) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("終端処理を再試行します",
				slog.Int("attempt", int(n)),
				slog.String("error", err.Error()),
			)
		}),
	)
}
