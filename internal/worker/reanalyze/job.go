// Package reanalyze は分析に失敗したProjectを定期的に再分析するジョブを提供する。
package reanalyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ingestor/internal/analyze"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/worker/pipeline"
)

// ProjectStore は再分析対象の取得と更新。
type ProjectStore interface {
	ListNeedingReanalysis(ctx context.Context, limit int) ([]model.Project, error)
	UpdateContent(ctx context.Context, id string, content model.NormalizedContent, needsReanalysis bool) error
}

// Config は再分析ジョブの設定。
type Config struct {
	// Interval はジョブの実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// CallInterval は分析呼び出しの最低間隔（デフォルト: 1秒）。
	CallInterval time.Duration
	// BatchSize は1サイクルで処理する最大件数（デフォルト: 100）。
	BatchSize int
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		CallInterval: time.Second,
		BatchSize:    100,
	}
}

// Job は再分析ジョブ。
// 分析サービスの連続エラーが続く場合はバックオフしてサイクルを見送る。
type Job struct {
	projects  ProjectStore
	analyzer  analyze.Analyzer
	sanitizer pipeline.Sanitizer
	logger    *slog.Logger
	config    Config

	consecutiveErrors int
	backoffUntil      time.Time
	now               func() time.Time
}

// New はJobを生成する。
func New(projects ProjectStore, analyzer analyze.Analyzer, sanitizer pipeline.Sanitizer, logger *slog.Logger, config Config) *Job {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.CallInterval < 0 {
		config.CallInterval = def.CallInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Job{
		projects:  projects,
		analyzer:  analyzer,
		sanitizer: sanitizer,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// String はスーパーバイザーのログに使うサービス名を返す。
func (j *Job) String() string {
	return "reanalyze-job"
}

// Serve はスーパーバイザーから起動される。
func (j *Job) Serve(ctx context.Context) error {
	j.Start(ctx)
	return ctx.Err()
}

// Start はジョブをティッカーで定期実行する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("再分析ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("batch_size", j.config.BatchSize),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("再分析ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("再分析サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は再分析が必要なProjectを取得し、保存済みの生ペイロードで分析し直す。
func (j *Job) RunOnce(ctx context.Context) error {
	start := j.now()

	if !j.backoffUntil.IsZero() && start.Before(j.backoffUntil) {
		j.logger.Info("再分析ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	projects, err := j.projects.ListNeedingReanalysis(ctx, j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("再分析対象の取得に失敗しました: %w", err)
	}
	if len(projects) == 0 {
		return nil
	}

	var calls, updated int
	hadError := false
	for i := range projects {
		p := &projects[i]
		if p.RawPayload == nil {
			continue
		}

		if calls > 0 && j.config.CallInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.config.CallInterval):
			}
		}
		calls++

		content, err := j.analyzer.Analyze(ctx, *p.RawPayload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, analyze.ErrUnavailable) {
				// 分析サービス未設定の間は何もしない
				return nil
			}
			hadError = true
			j.consecutiveErrors++
			j.logger.Error("再分析に失敗しました",
				slog.String("project_id", p.ID),
				slog.String("error", err.Error()),
			)
			if backoff := errorBackoff(j.consecutiveErrors); backoff > 0 {
				j.backoffUntil = j.now().Add(backoff)
				j.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", j.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue
		}

		if content.Title == "" {
			content.Title = p.Title
		}
		content = pipeline.SanitizeContent(j.sanitizer, content)
		if err := j.projects.UpdateContent(ctx, p.ID, content, false); err != nil {
			j.logger.Error("再分析結果の保存に失敗しました",
				slog.String("project_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		updated++
	}

	if !hadError {
		j.consecutiveErrors = 0
		j.backoffUntil = time.Time{}
	}

	j.logger.Info("再分析サイクルが完了しました",
		slog.Int("target_projects", len(projects)),
		slog.Int("analyze_calls", calls),
		slog.Int("updated_projects", updated),
		slog.Int64("duration_ms", j.now().Sub(start).Milliseconds()),
	)
	return nil
}

// errorBackoff は連続エラー回数に応じたバックオフ時間を返す。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func errorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
