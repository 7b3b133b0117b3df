// Package cleanup は定期メンテナンスジョブを提供する。
// 期限切れリースの削除、停止したワーカーが残した実行中タスクの再投入、
// 保持期間を過ぎた終了済みタスクの削除を行う。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ingestor/internal/queue"
)

// LeasePurger は期限切れリースの削除。
type LeasePurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Config はメンテナンスジョブの設定。
type Config struct {
	// Interval は実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// StuckAfter はrunningのまま放置されたタスクを再投入するまでの時間。
	// タスクの最大実行時間より長くする（デフォルト: 15分）。
	StuckAfter time.Duration
	// RetentionDays は終了済みタスクの保持日数（デフォルト: 7）。
	RetentionDays int
}

// Job はメンテナンスジョブ。各処理は冪等で、対象がなくてもエラーにならない。
type Job struct {
	leases LeasePurger
	tasks  queue.Maintainer
	logger *slog.Logger
	config Config
	now    func() time.Time
}

// NewJob はJobを生成する。leasesがnilの場合はリースの削除を行わない。
func NewJob(leases LeasePurger, tasks queue.Maintainer, logger *slog.Logger, config Config) *Job {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = 15 * time.Minute
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 7
	}
	return &Job{leases: leases, tasks: tasks, logger: logger, config: config, now: time.Now}
}

// String はスーパーバイザーのログに使うサービス名を返す。
func (j *Job) String() string {
	return "cleanup-job"
}

// Serve はctxが終了するまで定期的にRunを実行する。
func (j *Job) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("メンテナンスジョブの実行に失敗しました", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run はメンテナンスを1回実行する。
// 途中の処理が失敗しても残りの処理は続け、失敗をまとめて返す。
func (j *Job) Run(ctx context.Context) error {
	start := j.now()
	var errs []error

	purgedLeases := 0
	if j.leases != nil {
		n, err := j.leases.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("期限切れリースの削除に失敗: %w", err))
		}
		purgedLeases = n
	}

	requeued, err := j.tasks.RequeueStuck(ctx, start.Add(-j.config.StuckAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("停止タスクの再投入に失敗: %w", err))
	}
	if requeued > 0 {
		j.logger.Warn("実行中のまま停止していたタスクを再投入しました", slog.Int("requeued_tasks", requeued))
	}

	retention := time.Duration(j.config.RetentionDays) * 24 * time.Hour
	purgedTasks, err := j.tasks.PurgeFinished(ctx, start.Add(-retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("終了済みタスクの削除に失敗: %w", err))
	}

	j.logger.Info("メンテナンスジョブが完了しました",
		slog.Int("purged_leases", purgedLeases),
		slog.Int("requeued_tasks", requeued),
		slog.Int("purged_tasks", purgedTasks),
		slog.Int("retention_days", j.config.RetentionDays),
		slog.Int64("duration_ms", j.now().Sub(start).Milliseconds()),
	)
	return errors.Join(errs...)
}
