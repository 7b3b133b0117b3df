// Package pool はレーンごとに同時実行数を制限したワーカープールを提供する。
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/queue"
)

// DefaultTaskTimeout は1回の試行の実行時間の上限。
const DefaultTaskTimeout = 5 * time.Minute

// dequeueErrorBackoff はキューの取り出しに失敗した場合の待機時間。
const dequeueErrorBackoff = time.Second

// Executor はタスクを実行する。
type Executor interface {
	// Execute はタスクを1回試行し、作成・更新したProjectのIDを返す。
	Execute(ctx context.Context, task *model.Task) (string, error)

	// Finalize はタスクが終端状態（成功または失敗）になったときに1回だけ呼ばれる。
	// 成功時のerrはnil。
	Finalize(ctx context.Context, task *model.Task, err error)
}

// MetricsRecorder はワーカープールのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordTask(lane, outcome string, duration time.Duration)
	RecordRetry(lane, kind string)
}

// Config はプールの設定。
type Config struct {
	Lane        model.Lane
	Concurrency int
	// TaskTimeout は1回の試行の上限時間。超過した試行はTransientとして扱う。
	TaskTimeout time.Duration
	Retry       RetryPolicy
}

// Pool は1つのレーンを処理するワーカープール。
// Concurrency個のループがそれぞれ取り出し・実行を繰り返すため、同時実行数はConcurrencyを超えない。
type Pool struct {
	config   Config
	queue    queue.Queue
	executor Executor
	metrics  MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// New はPoolを生成する。
// Concurrencyが0以下の場合は1、TaskTimeoutが0以下の場合はDefaultTaskTimeoutを使用する。
func New(config Config, q queue.Queue, executor Executor, metrics MetricsRecorder, logger *slog.Logger) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultTaskTimeout
	}
	return &Pool{
		config:   config,
		queue:    q,
		executor: executor,
		metrics:  metrics,
		logger:   logger.With(slog.String("lane", string(config.Lane))),
		now:      time.Now,
	}
}

// String はスーパーバイザーのログに使うサービス名を返す。
func (p *Pool) String() string {
	return fmt.Sprintf("pool[%s]", p.config.Lane)
}

// Serve はctxが終了するまでタスクを処理する。
func (p *Pool) Serve(ctx context.Context) error {
	p.logger.Info("ワーカープールを開始しました",
		slog.Int("concurrency", p.config.Concurrency),
		slog.Duration("task_timeout", p.config.TaskTimeout),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("ワーカープールを停止しました")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		task, err := p.queue.Dequeue(ctx, p.config.Lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("タスクの取り出しに失敗しました", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		p.Process(ctx, task)
	}
}

// Process は取り出し済みのタスクを1回試行し、結果をキューに反映する。
func (p *Pool) Process(ctx context.Context, task *model.Task) {
	// 停止時もキューへの記録は完了させる
	bookkeeping := context.WithoutCancel(ctx)
	lane := string(task.Lane)
	log := p.logger.With(
		slog.String("task_id", task.ID),
		slog.Int("attempt", task.Attempt),
	)

	// クラッシュ後に再投入されたタスクが予算を使い切っている場合
	if task.Attempt > task.MaxAttempts {
		err := model.NewFetchError(model.FailureTransient, task.Payload.Platform,
			errors.New("試行回数の上限を超えました"))
		p.record(lane, "failed", 0)
		p.fail(bookkeeping, log, task, err)
		return
	}

	start := p.now()
	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	projectID, err := p.executor.Execute(taskCtx, task)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
	cancel()
	duration := p.now().Sub(start)

	if err == nil {
		if qErr := p.queue.Complete(bookkeeping, task.ID, projectID); qErr != nil {
			log.Error("タスクの完了記録に失敗しました", slog.String("error", qErr.Error()))
		}
		p.executor.Finalize(bookkeeping, task, nil)
		p.record(lane, "succeeded", duration)
		log.Info("タスクが完了しました",
			slog.String("project_id", projectID),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
		return
	}

	// プロセス停止による中断は試行として数えず、すぐに再実行できる状態に戻す
	if ctx.Err() != nil {
		if qErr := p.queue.Release(bookkeeping, task.ID); qErr != nil {
			log.Error("中断タスクの再投入に失敗しました", slog.String("error", qErr.Error()))
		}
		p.record(lane, "interrupted", duration)
		return
	}

	if timedOut && !model.IsCanceled(err) {
		err = model.NewFetchError(model.FailureTransient, task.Payload.Platform,
			fmt.Errorf("タスクの実行が上限時間 %s を超えました: %w", p.config.TaskTimeout, err))
	}

	kind := model.KindOf(err)
	if kind.Retryable() && task.Attempt < task.MaxAttempts {
		delay := p.config.Retry.Backoff(task.Attempt, model.RetryAfterOf(err))
		if qErr := p.queue.Retry(bookkeeping, task.ID, p.now().Add(delay), kind, err.Error()); qErr != nil {
			log.Error("タスクの再投入に失敗しました", slog.String("error", qErr.Error()))
		}
		if p.metrics != nil {
			p.metrics.RecordRetry(lane, string(kind))
		}
		p.record(lane, "retried", duration)
		log.Warn("タスクを再試行します",
			slog.String("error_kind", string(kind)),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		return
	}

	p.record(lane, "failed", duration)
	p.fail(bookkeeping, log, task, err)
}

// fail はタスクを失敗として終了し、Finalizeを呼ぶ。
func (p *Pool) fail(ctx context.Context, log *slog.Logger, task *model.Task, err error) {
	kind := model.KindOf(err)
	if qErr := p.queue.Fail(ctx, task.ID, kind, model.UserMessage(err)); qErr != nil {
		log.Error("タスクの失敗記録に失敗しました", slog.String("error", qErr.Error()))
	}
	p.executor.Finalize(ctx, task, err)
	log.Error("タスクが失敗しました",
		slog.String("error_kind", string(kind)),
		slog.String("error", err.Error()),
	)
}

func (p *Pool) record(lane, outcome string, duration time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordTask(lane, outcome, duration)
	}
}
