// Package syncsched はContent Sourceの定期同期タスクを登録するスケジューラを提供する。
package syncsched

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/quota"
	"github.com/hitoshi/ingestor/internal/queue"
)

const (
	// DefaultInterval はティック間隔。
	DefaultInterval = 15 * time.Minute
	// DefaultBatchLimit は1ティックで選択するソースの最大数。
	DefaultBatchLimit = 500
	// DefaultMinInterval は同一ソースを再同期するまでの最短間隔。
	DefaultMinInterval = time.Hour
	// DefaultFreshnessSLA は全ソースを一巡するまでの目標時間。
	DefaultFreshnessSLA = 4 * time.Hour
)

// SourceStore は同期対象ソースの選択。
type SourceStore interface {
	ListDueForSync(ctx context.Context, olderThan time.Time, limit int) ([]model.ContentSource, error)
	CountActive(ctx context.Context) (int, error)
}

// CircuitReader はプラットフォームごとのサーキット状態。
type CircuitReader interface {
	State(platform string) model.CircuitState
}

// Leases は同期進行中マーカー。
type Leases interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Quota は利用枠の予約と返却。
type Quota interface {
	TryConsume(ctx context.Context, key string, amount int) (quota.Decision, error)
	Refund(ctx context.Context, key string, reserved int) error
}

// Estimator は呼び出し前のコスト見積もり。
type Estimator interface {
	Estimate(platform, endpoint string) int
}

// Enqueuer はタスクの登録。
type Enqueuer interface {
	Enqueue(ctx context.Context, task *model.Task) error
}

// MetricsRecorder はスケジューラのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordSchedulerTick(result TickResult)
}

// Config はスケジューラの設定。
type Config struct {
	Interval     time.Duration
	BatchLimit   int
	MinInterval  time.Duration
	FreshnessSLA time.Duration
	// LeaseTTL は同期進行中マーカーの有効期間。タスクの最大実行時間と再試行を含めた長さにする。
	LeaseTTL    time.Duration
	MaxAttempts int
}

// TickResult は1ティックの集計。
type TickResult struct {
	Selected           int
	Enqueued           int
	SkippedCircuitOpen int
	SkippedInProgress  int
	SkippedQuota       int
	Errors             int
}

// Scheduler は同期期限を迎えたソースの同期タスクを登録する。
type Scheduler struct {
	sources   SourceStore
	circuits  CircuitReader
	leases    Leases
	quota     Quota
	estimator Estimator
	queue     Enqueuer
	metrics   MetricsRecorder
	config    Config
	logger    *slog.Logger

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// New はSchedulerを生成する。0以下の設定値には既定値を使う。
func New(sources SourceStore, circuits CircuitReader, leases Leases, q Quota, estimator Estimator, enqueuer Enqueuer, metrics MetricsRecorder, config Config, logger *slog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	if config.MinInterval <= 0 {
		config.MinInterval = DefaultMinInterval
	}
	if config.FreshnessSLA <= 0 {
		config.FreshnessSLA = DefaultFreshnessSLA
	}
	// ジッタで最大1ティック待つため、リースはそれより長く保持する
	if config.LeaseTTL < 2*config.Interval {
		config.LeaseTTL = max(time.Hour, 2*config.Interval)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = queue.DefaultMaxAttempts
	}
	return &Scheduler{
		sources:   sources,
		circuits:  circuits,
		leases:    leases,
		quota:     q,
		estimator: estimator,
		queue:     enqueuer,
		metrics:   metrics,
		config:    config,
		logger:    logger,
		now:       time.Now,
		jitter:    randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// LeaseKey は同期進行中マーカーのキーを返す。
func LeaseKey(sourceID string) string {
	return "sync:" + sourceID
}

// String はスーパーバイザーのログに使うサービス名を返す。
func (s *Scheduler) String() string {
	return "sync-scheduler"
}

// Serve はスーパーバイザーから起動される。
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Start(ctx)
	return ctx.Err()
}

// Start は起動直後と各ティックでRunOnceを実行する。
// ctxがキャンセルされるまで戻らない。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Int("batch_limit", s.config.BatchLimit),
	)
	s.reportFreshness(ctx)
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("同期サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// EstimateLag は全アクティブソースを一巡するのにかかる最悪の時間を返す。
func EstimateLag(activeSources, limit int, interval time.Duration) time.Duration {
	if activeSources <= 0 || limit <= 0 {
		return 0
	}
	ticks := (activeSources + limit - 1) / limit
	return time.Duration(ticks) * interval
}

// reportFreshness は現在の設定での最悪遅延を記録し、目標を超える場合は警告する。
func (s *Scheduler) reportFreshness(ctx context.Context) {
	active, err := s.sources.CountActive(ctx)
	if err != nil {
		s.logger.Error("アクティブなソース数の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	lag := EstimateLag(active, s.config.BatchLimit, s.config.Interval)
	attrs := []any{
		slog.Int("active_sources", active),
		slog.Int("batch_limit", s.config.BatchLimit),
		slog.Duration("interval", s.config.Interval),
		slog.Duration("estimated_lag", lag),
		slog.Duration("freshness_sla", s.config.FreshnessSLA),
	}
	if lag > s.config.FreshnessSLA {
		s.logger.Warn("同期の最悪遅延が目標を超えます。バッチ上限またはティック頻度を見直してください", attrs...)
		return
	}
	s.logger.Info("同期の最悪遅延の見積もり", attrs...)
}

// RunOnce は同期期限を迎えたソースを選択し、同期タスクを登録する。
// サーキットが開いているプラットフォーム、同期が進行中のソース、利用枠が不足しているソースはスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) (TickResult, error) {
	var result TickResult
	now := s.now()

	sources, err := s.sources.ListDueForSync(ctx, now.Add(-s.config.MinInterval), s.config.BatchLimit)
	if err != nil {
		return result, err
	}
	result.Selected = len(sources)

	for i := range sources {
		if ctx.Err() != nil {
			break
		}
		s.schedule(ctx, &sources[i], now, &result)
	}

	s.logger.Info("同期サイクルが完了しました",
		slog.Int("selected", result.Selected),
		slog.Int("enqueued", result.Enqueued),
		slog.Int("skipped_circuit_open", result.SkippedCircuitOpen),
		slog.Int("skipped_in_progress", result.SkippedInProgress),
		slog.Int("skipped_quota", result.SkippedQuota),
		slog.Int("errors", result.Errors),
	)
	if s.metrics != nil {
		s.metrics.RecordSchedulerTick(result)
	}
	return result, ctx.Err()
}

func (s *Scheduler) schedule(ctx context.Context, src *model.ContentSource, now time.Time, result *TickResult) {
	log := s.logger.With(slog.String("source_id", src.ID), slog.String("platform", src.Platform))

	if s.circuits != nil && s.circuits.State(src.Platform) == model.CircuitOpen {
		result.SkippedCircuitOpen++
		return
	}

	credKey := model.CredentialKey(src.Platform, src.UserID)
	reserved := s.estimator.Estimate(src.Platform, cost.EndpointList)
	task := queue.NewTask(model.LaneSync, model.TaskPayload{
		UserID:        src.UserID,
		Platform:      src.Platform,
		ExternalID:    src.ExternalID,
		SourceID:      src.ID,
		CredentialKey: credKey,
		ReservedCost:  reserved,
		LeaseKey:      LeaseKey(src.ID),
	}, s.config.MaxAttempts, now.Add(s.jitter(s.config.Interval)))

	ok, err := s.leases.Acquire(ctx, task.Payload.LeaseKey, task.ID, s.config.LeaseTTL)
	if err != nil {
		result.Errors++
		log.Error("同期リースの取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if !ok {
		result.SkippedInProgress++
		return
	}

	decision, err := s.quota.TryConsume(ctx, credKey, reserved)
	if err != nil || !decision.Allowed {
		s.release(ctx, log, task)
		if err != nil {
			result.Errors++
			log.Error("利用枠の予約に失敗しました", slog.String("error", err.Error()))
			return
		}
		result.SkippedQuota++
		return
	}

	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.release(ctx, log, task)
		if rErr := s.quota.Refund(ctx, credKey, reserved); rErr != nil {
			log.Error("利用枠の返却に失敗しました", slog.String("error", rErr.Error()))
		}
		result.Errors++
		log.Error("同期タスクの登録に失敗しました", slog.String("error", err.Error()))
		return
	}
	result.Enqueued++
}

func (s *Scheduler) release(ctx context.Context, log *slog.Logger, task *model.Task) {
	if err := s.leases.Release(ctx, task.Payload.LeaseKey, task.ID); err != nil {
		log.Error("同期リースの解放に失敗しました", slog.String("error", err.Error()))
	}
}
