// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/worker/syncsched"
)

// Collector はPrometheusメトリクスを収集する。
// 各コンポーネントのMetricsRecorderインターフェースをまとめて実装する。
type Collector struct {
	tasks             *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec
	circuitTransition *prometheus.CounterVec
	outboundCalls     *prometheus.CounterVec
	quotaRejected     *prometheus.CounterVec
	quotaConsumed     *prometheus.CounterVec
	importRequests    *prometheus.CounterVec
	projectsUpserted  *prometheus.CounterVec
	analyzeFallbacks  *prometheus.CounterVec
	schedulerSources  *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
}

// NewCollector はCollectorを生成し、指定されたレジストリに登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_tasks_total",
			Help: "レーン・結果別のタスク試行数",
		}, []string{"lane", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestor_task_duration_seconds",
			Help:    "タスク1試行の実行時間（秒）",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"lane"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_task_retries_total",
			Help: "レーン・失敗分類別の再試行数",
		}, []string{"lane", "kind"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_circuit_state",
			Help: "プラットフォーム別のサーキット状態（0=closed, 1=half_open, 2=open）",
		}, []string{"platform"}),
		circuitTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_circuit_transitions_total",
			Help: "サーキット状態の遷移数",
		}, []string{"platform", "from", "to"}),
		outboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_outbound_calls_total",
			Help: "プラットフォーム・結果別の外部API呼び出し数",
		}, []string{"platform", "result"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_quota_rejected_total",
			Help: "利用枠不足で拒否した予約数",
		}, []string{"platform"}),
		quotaConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_quota_consumed_units_total",
			Help: "外部APIの実コストとして計上した利用枠",
		}, []string{"platform"}),
		importRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_import_requests_total",
			Help: "プラットフォーム・結果別の取り込み要求数",
		}, []string{"platform", "outcome"}),
		projectsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_projects_upserted_total",
			Help: "Projectの挿入・更新数",
		}, []string{"result"}),
		analyzeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_analyze_fallbacks_total",
			Help: "分析に失敗しフォールバックで正規化した数",
		}, []string{"platform"}),
		schedulerSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_scheduler_sources_total",
			Help: "同期スケジューラが処理したソース数",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_queue_depth",
			Help: "レーン別の待機中タスク数",
		}, []string{"lane"}),
	}

	reg.MustRegister(
		c.tasks,
		c.taskDuration,
		c.retries,
		c.circuitState,
		c.circuitTransition,
		c.outboundCalls,
		c.quotaRejected,
		c.quotaConsumed,
		c.importRequests,
		c.projectsUpserted,
		c.analyzeFallbacks,
		c.schedulerSources,
		c.queueDepth,
	)
	return c
}

// RecordTask はタスク1試行の結果を記録する。
func (c *Collector) RecordTask(lane, outcome string, duration time.Duration) {
	c.tasks.WithLabelValues(lane, outcome).Inc()
	if duration > 0 {
		c.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	}
}

// RecordRetry は再試行を記録する。
func (c *Collector) RecordRetry(lane, kind string) {
	c.retries.WithLabelValues(lane, kind).Inc()
}

// RecordOutboundCall は外部API呼び出しの結果を記録する。
func (c *Collector) RecordOutboundCall(platform, result string) {
	c.outboundCalls.WithLabelValues(platform, result).Inc()
}

// RecordCircuitState はサーキットの現在状態を記録する。
func (c *Collector) RecordCircuitState(platform string, state model.CircuitState) {
	c.circuitState.WithLabelValues(platform).Set(circuitValue(state))
}

// RecordCircuitTransition はサーキットの状態遷移を記録する。
func (c *Collector) RecordCircuitTransition(platform string, from, to model.CircuitState) {
	c.circuitTransition.WithLabelValues(platform, string(from), string(to)).Inc()
	c.circuitState.WithLabelValues(platform).Set(circuitValue(to))
}

func circuitValue(state model.CircuitState) float64 {
	switch state {
	case model.CircuitOpen:
		return 2
	case model.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// RecordQuotaRejected は利用枠不足による拒否を記録する。
func (c *Collector) RecordQuotaRejected(platform string) {
	c.quotaRejected.WithLabelValues(platform).Inc()
}

// RecordQuotaConsumed は実コストの計上を記録する。
func (c *Collector) RecordQuotaConsumed(platform string, units int) {
	if units > 0 {
		c.quotaConsumed.WithLabelValues(platform).Add(float64(units))
	}
}

// RecordImportRequest は取り込み要求の結果を記録する。
func (c *Collector) RecordImportRequest(platform, outcome string) {
	c.importRequests.WithLabelValues(platform, outcome).Inc()
}

// RecordProjectUpsert はProjectの挿入・更新を記録する。
func (c *Collector) RecordProjectUpsert(inserted bool) {
	result := "updated"
	if inserted {
		result = "inserted"
	}
	c.projectsUpserted.WithLabelValues(result).Inc()
}

// RecordAnalyzeFallback はフォールバック正規化を記録する。
func (c *Collector) RecordAnalyzeFallback(platform string) {
	c.analyzeFallbacks.WithLabelValues(platform).Inc()
}

// RecordSchedulerTick は同期スケジューラの1ティックの集計を記録する。
func (c *Collector) RecordSchedulerTick(r syncsched.TickResult) {
	c.schedulerSources.WithLabelValues("selected").Add(float64(r.Selected))
	c.schedulerSources.WithLabelValues("enqueued").Add(float64(r.Enqueued))
	c.schedulerSources.WithLabelValues("skipped_circuit_open").Add(float64(r.SkippedCircuitOpen))
	c.schedulerSources.WithLabelValues("skipped_in_progress").Add(float64(r.SkippedInProgress))
	c.schedulerSources.WithLabelValues("skipped_quota").Add(float64(r.SkippedQuota))
	c.schedulerSources.WithLabelValues("error").Add(float64(r.Errors))
}

// SetQueueDepth はレーンの待機中タスク数を記録する。
func (c *Collector) SetQueueDepth(lane string, depth int) {
	c.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// DepthReader はレーンの待機中タスク数を返す。
type DepthReader interface {
	Depth(ctx context.Context, lane model.Lane) (int, error)
}

// QueueDepthSampler は定期的にキューの深さを読み取ってゲージに反映する。
type QueueDepthSampler struct {
	collector *Collector
	queue     DepthReader
	interval  time.Duration
	logger    *slog.Logger
}

// NewQueueDepthSampler はQueueDepthSamplerを生成する。
func NewQueueDepthSampler(collector *Collector, queue DepthReader, interval time.Duration, logger *slog.Logger) *QueueDepthSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &QueueDepthSampler{collector: collector, queue: queue, interval: interval, logger: logger}
}

// String はサービス名を返す。
func (s *QueueDepthSampler) String() string {
	return "queue-depth-sampler"
}

// Serve はctxが終了するまで定期的に計測する。
func (s *QueueDepthSampler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Sample(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sample は全レーンの深さを1回計測する。
func (s *QueueDepthSampler) Sample(ctx context.Context) {
	for _, lane := range model.Lanes() {
		depth, err := s.queue.Depth(ctx, lane)
		if err != nil {
			s.logger.Warn("キューの深さの取得に失敗しました",
				slog.String("lane", string(lane)),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.collector.SetQueueDepth(string(lane), depth)
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsのみを提供するハンドラーを返す。ワーカーのメトリクスポートで使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// StatusClass はHTTPステータスを "2xx" などの分類にする。
func StatusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
