package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/ingestor/internal/analyze"
	"github.com/hitoshi/ingestor/internal/apiclient"
	"github.com/hitoshi/ingestor/internal/config"
	"github.com/hitoshi/ingestor/internal/coord"
	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/credential"
	"github.com/hitoshi/ingestor/internal/database"
	"github.com/hitoshi/ingestor/internal/dedup"
	"github.com/hitoshi/ingestor/internal/handler"
	"github.com/hitoshi/ingestor/internal/metrics"
	"github.com/hitoshi/ingestor/internal/middleware"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/orchestrator"
	"github.com/hitoshi/ingestor/internal/platform"
	"github.com/hitoshi/ingestor/internal/platform/design"
	"github.com/hitoshi/ingestor/internal/platform/repo"
	"github.com/hitoshi/ingestor/internal/platform/video"
	"github.com/hitoshi/ingestor/internal/platform/web"
	"github.com/hitoshi/ingestor/internal/queue"
	"github.com/hitoshi/ingestor/internal/quota"
	"github.com/hitoshi/ingestor/internal/repository"
	"github.com/hitoshi/ingestor/internal/security"
	"github.com/hitoshi/ingestor/internal/source"
	"github.com/hitoshi/ingestor/internal/supervisor"
	"github.com/hitoshi/ingestor/internal/worker/cleanup"
	"github.com/hitoshi/ingestor/internal/worker/pipeline"
	"github.com/hitoshi/ingestor/internal/worker/pool"
	"github.com/hitoshi/ingestor/internal/worker/reanalyze"
	"github.com/hitoshi/ingestor/internal/worker/syncsched"
)

// webMaxResponseSize は汎用Webページ取得時の最大応答サイズ（5MB）。
const webMaxResponseSize = 5 << 20

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// taskQueue はワーカーとメンテナンスジョブが使うキュー。
type taskQueue interface {
	queue.Queue
	queue.Maintainer
}

// components は起動モードに共通の依存関係。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Collector

	store  coord.Store
	purger cleanup.LeasePurger
	queue  taskQueue

	costs     *cost.Table
	guard     *security.SSRFGuard
	platforms *platform.Registry
	quota     *quota.Manager
	client    *apiclient.Client
	index     *dedup.Index

	sources  *repository.PostgresSourceRepo
	projects *repository.PostgresProjectRepo

	closers []func()
}

// Close は確保した接続を逆順に閉じる。
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// buildComponents はDB接続・協調ストア・キュー・外部APIクライアントを構築する。
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	c.db = db
	c.closers = append(c.closers, func() { db.Close() })

	if err := database.WaitFor(ctx, db, uint(cfg.DBConnectAttempts), logger); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("database connection established")

	// 2. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 3. 協調ストアとキュー
	if err := c.buildCoordination(ctx); err != nil {
		c.Close()
		return nil, err
	}

	// 4. コスト表とプラットフォームアダプタ
	if cfg.CostTablePath != "" {
		c.costs, err = cost.LoadTable(cfg.CostTablePath)
	} else {
		c.costs, err = cost.DefaultTable()
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load cost table: %w", err)
	}

	c.guard = security.NewSSRFGuard()
	c.platforms = buildPlatforms(cfg, c.guard, c.costs)

	// 5. クォータと外部APIクライアント
	c.quota = quota.NewManager(c.store, quota.Config{
		Window:     cfg.QuotaWindow,
		DefaultCap: cfg.QuotaDefaultCap,
		Caps:       cfg.QuotaCaps(),
	}, c.metrics, logger)

	c.client = apiclient.NewClient(c.platforms, c.quota, c.metrics, apiclient.Config{
		CallTimeout:      cfg.OutboundTimeout,
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Cooldown:         cfg.BreakerCooldown,
		DefaultRPS:       cfg.OutboundDefaultRPS,
		RPS:              cfg.PlatformRPS(),
	}, logger)

	// 6. リポジトリと重複排除インデックス
	c.sources = repository.NewPostgresSourceRepo(db)
	c.projects = repository.NewPostgresProjectRepo(db)
	c.index = dedup.NewIndex(c.projects, c.store, cfg.ImportLeaseTTL, c.metrics)

	return c, nil
}

// buildCoordination は設定されたバックエンドでカウンタ・リースとキューを構築する。
func (c *components) buildCoordination(ctx context.Context) error {
	switch c.cfg.CoordBackend {
	case config.BackendMemory:
		store := coord.NewMemoryStore()
		c.store, c.purger = store, store
	case config.BackendNATS:
		nc, err := coord.ConnectNATS(c.cfg.NATSURL)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() { _ = nc.Drain() })
		store, err := coord.NewNATSStore(ctx, nc, c.cfg.NATSBucket)
		if err != nil {
			return err
		}
		// 期限切れのリースは取得時に上書きされるため、NATSでは削除ジョブを使わない
		c.store = store
	default:
		store := coord.NewPostgresStore(c.db)
		c.store, c.purger = store, store
	}

	switch c.cfg.QueueBackend {
	case config.BackendMemory:
		c.queue = queue.NewMemoryQueue()
	default:
		c.queue = queue.NewPostgresQueue(c.db, c.cfg.QueuePollInterval)
	}

	c.logger.Info("coordination backends configured",
		slog.String("coord_backend", c.cfg.CoordBackend),
		slog.String("queue_backend", c.cfg.QueueBackend),
	)
	return nil
}

// buildPlatforms はプラットフォームアダプタを登録したRegistryを返す。
// 汎用WebはSSRF防止付きクライアントを使い、どのアダプタにも一致しないURLの受け皿になる。
func buildPlatforms(cfg *config.Config, guard *security.SSRFGuard, costs *cost.Table) *platform.Registry {
	poolCfg := apiclient.DefaultPoolConfig()
	pc := func(name string) config.PlatformConfig { return cfg.Platforms[name] }

	repoAdapter := repo.New(apiclient.NewPooledHTTPClient(poolCfg), repo.Config{
		Hosts:  pc(repo.Name).Hosts,
		APIURL: pc(repo.Name).APIURL,
	}, costs)
	videoAdapter := video.New(apiclient.NewPooledHTTPClient(poolCfg), video.Config{
		Hosts:   pc(video.Name).Hosts,
		APIURL:  pc(video.Name).APIURL,
		FeedURL: pc(video.Name).FeedURL,
	}, costs)
	designAdapter := design.New(apiclient.NewPooledHTTPClient(poolCfg), design.Config{
		Hosts:  pc(design.Name).Hosts,
		APIURL: pc(design.Name).APIURL,
	}, costs)
	webClient := apiclient.ApplyPool(guard.NewSafeClient(cfg.OutboundTimeout, webMaxResponseSize), poolCfg)
	webAdapter := web.New(webClient, guard, costs)

	return platform.NewRegistry(web.Name, repoAdapter, videoAdapter, designAdapter, webAdapter)
}

// newAnalyzer は分析サービスのクライアントを返す。URL未設定の場合は常にフォールバックする。
func newAnalyzer(cfg *config.Config) analyze.Analyzer {
	if cfg.AnalyzerURL == "" {
		return analyze.Unavailable{}
	}
	return analyze.NewHTTPAnalyzer(&http.Client{Timeout: cfg.AnalyzerTimeout}, cfg.AnalyzerURL)
}

// rateLimiterConfig は req/min 単位の設定を req/sec に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	return middleware.RateLimiterConfig{
		GeneralRate:  rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst: cfg.RateLimitGeneral,
		ImportRate:   rate.Limit(float64(cfg.RateLimitImport) / 60.0),
		ImportBurst:  cfg.RateLimitImport,
	}
}

// addAPI はAPIサーバーを監視ツリーに追加する。
// 戻り値の関数でレートリミッターを停止する。
func (c *components) addAPI(tree *supervisor.Tree) func() {
	orch := orchestrator.New(c.platforms, c.index, c.quota, c.costs, c.queue, c.metrics,
		orchestrator.Config{MaxAttempts: c.cfg.MaxAttempts}, c.logger)
	sources := source.NewService(c.sources, c.platforms, c.guard)
	limiter := middleware.NewRateLimiter(rateLimiterConfig(c.cfg), c.logger)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      c.logger,
		RateLimiter: limiter,
		Health:      c.db,
		Metrics:     metrics.Handler(c.registry),
		Importer:    orch,
		Tasks:       c.queue,
		Projects:    c.projects,
		Sources:     sources,
	})

	server := &http.Server{
		Addr:         ":" + c.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	tree.AddAPI(supervisor.NewHTTPService(server, shutdownTimeout))

	c.logger.Info("API server configured", slog.String("addr", server.Addr))
	return limiter.Stop
}

// addWorkers はワーカープール・同期スケジューラ・定期ジョブを監視ツリーに追加する。
// withMetricsServer がtrueの場合はメトリクス用のHTTPサーバーも起動する。
func (c *components) addWorkers(tree *supervisor.Tree, withMetricsServer bool) {
	analyzer := newAnalyzer(c.cfg)
	sanitizer := security.NewContentSanitizer()

	executor := pipeline.New(pipeline.Deps{
		Credentials: credential.NewStaticProvider(c.cfg.Tokens()),
		Fetcher:     c.client,
		Resolver:    c.platforms,
		Analyzer:    analyzer,
		Sanitizer:   sanitizer,
		Projects:    c.index,
		Sources:     c.sources,
		Quota:       c.quota,
		Metrics:     c.metrics,
	}, pipeline.Config{
		SyncMaxItems:     c.cfg.SyncMaxItems,
		SyncDisableAfter: c.cfg.SyncDisableAfter,
	}, c.logger)

	lanes := []struct {
		lane        model.Lane
		concurrency int
	}{
		{model.LaneImport, c.cfg.ImportConcurrency},
		{model.LaneSync, c.cfg.SyncConcurrency},
	}
	for _, l := range lanes {
		tree.AddWorker(pool.New(pool.Config{
			Lane:        l.lane,
			Concurrency: l.concurrency,
			TaskTimeout: c.cfg.TaskTimeout,
			Retry:       pool.DefaultRetryPolicy(),
		}, c.queue, executor, c.metrics, c.logger))
	}

	tree.AddJob(syncsched.New(c.sources, c.client, c.store, c.quota, c.costs, c.queue, c.metrics, syncsched.Config{
		Interval:     c.cfg.SyncInterval,
		BatchLimit:   c.cfg.SyncBatchLimit,
		MinInterval:  c.cfg.SyncMinInterval,
		FreshnessSLA: c.cfg.SyncFreshnessSLA,
		MaxAttempts:  c.cfg.MaxAttempts,
	}, c.logger))

	tree.AddJob(reanalyze.New(c.projects, analyzer, sanitizer, c.logger, reanalyze.Config{
		Interval:     c.cfg.ReanalyzeInterval,
		CallInterval: time.Second,
		BatchSize:    c.cfg.ReanalyzeBatchSize,
	}))

	tree.AddJob(cleanup.NewJob(c.purger, c.queue, c.logger, cleanup.Config{
		Interval:      c.cfg.CleanupInterval,
		StuckAfter:    3 * c.cfg.TaskTimeout,
		RetentionDays: c.cfg.TaskRetentionDays,
	}))

	tree.AddJob(metrics.NewQueueDepthSampler(c.metrics, c.queue, 0, c.logger))

	if withMetricsServer {
		server := &http.Server{
			Addr:              ":" + c.cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(c.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddAPI(supervisor.NewHTTPService(server, shutdownTimeout))
		c.logger.Info("metrics server configured", slog.String("addr", server.Addr))
	}

	c.logger.Info("workers configured",
		slog.Int("import_concurrency", c.cfg.ImportConcurrency),
		slog.Int("sync_concurrency", c.cfg.SyncConcurrency),
		slog.Duration("sync_interval", c.cfg.SyncInterval),
	)
}
