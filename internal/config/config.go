package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 協調ストアのバックエンド。
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// KnownPlatforms は PLATFORM_<NAME>_* を読み込むプラットフォーム名。
var KnownPlatforms = []string{"repo", "video", "design", "web"}

// PlatformConfig はプラットフォームごとの接続設定。
type PlatformConfig struct {
	APIURL   string
	FeedURL  string
	Hosts    []string
	Token    string
	RPS      float64
	QuotaCap int
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBConnectAttempts int

	// Server
	ServerPort  string
	MetricsPort string
	LogLevel    string

	// Coordination / Queue
	CoordBackend      string
	QueueBackend      string
	NATSURL           string
	NATSBucket        string
	QueuePollInterval time.Duration

	// Collaborators
	AnalyzerURL     string
	AnalyzerTimeout time.Duration
	CostTablePath   string

	// Platforms
	Platforms map[string]PlatformConfig

	// Quota
	QuotaWindow     time.Duration
	QuotaDefaultCap int

	// Outbound
	OutboundTimeout         time.Duration
	OutboundDefaultRPS      float64
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Workers
	ImportConcurrency int
	SyncConcurrency   int
	TaskTimeout       time.Duration
	MaxAttempts       int
	ImportLeaseTTL    time.Duration

	// Sync
	SyncInterval     time.Duration
	SyncBatchLimit   int
	SyncMinInterval  time.Duration
	SyncFreshnessSLA time.Duration
	SyncMaxItems     int
	SyncDisableAfter int

	// Jobs
	ReanalyzeInterval  time.Duration
	ReanalyzeBatchSize int
	CleanupInterval    time.Duration
	TaskRetentionDays  int

	// Rate Limit (req/min/user)
	RateLimitGeneral int
	RateLimitImport  int
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.CoordBackend = strings.ToLower(getEnvString("COORD_BACKEND", BackendPostgres))
	cfg.NATSURL = os.Getenv("NATS_URL")
	if cfg.CoordBackend == BackendNATS && cfg.NATSURL == "" {
		missing = append(missing, "NATS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBConnectAttempts = getEnvInt("DB_CONNECT_ATTEMPTS", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.CoordBackend = oneOf(cfg.CoordBackend, BackendPostgres, BackendMemory, BackendPostgres, BackendNATS)
	cfg.QueueBackend = oneOf(strings.ToLower(getEnvString("QUEUE_BACKEND", BackendPostgres)), BackendPostgres, BackendMemory, BackendPostgres)
	cfg.NATSBucket = getEnvString("NATS_BUCKET", "ingestor")
	cfg.QueuePollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", time.Second)

	cfg.AnalyzerURL = os.Getenv("ANALYZER_URL")
	cfg.AnalyzerTimeout = getEnvDuration("ANALYZER_TIMEOUT", 30*time.Second)
	cfg.CostTablePath = os.Getenv("COST_TABLE_PATH")

	cfg.Platforms = make(map[string]PlatformConfig, len(KnownPlatforms))
	for _, name := range KnownPlatforms {
		cfg.Platforms[name] = loadPlatform(name)
	}

	cfg.QuotaWindow = getEnvDuration("QUOTA_WINDOW", 24*time.Hour)
	cfg.QuotaDefaultCap = getEnvInt("QUOTA_DEFAULT_CAP", 5000)

	cfg.OutboundTimeout = getEnvDuration("OUTBOUND_TIMEOUT", 10*time.Second)
	cfg.OutboundDefaultRPS = getEnvFloat("OUTBOUND_DEFAULT_RPS", 5)
	cfg.BreakerFailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.BreakerCooldown = getEnvDuration("BREAKER_COOLDOWN", 30*time.Second)

	cfg.ImportConcurrency = getEnvInt("IMPORT_CONCURRENCY", 4)
	cfg.SyncConcurrency = getEnvInt("SYNC_CONCURRENCY", 2)
	cfg.TaskTimeout = getEnvDuration("TASK_TIMEOUT", 5*time.Minute)
	cfg.MaxAttempts = getEnvInt("TASK_MAX_ATTEMPTS", 5)
	cfg.ImportLeaseTTL = getEnvDuration("IMPORT_LEASE_TTL", 30*time.Minute)

	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncBatchLimit = getEnvInt("SYNC_BATCH_LIMIT", 100)
	cfg.SyncMinInterval = getEnvDuration("SYNC_MIN_INTERVAL", time.Hour)
	cfg.SyncFreshnessSLA = getEnvDuration("SYNC_FRESHNESS_SLA", 6*time.Hour)
	cfg.SyncMaxItems = getEnvInt("SYNC_MAX_ITEMS", 50)
	cfg.SyncDisableAfter = getEnvInt("SYNC_DISABLE_AFTER", 3)

	cfg.ReanalyzeInterval = getEnvDuration("REANALYZE_INTERVAL", 10*time.Minute)
	cfg.ReanalyzeBatchSize = getEnvInt("REANALYZE_BATCH_SIZE", 100)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.TaskRetentionDays = getEnvInt("TASK_RETENTION_DAYS", 7)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitImport = getEnvInt("RATE_LIMIT_IMPORT", 30)

	return cfg, nil
}

// loadPlatform は PLATFORM_<NAME>_* を読み込む。
func loadPlatform(name string) PlatformConfig {
	prefix := "PLATFORM_" + strings.ToUpper(name) + "_"
	return PlatformConfig{
		APIURL:   os.Getenv(prefix + "API_URL"),
		FeedURL:  os.Getenv(prefix + "FEED_URL"),
		Hosts:    getEnvList(prefix + "HOSTS"),
		Token:    os.Getenv(prefix + "TOKEN"),
		RPS:      getEnvFloat(prefix+"RPS", 0),
		QuotaCap: getEnvInt(prefix+"QUOTA_CAP", 0),
	}
}

// Tokens はプラットフォーム別のトークンを返す。未設定のプラットフォームは含めない。
func (c *Config) Tokens() map[string]string {
	tokens := make(map[string]string)
	for name, p := range c.Platforms {
		if p.Token != "" {
			tokens[name] = p.Token
		}
	}
	return tokens
}

// PlatformRPS はRPSが設定されたプラットフォームのみを返す。
func (c *Config) PlatformRPS() map[string]float64 {
	rps := make(map[string]float64)
	for name, p := range c.Platforms {
		if p.RPS > 0 {
			rps[name] = p.RPS
		}
	}
	return rps
}

// QuotaCaps は上限が設定されたプラットフォームのみを返す。
func (c *Config) QuotaCaps() map[string]int {
	caps := make(map[string]int)
	for name, p := range c.Platforms {
		if p.QuotaCap > 0 {
			caps[name] = p.QuotaCap
		}
	}
	return caps
}

func oneOf(v, defaultVal string, allowed ...string) string {
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return defaultVal
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvInt は正の整数を読み込む。0以下や解析不能な値はデフォルト値になる。
func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を読み込む。空要素は除く。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
