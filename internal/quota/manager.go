// Package quota は認証情報ごとの外部API利用枠を管理する。
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/ingestor/internal/coord"
)

// Config はクォータの設定。
type Config struct {
	// Window は利用枠のリセット周期（デフォルト: 24時間）。
	Window time.Duration
	// DefaultCap はプラットフォーム別の上限が未設定の場合の上限。
	DefaultCap int
	// Caps はプラットフォーム別の上限。
	Caps map[string]int
}

// Decision はTryConsumeの判定結果。
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// MetricsRecorder はクォータ関連のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordQuotaRejected(platform string)
	RecordQuotaConsumed(platform string, units int)
}

// Manager は共有カウンタ上で利用枠を管理する。
// 判定と加算は coord.Counters のアトミック操作に委譲し、読み出してから書き込む処理は行わない。
type Manager struct {
	counters coord.Counters
	config   Config
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewManager はManagerを生成する。
// Windowが0以下の場合は24時間、DefaultCapが0以下の場合は1000を使用する。
func NewManager(counters coord.Counters, config Config, metrics MetricsRecorder, logger *slog.Logger) *Manager {
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	if config.DefaultCap <= 0 {
		config.DefaultCap = 1000
	}
	return &Manager{
		counters: counters,
		config:   config,
		metrics:  metrics,
		logger:   logger,
	}
}

// TryConsume は利用枠にamountの余裕がある場合のみ消費する。
func (m *Manager) TryConsume(ctx context.Context, key string, amount int) (Decision, error) {
	platform := platformOf(key)
	c, ok, err := m.counters.AddWithin(ctx, key, amount, m.capFor(platform), m.config.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("クォータの確認に失敗しました: %w", err)
	}
	if !ok {
		if m.metrics != nil {
			m.metrics.RecordQuotaRejected(platform)
		}
		m.logger.Info("クォータ上限に達しています",
			slog.String("credential_key", key),
			slog.Int("used", c.Used),
			slog.Int("cap", c.Cap),
			slog.Time("reset_at", c.ResetAt),
		)
	} else if m.metrics != nil {
		m.metrics.RecordQuotaConsumed(platform, amount)
	}
	return Decision{Allowed: ok, Remaining: c.Remaining(), ResetAt: c.ResetAt}, nil
}

// Consume は利用量を無条件に加算する。
// 呼び出し後にしか実コストが分からない場合に使用する。負の値は予約分の返金として扱う。
func (m *Manager) Consume(ctx context.Context, key string, amount int) error {
	if amount == 0 {
		return nil
	}
	platform := platformOf(key)
	if _, err := m.counters.Add(ctx, key, amount, m.capFor(platform), m.config.Window); err != nil {
		return fmt.Errorf("クォータの加算に失敗しました: %w", err)
	}
	if m.metrics != nil && amount > 0 {
		m.metrics.RecordQuotaConsumed(platform, amount)
	}
	return nil
}

// Refund は受付時に予約した利用量を返却する。
// 予約はタスク終了時に一度だけ返却し、実際の利用量はAPI呼び出しごとに加算される。
func (m *Manager) Refund(ctx context.Context, key string, reserved int) error {
	if reserved <= 0 {
		return nil
	}
	return m.Consume(ctx, key, -reserved)
}

// Status は現在の利用状況を返す。
func (m *Manager) Status(ctx context.Context, key string) (Decision, error) {
	c, err := m.counters.Get(ctx, key, m.capFor(platformOf(key)), m.config.Window)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: c.Remaining() > 0, Remaining: c.Remaining(), ResetAt: c.ResetAt}, nil
}

func (m *Manager) capFor(platform string) int {
	if c, ok := m.config.Caps[platform]; ok && c > 0 {
		return c
	}
	return m.config.DefaultCap
}

// platformOf はクォータキー（platform:userID）からプラットフォーム名を取り出す。
func platformOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
