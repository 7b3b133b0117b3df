// Package apiclient は外部プラットフォーム呼び出しの耐障害レイヤーを提供する。
// プラットフォームごとのサーキットブレーカー、送信レートの平準化、呼び出しタイムアウト、
// 実コストのクォータ加算をアダプタ呼び出しの前後に適用する。
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
)

// Config はAPIクライアントの設定。
type Config struct {
	// CallTimeout は1回の外部呼び出しのタイムアウト（デフォルト: 10秒）。
	CallTimeout time.Duration
	// FailureThreshold はブレーカーを開く連続失敗回数（デフォルト: 5）。
	FailureThreshold uint32
	// Cooldown はブレーカーが開いてから試行を再開するまでの時間（デフォルト: 30秒）。
	Cooldown time.Duration
	// DefaultRPS はプラットフォーム別の指定がない場合の毎秒リクエスト数（デフォルト: 5）。
	DefaultRPS float64
	// RPS はプラットフォーム別の毎秒リクエスト数。
	RPS map[string]float64
}

// QuotaCharger は実コストをクォータに加算するインターフェース。
type QuotaCharger interface {
	Consume(ctx context.Context, key string, amount int) error
}

// MetricsRecorder はAPIクライアントのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordOutboundCall(platform, result string)
	RecordCircuitState(platform string, state model.CircuitState)
	RecordCircuitTransition(platform string, from, to model.CircuitState)
}

// Client は耐障害APIクライアント。
type Client struct {
	registry *platform.Registry
	quota    QuotaCharger
	metrics  MetricsRecorder
	logger   *slog.Logger
	config   Config
	breakers map[string]*gobreaker.CircuitBreaker[int]
	limiters map[string]*rate.Limiter
}

// NewClient はClientを生成する。レジストリに登録された全プラットフォームにブレーカーとリミッターを用意する。
func NewClient(registry *platform.Registry, quota QuotaCharger, metrics MetricsRecorder, config Config, logger *slog.Logger) *Client {
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.DefaultRPS <= 0 {
		config.DefaultRPS = 5
	}

	c := &Client{
		registry: registry,
		quota:    quota,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, name := range registry.Platforms() {
		c.breakers[name] = c.newBreaker(name)
		rps := config.DefaultRPS
		if v, ok := config.RPS[name]; ok && v > 0 {
			rps = v
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiters[name] = rate.NewLimiter(rate.Limit(rps), burst)
		if metrics != nil {
			metrics.RecordCircuitState(name, model.CircuitClosed)
		}
	}
	return c
}

func (c *Client) newBreaker(name string) *gobreaker.CircuitBreaker[int] {
	threshold := c.config.FailureThreshold
	return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name: name,
		// 半開状態では1件のプローブのみ通す
		MaxRequests: 1,
		Interval:    0,
		Timeout:     c.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
		// 呼び出し元のキャンセルは成功にも失敗にも数えない
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("platform", name),
				slog.String("from", string(toCircuitState(from))),
				slog.String("to", string(toCircuitState(to))),
			)
			if c.metrics != nil {
				c.metrics.RecordCircuitState(name, toCircuitState(to))
				c.metrics.RecordCircuitTransition(name, toCircuitState(from), toCircuitState(to))
			}
		},
	})
}

// countsAsSuccess はブレーカーの失敗として数えないエラーを判定する。
// 認証エラーとNotFoundなどの終端エラーはプラットフォームの健全性と無関係。
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var fe *model.FetchError
	if errors.As(err, &fe) {
		return fe.Kind.Terminal()
	}
	return false
}

// Fetch は単一リソースを取得する。
func (c *Client) Fetch(ctx context.Context, cred model.Credential, platformName, externalID string) (*model.RawPayload, error) {
	adapter, err := c.adapter(platformName)
	if err != nil {
		return nil, err
	}
	var payload *model.RawPayload
	err = c.execute(ctx, cred, platformName, func(ctx context.Context) (int, error) {
		p, used, err := adapter.FetchResource(ctx, cred, externalID)
		payload = p
		return used, err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// List はソース配下でsince以降に変更されたリソースを取得する。
func (c *Client) List(ctx context.Context, cred model.Credential, platformName, sourceExternalID string, since time.Time, max int) ([]model.RawPayload, error) {
	adapter, err := c.adapter(platformName)
	if err != nil {
		return nil, err
	}
	var items []model.RawPayload
	err = c.execute(ctx, cred, platformName, func(ctx context.Context) (int, error) {
		list, used, err := adapter.ListResources(ctx, cred, sourceExternalID, since, max)
		items = list
		return used, err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// State はプラットフォームのブレーカー状態を返す。未登録のプラットフォームはclosedを返す。
func (c *Client) State(platformName string) model.CircuitState {
	br, ok := c.breakers[platformName]
	if !ok {
		return model.CircuitClosed
	}
	return toCircuitState(br.State())
}

func (c *Client) adapter(platformName string) (platform.Adapter, error) {
	a, ok := c.registry.Get(platformName)
	if !ok {
		return nil, model.NewFetchError(model.FailureNotFound, platformName, fmt.Errorf("unknown platform %q", platformName))
	}
	return a, nil
}

// execute はブレーカー・レートリミッター・タイムアウトを適用して呼び出しを実行する。
// 成功時はアダプタが返した実コストをクォータに加算する。
func (c *Client) execute(ctx context.Context, cred model.Credential, platformName string, fn func(ctx context.Context) (int, error)) error {
	br := c.breakers[platformName]

	// 開いているブレーカーはレート待ちより先に判定する
	if br.State() == gobreaker.StateOpen {
		return c.rejected(platformName, gobreaker.ErrOpenState)
	}

	if err := c.limiters[platformName].Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewFetchError(model.FailureTransient, platformName, err)
	}

	used, err := br.Execute(func() (int, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
		used, err := fn(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = model.NewFetchError(model.FailureTransient, platformName, fmt.Errorf("呼び出しがタイムアウトしました: %w", err))
		}
		return used, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return c.rejected(platformName, err)
		}
		c.recordCall(platformName, "failure")
		return err
	}

	c.recordCall(platformName, "success")
	if c.quota != nil && used > 0 {
		if qerr := c.quota.Consume(ctx, cred.Key, used); qerr != nil {
			c.logger.Error("実コストのクォータ加算に失敗しました",
				slog.String("platform", platformName),
				slog.String("credential_key", cred.Key),
				slog.Int("cost", used),
				slog.String("error", qerr.Error()),
			)
		}
	}
	return nil
}

func (c *Client) rejected(platformName string, err error) error {
	c.recordCall(platformName, "rejected")
	return model.NewFetchError(model.FailureCircuitOpen, platformName, err)
}

func (c *Client) recordCall(platformName, result string) {
	if c.metrics != nil {
		c.metrics.RecordOutboundCall(platformName, result)
	}
}

func toCircuitState(s gobreaker.State) model.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return model.CircuitOpen
	case gobreaker.StateHalfOpen:
		return model.CircuitHalfOpen
	default:
		return model.CircuitClosed
	}
}
