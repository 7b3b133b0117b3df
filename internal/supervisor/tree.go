// Package supervisor はワーカープール・定期ジョブ・HTTPサーバーを監視ツリーで起動する。
// 停止したサービスはsutureにより再起動される。
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config は監視ツリーの設定。
type Config struct {
	// FailureThreshold はバックオフに入るまでの失敗回数（デフォルト: 5）。
	FailureThreshold float64
	// FailureDecay は失敗回数が減衰する秒数（デフォルト: 30）。
	FailureDecay float64
	// FailureBackoff はしきい値超過時の待機時間（デフォルト: 15秒）。
	FailureBackoff time.Duration
	// ShutdownTimeout は停止を待つ最大時間（デフォルト: 10秒）。
	ShutdownTimeout time.Duration
}

// Tree は3層の監視ツリー。
//   - workers: レーンごとのワーカープール
//   - jobs: 同期スケジューラ、再分析、メンテナンス
//   - api: HTTPサーバー
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	jobs    *suture.Supervisor
	api     *suture.Supervisor
	config  Config
}

// New はTreeを生成する。0の設定値には既定値を使う。
func New(logger *slog.Logger, config Config) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = handler.MustHook()

	t := &Tree{
		root:    suture.New("ingestor", rootSpec),
		workers: suture.New("workers", spec),
		jobs:    suture.New("jobs", spec),
		api:     suture.New("api", spec),
		config:  config,
	}
	t.root.Add(t.workers)
	t.root.Add(t.jobs)
	t.root.Add(t.api)
	return t
}

// AddWorker はワーカープールを追加する。
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// AddJob は定期ジョブを追加する。
func (t *Tree) AddJob(svc suture.Service) suture.ServiceToken {
	return t.jobs.Add(svc)
}

// AddAPI はHTTPサーバーを追加する。
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve はctxがキャンセルされるまでツリーを実行する。
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// UnstoppedServiceReport は停止タイムアウト内に止まらなかったサービスを返す。
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
