// Package orchestrator はユーザー起点の取り込み要求を受け付け、取り込みタスクを登録する。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/dedup"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
	"github.com/hitoshi/ingestor/internal/quota"
	"github.com/hitoshi/ingestor/internal/queue"
)

// Resolver はURLからプラットフォームとリソースを特定する。
type Resolver interface {
	Resolve(platform, rawURL string) (platform.Adapter, platform.Resource, error)
}

// DedupIndex は重複排除インデックスの操作。
type DedupIndex interface {
	Lookup(ctx context.Context, userID, externalURL string) (*model.ProjectRef, error)
	FindOrReserve(ctx context.Context, userID, externalURL, owner string) (*model.ProjectRef, bool, error)
	ReleaseKey(ctx context.Context, key, owner string) error
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

// MetricsRecorder は取り込み要求の結果を記録する。
type MetricsRecorder interface {
	RecordImportRequest(platform, outcome string)
}

// Config はOrchestratorの設定。
type Config struct {
	// MaxAttempts は取り込みタスクの最大試行回数。
	MaxAttempts int
}

// Orchestrator は取り込み要求を処理する。
type Orchestrator struct {
	resolver  Resolver
	dedup     DedupIndex
	quota     Quota
	estimator Estimator
	queue     Enqueuer
	metrics   MetricsRecorder
	config    Config
	logger    *slog.Logger
}

// New はOrchestratorを生成する。
func New(resolver Resolver, index DedupIndex, q Quota, estimator Estimator, enqueuer Enqueuer, metrics MetricsRecorder, config Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		resolver:  resolver,
		dedup:     index,
		quota:     q,
		estimator: estimator,
		queue:     enqueuer,
		metrics:   metrics,
		config:    config,
		logger:    logger,
	}
}

// RequestImport はリソースの取り込みを要求する。
// 想定内の結果はすべてOutcomeで返し、errorはインフラ障害の場合にのみ返す。
//
// 処理順序:
//  1. URLの正規化とプラットフォームの特定
//  2. 取り込み済みの確認
//  3. 利用枠の予約
//  4. 取り込み進行中リースの取得（リースの保持者はタスクID）
//  5. importレーンへの登録
func (o *Orchestrator) RequestImport(ctx context.Context, userID, platformName, rawURL string) (Outcome, error) {
	outcome, err := o.requestImport(ctx, userID, platformName, rawURL)
	if err == nil && o.metrics != nil {
		name := platformName
		if name == "" {
			name = "auto"
		}
		o.metrics.RecordImportRequest(name, outcome.Name())
	}
	return outcome, err
}

func (o *Orchestrator) requestImport(ctx context.Context, userID, platformName, rawURL string) (Outcome, error) {
	_, res, err := o.resolver.Resolve(platformName, rawURL)
	if err != nil {
		if errors.Is(err, platform.ErrInvalidResource) {
			return InvalidResource{Reason: invalidReason(err)}, nil
		}
		return nil, err
	}

	ref, err := o.dedup.Lookup(ctx, userID, res.CanonicalURL)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		return AlreadyImported{Project: *ref}, nil
	}

	credKey := model.CredentialKey(res.Platform, userID)
	reserved := o.estimator.Estimate(res.Platform, cost.EndpointFetch)
	decision, err := o.quota.TryConsume(ctx, credKey, reserved)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return QuotaExceeded{ResetAt: decision.ResetAt}, nil
	}

	task := queue.NewTask(model.LaneImport, model.TaskPayload{
		UserID:        userID,
		Platform:      res.Platform,
		ExternalID:    res.ExternalID,
		ExternalURL:   res.CanonicalURL,
		CredentialKey: credKey,
		ReservedCost:  reserved,
		LeaseKey:      dedup.LeaseKey(userID, res.CanonicalURL),
	}, o.config.MaxAttempts, time.Time{})

	ref, ok, err := o.dedup.FindOrReserve(ctx, userID, res.CanonicalURL, task.ID)
	if err != nil || !ok {
		o.refund(ctx, credKey, reserved)
		switch {
		case err != nil:
			return nil, err
		case ref != nil:
			return AlreadyImported{Project: *ref}, nil
		default:
			return ImportInProgress{}, nil
		}
	}

	if err := o.queue.Enqueue(ctx, task); err != nil {
		if relErr := o.dedup.ReleaseKey(ctx, task.Payload.LeaseKey, task.ID); relErr != nil {
			o.logger.Error("取り込みリースの解放に失敗しました",
				slog.String("lease_key", task.Payload.LeaseKey),
				slog.String("error", relErr.Error()),
			)
		}
		o.refund(ctx, credKey, reserved)
		return nil, fmt.Errorf("取り込みタスクの登録に失敗しました: %w", err)
	}

	o.logger.Info("取り込みタスクを登録しました",
		slog.String("task_id", task.ID),
		slog.String("user_id", userID),
		slog.String("platform", res.Platform),
		slog.String("external_url", res.CanonicalURL),
	)
	return Accepted{TaskID: task.ID}, nil
}

func (o *Orchestrator) refund(ctx context.Context, key string, amount int) {
	if err := o.quota.Refund(ctx, key, amount); err != nil {
		o.logger.Error("利用枠の返却に失敗しました",
			slog.String("credential_key", key),
			slog.Int("amount", amount),
			slog.String("error", err.Error()),
		)
	}
}

// invalidReason はErrInvalidResourceのラップ文字列から理由部分を取り出す。
func invalidReason(err error) string {
	msg := err.Error()
	prefix := platform.ErrInvalidResource.Error() + ": "
	return strings.TrimPrefix(msg, prefix)
}
