// Package queue はレーンごとに分離されたタスクキューを提供する。
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ingestor/internal/model"
)

// DefaultMaxAttempts はタスクの既定の最大試行回数。
const DefaultMaxAttempts = 5

// DefaultPollInterval は空レーンをポーリングする既定の間隔。
const DefaultPollInterval = time.Second

// Queue はタスクキューのインターフェース。
// Dequeueはレーン単位で取り出すため、あるレーンの滞留が他のレーンを遅らせることはない。
type Queue interface {
	// Enqueue はタスクを登録する。
	Enqueue(ctx context.Context, task *model.Task) error

	// Dequeue はlaneから実行可能なタスクを1件取り出し、running状態にして試行回数を1増やす。
	// 実行可能なタスクがない場合はctxが終了するまで待機する。
	Dequeue(ctx context.Context, lane model.Lane) (*model.Task, error)

	// Complete はタスクを成功として終了する。
	Complete(ctx context.Context, id, projectID string) error

	// Retry はタスクをnotBefore以降に再実行するpending状態に戻す。
	Retry(ctx context.Context, id string, notBefore time.Time, kind model.FailureKind, message string) error

	// Release は中断されたタスクを試行回数を1戻してすぐに実行できるpending状態に戻す。
	Release(ctx context.Context, id string) error

	// Fail はタスクを失敗として終了する。
	Fail(ctx context.Context, id string, kind model.FailureKind, message string) error

	// Get はタスクを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, id string) (*model.Task, error)

	// Depth はlaneのpendingタスク数を返す。
	Depth(ctx context.Context, lane model.Lane) (int, error)
}

// Maintainer はメンテナンスジョブが使うキュー操作。
type Maintainer interface {
	// RequeueStuck はstartedBefore以前から実行中のままのタスクをpendingに戻し、件数を返す。
	RequeueStuck(ctx context.Context, startedBefore time.Time) (int, error)

	// PurgeFinished はfinishedBefore以前に終了したタスクを削除し、件数を返す。
	PurgeFinished(ctx context.Context, finishedBefore time.Time) (int, error)
}

// NewTask は新しいタスクを生成する。
// maxAttemptsが0以下の場合はDefaultMaxAttemptsを使用する。
func NewTask(lane model.Lane, payload model.TaskPayload, maxAttempts int, notBefore time.Time) *model.Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now()
	if notBefore.IsZero() {
		notBefore = now
	}
	return &model.Task{
		ID:          uuid.New().String(),
		Lane:        lane,
		Payload:     payload,
		Status:      model.TaskStatusPending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		NotBefore:   notBefore,
	}
}

// waitFor はdの経過かctxの終了かwakeの受信まで待機する。
func waitFor(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	}
}
