package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// MemoryQueue は単一プロセス用のキュー実装。
// allコマンドとテストで使用する。
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
	// order はレーンごとの登録順のタスクID。
	order map[model.Lane][]string
	// wake はタスクの追加・再投入時にcloseされ、待機中のDequeueを起こす。
	wake         chan struct{}
	pollInterval time.Duration
	now          func() time.Time
}

var (
	_ Queue      = (*MemoryQueue)(nil)
	_ Maintainer = (*MemoryQueue)(nil)
)

// NewMemoryQueue はMemoryQueueを生成する。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:        make(map[string]*model.Task),
		order:        make(map[model.Lane][]string),
		wake:         make(chan struct{}),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// notifyLocked は待機中のDequeueを起こす。muを保持した状態で呼ぶ。
func (q *MemoryQueue) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue はタスクを登録する。
func (q *MemoryQueue) Enqueue(ctx context.Context, task *model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.ID]; exists {
		return fmt.Errorf("タスクIDが重複しています: %s", task.ID)
	}
	t := *task
	t.Status = model.TaskStatusPending
	q.tasks[t.ID] = &t
	q.order[t.Lane] = append(q.order[t.Lane], t.ID)
	q.notifyLocked()
	return nil
}

// Dequeue はlaneから実行可能なタスクを1件取り出す。
// notBeforeが最も早いタスクを優先する。
func (q *MemoryQueue) Dequeue(ctx context.Context, lane model.Lane) (*model.Task, error) {
	for {
		q.mu.Lock()
		task, wait := q.claimLocked(lane)
		wake := q.wake
		q.mu.Unlock()

		if task != nil {
			return task, nil
		}
		if wait <= 0 || wait > q.pollInterval {
			wait = q.pollInterval
		}
		if err := waitFor(ctx, wait, wake); err != nil {
			return nil, err
		}
	}
}

// claimLocked は実行可能なタスクを取り出す。なければ次のタスクが実行可能になるまでの時間を返す。
func (q *MemoryQueue) claimLocked(lane model.Lane) (*model.Task, time.Duration) {
	now := q.now()
	var best *model.Task
	var next time.Duration
	for _, id := range q.order[lane] {
		t := q.tasks[id]
		if t == nil || t.Status != model.TaskStatusPending {
			continue
		}
		if t.NotBefore.After(now) {
			if d := t.NotBefore.Sub(now); next == 0 || d < next {
				next = d
			}
			continue
		}
		if best == nil || t.NotBefore.Before(best.NotBefore) {
			best = t
		}
	}
	if best == nil {
		return nil, next
	}
	best.Status = model.TaskStatusRunning
	best.Attempt++
	started := now
	best.StartedAt = &started
	copied := *best
	return &copied, 0
}

// Complete はタスクを成功として終了する。
func (q *MemoryQueue) Complete(ctx context.Context, id, projectID string) error {
	return q.update(id, func(t *model.Task, now time.Time) {
		t.Status = model.TaskStatusSucceeded
		t.ProjectID = projectID
		t.LastError = ""
		t.ErrorKind = ""
		t.FinishedAt = &now
	})
}

// Retry はタスクをpendingに戻す。
func (q *MemoryQueue) Retry(ctx context.Context, id string, notBefore time.Time, kind model.FailureKind, message string) error {
	err := q.update(id, func(t *model.Task, now time.Time) {
		t.Status = model.TaskStatusPending
		t.NotBefore = notBefore
		t.ErrorKind = kind
		t.LastError = message
		t.StartedAt = nil
	})
	if err == nil {
		q.mu.Lock()
		q.notifyLocked()
		q.mu.Unlock()
	}
	return err
}

// Release は中断されたタスクの試行を取り消してpendingに戻す。
func (q *MemoryQueue) Release(ctx context.Context, id string) error {
	err := q.update(id, func(t *model.Task, now time.Time) {
		t.Status = model.TaskStatusPending
		if t.Attempt > 0 {
			t.Attempt--
		}
		t.NotBefore = now
		t.StartedAt = nil
	})
	if err == nil {
		q.mu.Lock()
		q.notifyLocked()
		q.mu.Unlock()
	}
	return err
}

// Fail はタスクを失敗として終了する。
func (q *MemoryQueue) Fail(ctx context.Context, id string, kind model.FailureKind, message string) error {
	return q.update(id, func(t *model.Task, now time.Time) {
		t.Status = model.TaskStatusFailed
		t.ErrorKind = kind
		t.LastError = message
		t.FinishedAt = &now
	})
}

func (q *MemoryQueue) update(id string, apply func(t *model.Task, now time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("タスクが見つかりません: %s", id)
	}
	apply(t, q.now())
	return nil
}

// Get はタスクを取得する。見つからない場合はnilを返す。
func (q *MemoryQueue) Get(ctx context.Context, id string) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

// Depth はlaneのpendingタスク数を返す。
func (q *MemoryQueue) Depth(ctx context.Context, lane model.Lane) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, id := range q.order[lane] {
		if t := q.tasks[id]; t != nil && t.Status == model.TaskStatusPending {
			n++
		}
	}
	return n, nil
}

// RequeueStuck は長時間実行中のままのタスクをpendingに戻す。
func (q *MemoryQueue) RequeueStuck(ctx context.Context, startedBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range q.tasks {
		if t.Status == model.TaskStatusRunning && t.StartedAt != nil && t.StartedAt.Before(startedBefore) {
			t.Status = model.TaskStatusPending
			t.NotBefore = q.now()
			t.StartedAt = nil
			n++
		}
	}
	if n > 0 {
		q.notifyLocked()
	}
	return n, nil
}

// PurgeFinished は終了済みの古いタスクを削除する。
func (q *MemoryQueue) PurgeFinished(ctx context.Context, finishedBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, t := range q.tasks {
		if t.IsFinished() && t.FinishedAt != nil && t.FinishedAt.Before(finishedBefore) {
			delete(q.tasks, id)
			n++
		}
	}
	if n > 0 {
		for lane, ids := range q.order {
			kept := ids[:0]
			for _, id := range ids {
				if _, ok := q.tasks[id]; ok {
					kept = append(kept, id)
				}
			}
			q.order[lane] = kept
		}
	}
	return n, nil
}
