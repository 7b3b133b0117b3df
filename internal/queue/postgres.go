package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/ingestor/internal/model"
)

// PostgresQueue はtasksテーブルを使うキュー実装。
// 複数のワーカープロセスが同じレーンを取り出しても、FOR UPDATE SKIP LOCKEDにより
// 1件のタスクは1つのワーカーにだけ渡される。
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

var (
	_ Queue      = (*PostgresQueue)(nil)
	_ Maintainer = (*PostgresQueue)(nil)
)

// NewPostgresQueue はPostgresQueueを生成する。
// pollIntervalが0以下の場合はDefaultPollIntervalを使用する。
func NewPostgresQueue(db *sql.DB, pollInterval time.Duration) *PostgresQueue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &PostgresQueue{db: db, pollInterval: pollInterval}
}

const taskColumns = `id, lane, payload, status, attempt, max_attempts, enqueued_at, not_before,
       started_at, finished_at, last_error, error_kind, project_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var payload []byte
	var startedAt, finishedAt sql.NullTime
	var lastError, errorKind, projectID sql.NullString
	err := row.Scan(
		&t.ID, &t.Lane, &payload, &t.Status, &t.Attempt, &t.MaxAttempts, &t.EnqueuedAt, &t.NotBefore,
		&startedAt, &finishedAt, &lastError, &errorKind, &projectID,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("タスクペイロードのデコードに失敗しました: %w", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	t.LastError = lastError.String
	t.ErrorKind = model.FailureKind(errorKind.String)
	t.ProjectID = projectID.String
	return t, nil
}

// Enqueue はタスクを登録する。
func (q *PostgresQueue) Enqueue(ctx context.Context, task *model.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("タスクペイロードのエンコードに失敗しました: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, lane, payload, status, max_attempts, enqueued_at, not_before)
		 VALUES ($1, $2, $3::jsonb, 'pending', $4, $5, $6)`,
		task.ID, string(task.Lane), string(payload), task.MaxAttempts, task.EnqueuedAt, task.NotBefore,
	)
	if err != nil {
		return fmt.Errorf("タスクの登録に失敗しました: %w", err)
	}
	return nil
}

const claimQuery = `
UPDATE tasks SET
    status = 'running',
    attempt = attempt + 1,
    started_at = now()
WHERE id = (
    SELECT id FROM tasks
    WHERE lane = $1 AND status = 'pending' AND not_before <= now()
    ORDER BY not_before ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + taskColumns

// Dequeue はlaneから実行可能なタスクを1件取り出す。
// 実行可能なタスクがない場合はpollIntervalごとに再試行する。
func (q *PostgresQueue) Dequeue(ctx context.Context, lane model.Lane) (*model.Task, error) {
	for {
		task, err := scanTask(q.db.QueryRowContext(ctx, claimQuery, string(lane)))
		if err == nil {
			return task, nil
		}
		if err != sql.ErrNoRows {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("タスクの取り出しに失敗しました: %w", err)
		}
		if err := waitFor(ctx, q.pollInterval, nil); err != nil {
			return nil, err
		}
	}
}

// Complete はタスクを成功として終了する。
func (q *PostgresQueue) Complete(ctx context.Context, id, projectID string) error {
	return q.exec(ctx, "タスクの完了記録",
		`UPDATE tasks SET status = 'succeeded', project_id = $2, last_error = NULL, error_kind = NULL,
		     finished_at = now()
		 WHERE id = $1`,
		id, nullString(projectID))
}

// Retry はタスクをpendingに戻す。
func (q *PostgresQueue) Retry(ctx context.Context, id string, notBefore time.Time, kind model.FailureKind, message string) error {
	return q.exec(ctx, "タスクの再投入",
		`UPDATE tasks SET status = 'pending', not_before = $2, error_kind = $3, last_error = $4,
		     started_at = NULL
		 WHERE id = $1`,
		id, notBefore, nullString(string(kind)), nullString(message))
}

// Release は中断されたタスクの試行を取り消してpendingに戻す。
func (q *PostgresQueue) Release(ctx context.Context, id string) error {
	return q.exec(ctx, "中断タスクの解放",
		`UPDATE tasks SET status = 'pending', attempt = GREATEST(attempt - 1, 0), not_before = now(),
		     started_at = NULL
		 WHERE id = $1`,
		id)
}

// Fail はタスクを失敗として終了する。
func (q *PostgresQueue) Fail(ctx context.Context, id string, kind model.FailureKind, message string) error {
	return q.exec(ctx, "タスクの失敗記録",
		`UPDATE tasks SET status = 'failed', error_kind = $2, last_error = $3, finished_at = now()
		 WHERE id = $1`,
		id, nullString(string(kind)), nullString(message))
}

func (q *PostgresQueue) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%sに失敗しました: タスクが見つかりません: %v", op, args[0])
	}
	return nil
}

// Get はタスクを取得する。見つからない場合はnilを返す。
func (q *PostgresQueue) Get(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(q.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	return t, nil
}

// Depth はlaneのpendingタスク数を返す。
func (q *PostgresQueue) Depth(ctx context.Context, lane model.Lane) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE lane = $1 AND status = 'pending'`, string(lane),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("キュー長の取得に失敗しました: %w", err)
	}
	return n, nil
}

// RequeueStuck はstartedBefore以前から実行中のままのタスクをpendingに戻す。
// 試行回数は取り出し時に加算済みのため、クラッシュしたワーカーの試行も予算に数えられる。
func (q *PostgresQueue) RequeueStuck(ctx context.Context, startedBefore time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', not_before = now(), started_at = NULL
		 WHERE status = 'running' AND started_at < $1`,
		startedBefore)
	if err != nil {
		return 0, fmt.Errorf("停滞タスクの再投入に失敗しました: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeFinished はfinishedBefore以前に終了したタスクを削除する。
func (q *PostgresQueue) PurgeFinished(ctx context.Context, finishedBefore time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('succeeded', 'failed') AND finished_at < $1`,
		finishedBefore)
	if err != nil {
		return 0, fmt.Errorf("終了済みタスクの削除に失敗しました: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
