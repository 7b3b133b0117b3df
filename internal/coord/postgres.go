package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// DB はPostgresStoreが必要とするSQL操作。
// *sql.DB や *sql.Tx を受け付けることができる。
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore はPostgreSQLの単一ステートメントUPSERTで原子性を保証するStore実装。
// 読み出してから書き込む形の更新は行わない。
type PostgresStore struct {
	db DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const addWithinQuery = `
INSERT INTO quota_counters AS q (key, used, cap, reset_at)
SELECT $1::text, $2::int, $3::int, now() + $4::float8 * interval '1 second'
WHERE $2::int <= $3::int
ON CONFLICT (key) DO UPDATE SET
    used = CASE WHEN q.reset_at <= now() THEN EXCLUDED.used ELSE q.used + EXCLUDED.used END,
    cap = EXCLUDED.cap,
    reset_at = CASE WHEN q.reset_at <= now() THEN EXCLUDED.reset_at ELSE q.reset_at END,
    updated_at = now()
WHERE (CASE WHEN q.reset_at <= now() THEN 0 ELSE q.used END) + EXCLUDED.used <= EXCLUDED.cap
RETURNING used, cap, reset_at`

// AddWithin はUsed+amountがlimit以下の場合のみ加算する。
// 条件付き加算は1つのINSERT ... ON CONFLICT DO UPDATE ... WHEREで行うため、
// 同時実行されても上限を超えて許可されることはない。
func (s *PostgresStore) AddWithin(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, bool, error) {
	c := model.QuotaCounter{Key: key}
	err := s.db.QueryRowContext(ctx, addWithinQuery, key, amount, limit, window.Seconds()).
		Scan(&c.Used, &c.Cap, &c.ResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, key, limit, window)
		if getErr != nil {
			return model.QuotaCounter{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return model.QuotaCounter{}, false, fmt.Errorf("クォータカウンタの加算に失敗しました: %w", err)
	}
	return c, true, nil
}

const addQuery = `
INSERT INTO quota_counters AS q (key, used, cap, reset_at)
VALUES ($1, GREATEST($2::int, 0), $3, now() + $4::float8 * interval '1 second')
ON CONFLICT (key) DO UPDATE SET
    used = GREATEST(CASE WHEN q.reset_at <= now() THEN 0 ELSE q.used END + $2::int, 0),
    cap = EXCLUDED.cap,
    reset_at = CASE WHEN q.reset_at <= now() THEN EXCLUDED.reset_at ELSE q.reset_at END,
    updated_at = now()
RETURNING used, cap, reset_at`

// Add は無条件に加算する。負の値は返金として扱う。
func (s *PostgresStore) Add(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, error) {
	c := model.QuotaCounter{Key: key}
	err := s.db.QueryRowContext(ctx, addQuery, key, amount, limit, window.Seconds()).
		Scan(&c.Used, &c.Cap, &c.ResetAt)
	if err != nil {
		return model.QuotaCounter{}, fmt.Errorf("クォータカウンタの更新に失敗しました: %w", err)
	}
	return c, nil
}

// Get は現在のカウンタを返す。
func (s *PostgresStore) Get(ctx context.Context, key string, limit int, window time.Duration) (model.QuotaCounter, error) {
	var st counterState
	var expired bool
	err := s.db.QueryRowContext(ctx,
		`SELECT used, reset_at, reset_at <= now() FROM quota_counters WHERE key = $1`,
		key,
	).Scan(&st.Used, &st.ResetAt, &expired)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && expired) {
		return model.QuotaCounter{Key: key, Used: 0, Cap: limit, ResetAt: time.Now().Add(window)}, nil
	}
	if err != nil {
		return model.QuotaCounter{}, fmt.Errorf("クォータカウンタの取得に失敗しました: %w", err)
	}
	st.Cap = limit
	return st.counter(key), nil
}

const acquireLeaseQuery = `
INSERT INTO leases AS l (key, owner, expires_at)
VALUES ($1, $2, now() + $3::float8 * interval '1 second')
ON CONFLICT (key) DO UPDATE SET
    owner = EXCLUDED.owner,
    expires_at = EXCLUDED.expires_at
WHERE l.expires_at <= now() OR l.owner = EXCLUDED.owner
RETURNING owner`

// Acquire はリースを取得する。
func (s *PostgresStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var got string
	err := s.db.QueryRowContext(ctx, acquireLeaseQuery, key, owner, ttl.Seconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("リースの取得に失敗しました: %w", err)
	}
	return got == owner, nil
}

// Release はownerが保持している場合のみリースを解放する。
func (s *PostgresStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return fmt.Errorf("リースの解放に失敗しました: %w", err)
	}
	return nil
}

// PurgeExpired は期限切れのリースと、枠のリセットから1日以上経過したカウンタを削除する。
// 削除したリースの件数を返す。
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("期限切れリースの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM quota_counters WHERE reset_at < now() - interval '1 day'`); err != nil {
		return int(n), fmt.Errorf("古いカウンタの削除に失敗しました: %w", err)
	}
	return int(n), nil
}

var _ Store = (*PostgresStore)(nil)
