package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ingestor/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したContent Sourceリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

var _ SourceRepository = (*PostgresSourceRepo)(nil)

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, user_id, platform, external_id, sync_enabled, status,
       last_synced_at, metadata, consecutive_failures, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*model.ContentSource, error) {
	src := &model.ContentSource{}
	var metadata []byte
	var lastError sql.NullString
	err := row.Scan(
		&src.ID, &src.UserID, &src.Platform, &src.ExternalID, &src.SyncEnabled, &src.Status,
		&src.LastSyncedAt, &metadata, &src.ConsecutiveFailures, &lastError, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	src.LastError = nullStringValue(lastError)
	if err := decodeJSON(metadata, &src.Metadata); err != nil {
		return nil, err
	}
	return src, nil
}

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.ContentSource, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM content_sources WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return src, nil
}

// FindByNaturalKey は (userID, platform, externalID) でソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByNaturalKey(ctx context.Context, userID, platform, externalID string) (*model.ContentSource, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM content_sources
		 WHERE user_id = $1 AND platform = $2 AND external_id = $3`,
		userID, platform, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの検索に失敗しました: %w", err)
	}
	return src, nil
}

// Upsert はソースを登録する。既存の場合は同期を再開し、状態と失敗回数をリセットする。
// メタデータ（カーソル）と最終同期日時は保持する。
func (r *PostgresSourceRepo) Upsert(ctx context.Context, src *model.ContentSource) (*model.ContentSource, error) {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	metadata, err := encodeJSON(src.Metadata)
	if err != nil {
		return nil, err
	}
	if !metadata.Valid {
		metadata = sql.NullString{String: "{}", Valid: true}
	}

	saved, err := scanSource(r.db.QueryRowContext(ctx,
		`INSERT INTO content_sources (id, user_id, platform, external_id, sync_enabled, status, metadata)
		 VALUES ($1, $2, $3, $4, TRUE, 'active', $5::jsonb)
		 ON CONFLICT (user_id, platform, external_id) DO UPDATE SET
		     sync_enabled = TRUE,
		     status = 'active',
		     consecutive_failures = 0,
		     last_error = NULL,
		     updated_at = now()
		 RETURNING `+sourceColumns,
		src.ID, src.UserID, src.Platform, src.ExternalID, metadata,
	))
	if err != nil {
		return nil, fmt.Errorf("ソースの登録に失敗しました: %w", err)
	}
	return saved, nil
}

// ListByUserID はユーザーのソース一覧を作成日時の昇順で取得する。
func (r *PostgresSourceRepo) ListByUserID(ctx context.Context, userID string) ([]model.ContentSource, error) {
	return r.list(ctx,
		`SELECT `+sourceColumns+` FROM content_sources WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID)
}

// SetSyncEnabled は同期の有効/無効を切り替える。
func (r *PostgresSourceRepo) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE content_sources SET
		     sync_enabled = $2::boolean,
		     status = CASE WHEN $2::boolean AND status = 'disabled' THEN 'active' ELSE status END,
		     consecutive_failures = CASE WHEN $2::boolean AND status = 'disabled' THEN 0 ELSE consecutive_failures END,
		     updated_at = now()
		 WHERE id = $1`,
		id, enabled,
	)
	if err != nil {
		return fmt.Errorf("同期設定の更新に失敗しました: %w", err)
	}
	return nil
}

// ListDueForSync は最終同期がolderThan以前の有効なソースを古い順に最大limit件取得する。
// idx_content_sources_due (sync_enabled, last_synced_at) WHERE status = 'active' を使用する。
func (r *PostgresSourceRepo) ListDueForSync(ctx context.Context, olderThan time.Time, limit int) ([]model.ContentSource, error) {
	return r.list(ctx,
		`SELECT `+sourceColumns+` FROM content_sources
		 WHERE sync_enabled = TRUE AND status = 'active' AND last_synced_at <= $1
		 ORDER BY last_synced_at ASC
		 LIMIT $2`,
		olderThan, limit)
}

// CountActive は同期対象となり得るソース数を返す。
func (r *PostgresSourceRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_sources WHERE sync_enabled = TRUE AND status = 'active'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("有効なソース数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// RecordSyncSuccess は同期成功を記録する。
// last_synced_at はGREATESTで単調増加させ、遅れて完了した古い同期で巻き戻らないようにする。
func (r *PostgresSourceRepo) RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time, metadata map[string]any) error {
	data, err := encodeJSON(metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE content_sources SET
		     last_synced_at = GREATEST(last_synced_at, $2),
		     metadata = COALESCE($3::jsonb, metadata),
		     consecutive_failures = 0,
		     last_error = NULL,
		     updated_at = now()
		 WHERE id = $1`,
		id, syncedAt, data,
	)
	if err != nil {
		return fmt.Errorf("同期成功の記録に失敗しました: %w", err)
	}
	return nil
}

// RecordSyncFailure は同期の終端失敗を記録し、更新後のソースを返す。
func (r *PostgresSourceRepo) RecordSyncFailure(ctx context.Context, id, message string, attention bool, disableAfter int) (*model.ContentSource, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`UPDATE content_sources SET
		     consecutive_failures = consecutive_failures + 1,
		     last_error = $2,
		     status = CASE
		         WHEN $4::int > 0 AND consecutive_failures + 1 >= $4::int THEN 'disabled'
		         WHEN $3::boolean THEN 'needs_attention'
		         ELSE status END,
		     sync_enabled = CASE
		         WHEN $4::int > 0 AND consecutive_failures + 1 >= $4::int THEN FALSE
		         ELSE sync_enabled END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+sourceColumns,
		id, nullString(message), attention, disableAfter,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期失敗の記録に失敗しました: %w", err)
	}
	return src, nil
}

// Reset は失敗状態をクリアしてactiveに戻す。
func (r *PostgresSourceRepo) Reset(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE content_sources SET
		     status = 'active',
		     sync_enabled = TRUE,
		     consecutive_failures = 0,
		     last_error = NULL,
		     updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ソースのリセットに失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresSourceRepo) list(ctx context.Context, query string, args ...any) ([]model.ContentSource, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []model.ContentSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ソース行の読み取りに失敗しました: %w", err)
		}
		sources = append(sources, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース一覧の走査に失敗しました: %w", err)
	}
	return sources, nil
}
