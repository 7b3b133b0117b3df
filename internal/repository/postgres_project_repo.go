package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/ingestor/internal/model"
)

// PostgresProjectRepo はPostgreSQLを使用したProjectリポジトリ。
type PostgresProjectRepo struct {
	db *sql.DB
}

var _ ProjectRepository = (*PostgresProjectRepo)(nil)

// NewPostgresProjectRepo はPostgresProjectRepoを生成する。
func NewPostgresProjectRepo(db *sql.DB) *PostgresProjectRepo {
	return &PostgresProjectRepo{db: db}
}

const projectColumns = `id, user_id, source_id, platform, external_id, external_url, title,
       description, tags, category, summary, raw_payload, needs_reanalysis, imported_at, updated_at`

func scanProject(row rowScanner) (*model.Project, error) {
	p := &model.Project{}
	var sourceID, category, summary sql.NullString
	var tags pq.StringArray
	var raw []byte
	err := row.Scan(
		&p.ID, &p.UserID, &sourceID, &p.Platform, &p.ExternalID, &p.ExternalURL, &p.Title,
		&p.Content.Description, &tags, &category, &summary, &raw, &p.NeedsReanalysis,
		&p.ImportedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.SourceID = nullStringValue(sourceID)
	p.Content.Title = p.Title
	p.Content.Tags = []string(tags)
	p.Content.Category = nullStringValue(category)
	p.Content.Summary = nullStringValue(summary)
	if len(raw) > 0 {
		p.RawPayload = &model.RawPayload{}
		if err := decodeJSON(raw, p.RawPayload); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// FindByID は指定IDのProjectを取得する。見つからない場合はnilを返す。
func (r *PostgresProjectRepo) FindByID(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(r.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Projectの取得に失敗しました: %w", err)
	}
	return p, nil
}

// FindRefByExternalURL は (userID, externalURL) でProject参照を取得する。見つからない場合はnilを返す。
// UNIQUE (user_id, external_url) のインデックスで検索するため、ユーザーの全Projectを走査しない。
func (r *PostgresProjectRepo) FindRefByExternalURL(ctx context.Context, userID, externalURL string) (*model.ProjectRef, error) {
	ref := &model.ProjectRef{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_url, title FROM projects WHERE user_id = $1 AND external_url = $2`,
		userID, externalURL,
	).Scan(&ref.ID, &ref.ExternalURL, &ref.Title)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Projectの検索に失敗しました: %w", err)
	}
	return ref, nil
}

// Upsert は (user_id, external_url) をキーにProjectを挿入または更新する。
// 同時に同じリソースを書き込んでも1行に収束し、内容は最後の書き込みになる。
// 既存行の取り込み日時とsource_idは保持する（source_idは未設定の場合のみ埋める）。
func (r *PostgresProjectRepo) Upsert(ctx context.Context, p *model.Project) (model.ProjectRef, bool, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	raw, err := encodeJSON(p.RawPayload)
	if err != nil {
		return model.ProjectRef{}, false, err
	}
	if p.RawPayload == nil {
		raw = sql.NullString{}
	}
	tags := p.Content.Tags
	if tags == nil {
		tags = []string{}
	}

	var ref model.ProjectRef
	var inserted bool
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO projects (id, user_id, source_id, platform, external_id, external_url, title,
		                       description, tags, category, summary, raw_payload, needs_reanalysis)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		 ON CONFLICT (user_id, external_url) DO UPDATE SET
		     source_id = COALESCE(projects.source_id, EXCLUDED.source_id),
		     title = EXCLUDED.title,
		     description = EXCLUDED.description,
		     tags = EXCLUDED.tags,
		     category = EXCLUDED.category,
		     summary = EXCLUDED.summary,
		     raw_payload = EXCLUDED.raw_payload,
		     needs_reanalysis = EXCLUDED.needs_reanalysis,
		     updated_at = now()
		 RETURNING id, external_url, title, (xmax = 0)`,
		id, p.UserID, nullString(p.SourceID), p.Platform, p.ExternalID, p.ExternalURL, p.Title,
		p.Content.Description, pq.Array(tags), nullString(p.Content.Category), nullString(p.Content.Summary),
		raw, p.NeedsReanalysis,
	).Scan(&ref.ID, &ref.ExternalURL, &ref.Title, &inserted)
	if err != nil {
		return model.ProjectRef{}, false, fmt.Errorf("ProjectのUPSERTに失敗しました: %w", err)
	}
	return ref, inserted, nil
}

// ListNeedingReanalysis は再分析が必要なProjectを古い順に最大limit件取得する。
func (r *PostgresProjectRepo) ListNeedingReanalysis(ctx context.Context, limit int) ([]model.Project, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects
		 WHERE needs_reanalysis
		 ORDER BY updated_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("再分析対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("Project行の読み取りに失敗しました: %w", err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再分析対象の走査に失敗しました: %w", err)
	}
	return projects, nil
}

// UpdateContent は正規化コンテンツと再分析フラグを更新する。
func (r *PostgresProjectRepo) UpdateContent(ctx context.Context, id string, content model.NormalizedContent, needsReanalysis bool) error {
	tags := content.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE projects SET
		     title = CASE WHEN $2::text = '' THEN title ELSE $2::text END,
		     description = $3,
		     tags = $4,
		     category = $5,
		     summary = $6,
		     needs_reanalysis = $7,
		     updated_at = now()
		 WHERE id = $1`,
		id, content.Title, content.Description, pq.Array(tags),
		nullString(content.Category), nullString(content.Summary), needsReanalysis,
	)
	if err != nil {
		return fmt.Errorf("Projectのコンテンツ更新に失敗しました: %w", err)
	}
	return nil
}
