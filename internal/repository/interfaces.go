// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// SourceRepository はContent Sourceの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ContentSource, error)

	// FindByNaturalKey は (userID, platform, externalID) でソースを取得する。見つからない場合はnilを返す。
	FindByNaturalKey(ctx context.Context, userID, platform, externalID string) (*model.ContentSource, error)

	// Upsert はソースを登録する。既存の場合は同期を再開し、状態と失敗回数をリセットする。
	Upsert(ctx context.Context, src *model.ContentSource) (*model.ContentSource, error)

	// ListByUserID はユーザーのソース一覧を作成日時の昇順で取得する。
	ListByUserID(ctx context.Context, userID string) ([]model.ContentSource, error)

	// SetSyncEnabled は同期の有効/無効を切り替える。
	// 有効化時に自動無効化されていたソースはactiveに戻す。
	SetSyncEnabled(ctx context.Context, id string, enabled bool) error

	// ListDueForSync は最終同期がolderThan以前の有効なソースを古い順に最大limit件取得する。
	ListDueForSync(ctx context.Context, olderThan time.Time, limit int) ([]model.ContentSource, error)

	// CountActive は同期対象となり得るソース数を返す。
	CountActive(ctx context.Context) (int, error)

	// RecordSyncSuccess は同期成功を記録する。last_synced_at は単調増加する。
	RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time, metadata map[string]any) error

	// RecordSyncFailure は同期の終端失敗を記録し、更新後のソースを返す。
	// attentionがtrueの場合はneeds_attentionにする。連続失敗がdisableAfterに達した場合は同期を無効化する。
	RecordSyncFailure(ctx context.Context, id, message string, attention bool, disableAfter int) (*model.ContentSource, error)

	// Reset は失敗状態をクリアしてactiveに戻す。
	Reset(ctx context.Context, id string) error
}

// ProjectRepository は取り込み済みProjectの永続化インターフェース。
type ProjectRepository interface {
	// FindByID は指定IDのProjectを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Project, error)

	// FindRefByExternalURL は (userID, externalURL) でProject参照を取得する。見つからない場合はnilを返す。
	FindRefByExternalURL(ctx context.Context, userID, externalURL string) (*model.ProjectRef, error)

	// Upsert は (user_id, external_url) をキーにProjectを挿入または更新する。
	// 新規挿入の場合はinsertedがtrueになる。
	Upsert(ctx context.Context, project *model.Project) (ref model.ProjectRef, inserted bool, err error)

	// ListNeedingReanalysis は再分析が必要なProjectを古い順に最大limit件取得する。
	ListNeedingReanalysis(ctx context.Context, limit int) ([]model.Project, error)

	// UpdateContent は正規化コンテンツと再分析フラグを更新する。
	UpdateContent(ctx context.Context, id string, content model.NormalizedContent, needsReanalysis bool) error
}
