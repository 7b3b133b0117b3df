// Package dedup は (ユーザー, 外部URL) をキーにした取り込み済みリソースの重複排除を行う。
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ingestor/internal/coord"
	"github.com/hitoshi/ingestor/internal/model"
)

// DefaultLeaseTTL は取り込み進行中リースの既定TTL。
// ワーカーがクラッシュした場合もこの時間が経てば同じリソースを再度取り込める。
const DefaultLeaseTTL = 10 * time.Minute

// ProjectStore はIndexが必要とするProjectの永続化操作。
type ProjectStore interface {
	FindRefByExternalURL(ctx context.Context, userID, externalURL string) (*model.ProjectRef, error)
	Upsert(ctx context.Context, p *model.Project) (model.ProjectRef, bool, error)
}

// MetricsRecorder はProject書き込みのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordProjectUpsert(inserted bool)
}

// Index は重複排除インデックス。
// 取り込み済みの判定はUNIQUE (user_id, external_url) のインデックス検索で行い、
// 取り込み進行中の判定はTTL付きリースで行う。
type Index struct {
	projects ProjectStore
	leases   coord.Leases
	ttl      time.Duration
	metrics  MetricsRecorder
}

// NewIndex はIndexを生成する。ttlが0以下の場合はDefaultLeaseTTLを使用する。
func NewIndex(projects ProjectStore, leases coord.Leases, ttl time.Duration, metrics MetricsRecorder) *Index {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Index{projects: projects, leases: leases, ttl: ttl, metrics: metrics}
}

// LeaseKey は取り込み進行中リースのキーを返す。
func LeaseKey(userID, externalURL string) string {
	return "import:" + userID + ":" + externalURL
}

// TTL はリースのTTLを返す。
func (i *Index) TTL() time.Duration {
	return i.ttl
}

// Lookup は取り込み済みのProject参照を返す。未取り込みの場合はnilを返す。
func (i *Index) Lookup(ctx context.Context, userID, externalURL string) (*model.ProjectRef, error) {
	ref, err := i.projects.FindRefByExternalURL(ctx, userID, externalURL)
	if err != nil {
		return nil, fmt.Errorf("重複チェックに失敗しました: %w", err)
	}
	return ref, nil
}

// FindOrReserve は取り込み済みならその参照を返し、未取り込みならownerでリースを取得する。
// 他のownerがリースを保持している場合は (nil, false, nil) を返す。
// リース取得後にもう一度検索し、直前に完了した取り込みを見落とさないようにする。
func (i *Index) FindOrReserve(ctx context.Context, userID, externalURL, owner string) (*model.ProjectRef, bool, error) {
	ref, err := i.Lookup(ctx, userID, externalURL)
	if err != nil || ref != nil {
		return ref, false, err
	}

	key := LeaseKey(userID, externalURL)
	ok, err := i.leases.Acquire(ctx, key, owner, i.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("取り込みリースの取得に失敗しました: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	ref, err = i.Lookup(ctx, userID, externalURL)
	if err != nil || ref != nil {
		// 解放に失敗したリースはTTL経過まで残るため、呼び出し元に知らせる
		if relErr := i.ReleaseKey(ctx, key, owner); relErr != nil {
			return nil, false, errors.Join(err, relErr)
		}
		return ref, false, err
	}
	return nil, true, nil
}

// Upsert はProjectを書き込む。同じ自然キーへの同時書き込みは1行に収束する。
func (i *Index) Upsert(ctx context.Context, p *model.Project) (model.ProjectRef, bool, error) {
	ref, inserted, err := i.projects.Upsert(ctx, p)
	if err != nil {
		return model.ProjectRef{}, false, err
	}
	if i.metrics != nil {
		i.metrics.RecordProjectUpsert(inserted)
	}
	return ref, inserted, nil
}

// Release はownerが保持している取り込みリースを解放する。
func (i *Index) Release(ctx context.Context, userID, externalURL, owner string) error {
	return i.ReleaseKey(ctx, LeaseKey(userID, externalURL), owner)
}

// ReleaseKey はキーを指定してリースを解放する。
func (i *Index) ReleaseKey(ctx context.Context, key, owner string) error {
	if err := i.leases.Release(ctx, key, owner); err != nil {
		return fmt.Errorf("取り込みリースの解放に失敗しました: %w", err)
	}
	return nil
}
