// Package coord はワーカー間で共有するアトミックカウンタとTTL付きリースを提供する。
// クォータとインポート進行中マーカーはすべてこのインターフェース経由で更新する。
package coord

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// ErrContention はCASの再試行上限に達した場合のエラー。
var ErrContention = errors.New("coord: too much contention on key")

// Counters は時間枠付きのアトミックカウンタ。
// 枠のリセット時刻を過ぎたカウンタは読み出し時に0として扱い、新しいリセット時刻を割り当てる。
type Counters interface {
	// AddWithin はUsed+amountがlimit以下の場合のみ加算する。
	// 判定と加算は単一のアトミック操作で行う。
	AddWithin(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, bool, error)

	// Add は無条件に加算する。負の値は返金として扱い、Usedは0未満にならない。
	Add(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, error)

	// Get は現在のカウンタを返す。存在しない場合は使用量0のカウンタを返す。
	Get(ctx context.Context, key string, limit int, window time.Duration) (model.QuotaCounter, error)
}

// Leases はTTL付きの排他リース。
// 保持者がクラッシュしてもTTL経過後に再取得できる。
type Leases interface {
	// Acquire はリースを取得する。キーが未保持・期限切れ・同一ownerによる保持の場合に成功する。
	// 同一ownerの場合はTTLを延長する。
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release はownerが保持している場合のみリースを解放する。
	Release(ctx context.Context, key, owner string) error
}

// Store はカウンタとリースの両方を提供する。
type Store interface {
	Counters
	Leases
}

// counterState はカウンタ更新の計算に使う中間状態。
type counterState struct {
	Used    int       `json:"used"`
	Cap     int       `json:"cap"`
	ResetAt time.Time `json:"reset_at"`
}

// rolled は枠のリセット時刻を過ぎていれば新しい枠の状態を返す。
func (s counterState) rolled(now time.Time, window time.Duration) counterState {
	if s.ResetAt.IsZero() || !now.Before(s.ResetAt) {
		return counterState{Used: 0, Cap: s.Cap, ResetAt: now.Add(window)}
	}
	return s
}

func (s counterState) counter(key string) model.QuotaCounter {
	return model.QuotaCounter{Key: key, Used: s.Used, Cap: s.Cap, ResetAt: s.ResetAt}
}

// leaseState はリースの保持者と期限。
type leaseState struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// acquirable はownerがこのリースを取得できるかを返す。
func (l leaseState) acquirable(owner string, now time.Time) bool {
	return l.Owner == "" || l.Owner == owner || !now.Before(l.ExpiresAt)
}
