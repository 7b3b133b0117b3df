package coord

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// MemoryStore は単一プロセス用のStore実装。
// allコマンドとテストで使用する。
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]counterState
	leases   map[string]leaseState
	now      func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]counterState),
		leases:   make(map[string]leaseState),
		now:      time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddWithin はUsed+amountがlimit以下の場合のみ加算する。
func (s *MemoryStore) AddWithin(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load(key, limit, window)
	if st.Used+amount > limit {
		return st.counter(key), false, nil
	}
	st.Used += amount
	s.counters[key] = st
	return st.counter(key), true, nil
}

// Add は無条件に加算する。
func (s *MemoryStore) Add(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load(key, limit, window)
	st.Used += amount
	if st.Used < 0 {
		st.Used = 0
	}
	s.counters[key] = st
	return st.counter(key), nil
}

// Get は現在のカウンタを返す。
func (s *MemoryStore) Get(ctx context.Context, key string, limit int, window time.Duration) (model.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.load(key, limit, window)
	s.counters[key] = st
	return st.counter(key), nil
}

// load はロック取得済みの状態でカウンタを読み出し、必要なら枠をロールオーバーする。
func (s *MemoryStore) load(key string, limit int, window time.Duration) counterState {
	st := s.counters[key].rolled(s.now(), window)
	st.Cap = limit
	return st
}

// Acquire はリースを取得する。
func (s *MemoryStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.leases[key].acquirable(owner, now) {
		return false, nil
	}
	s.leases[key] = leaseState{Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// Release はownerが保持している場合のみリースを解放する。
func (s *MemoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[key]; ok && l.Owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// PurgeExpired は期限切れのリースを削除し、削除件数を返す。
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int
	for k, l := range s.leases {
		if !now.Before(l.ExpiresAt) {
			delete(s.leases, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
