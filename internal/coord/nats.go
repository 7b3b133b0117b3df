package coord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hitoshi/ingestor/internal/model"
)

// maxCASAttempts はリビジョン競合時の再試行上限。
const maxCASAttempts = 16

// errRevisionConflict は期待したリビジョンと一致しなかったことを表す。
var errRevisionConflict = errors.New("coord: revision conflict")

// kvBucket はNATSStoreが必要とするKV操作。
// リビジョン付きの作成・更新・削除でCASを表現する。
type kvBucket interface {
	// get は値とリビジョンを返す。キーが存在しない場合はリビジョン0を返す。
	get(ctx context.Context, key string) ([]byte, uint64, error)
	// put はrevision=0なら新規作成、それ以外は指定リビジョンからの更新を行う。
	put(ctx context.Context, key string, value []byte, revision uint64) error
	// remove は指定リビジョンの場合のみ削除する。
	remove(ctx context.Context, key string, revision uint64) error
}

// jetstreamBucket はJetStream KeyValueをkvBucketに適合させる。
type jetstreamBucket struct {
	kv jetstream.KeyValue
}

func (b *jetstreamBucket) get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (b *jetstreamBucket) put(ctx context.Context, key string, value []byte, revision uint64) error {
	var err error
	if revision == 0 {
		_, err = b.kv.Create(ctx, key, value)
	} else {
		_, err = b.kv.Update(ctx, key, value, revision)
	}
	if isRevisionConflict(err) {
		return errRevisionConflict
	}
	return err
}

func (b *jetstreamBucket) remove(ctx context.Context, key string, revision uint64) error {
	err := b.kv.Delete(ctx, key, jetstream.LastRevision(revision))
	if isRevisionConflict(err) {
		return errRevisionConflict
	}
	return err
}

// isRevisionConflict はKV操作のエラーがリビジョン不一致によるものかを判定する。
func isRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// NATSStore はNATS JetStream KVのリビジョン比較で原子性を保証するStore実装。
// 複数のワーカープロセス間でクォータとリースを共有する。
type NATSStore struct {
	bucket kvBucket
	now    func() time.Time
}

// ConnectNATS はNATSサーバーへ再接続付きで接続する。
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("ingestor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSStore はKVバケットを作成（既存なら更新）してNATSStoreを生成する。
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "ingestor quota counters and leases",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create key value bucket %s: %w", bucket, err)
	}
	return newNATSStore(&jetstreamBucket{kv: kv}), nil
}

func newNATSStore(bucket kvBucket) *NATSStore {
	return &NATSStore{bucket: bucket, now: time.Now}
}

// counterKey はKVキーとして使える文字だけで構成したカウンタキーを返す。
func counterKey(key string) string {
	return "q." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// leaseKey はKVキーとして使える文字だけで構成したリースキーを返す。
func leaseKey(key string) string {
	return "l." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// updateCounter はCASループでカウンタを更新する。
// applyがfalseを返した場合は書き込まずに現在値を返す。
func (s *NATSStore) updateCounter(ctx context.Context, key string, limit int, window time.Duration, apply func(*counterState) bool) (model.QuotaCounter, bool, error) {
	k := counterKey(key)
	for i := 0; i < maxCASAttempts; i++ {
		raw, rev, err := s.bucket.get(ctx, k)
		if err != nil {
			return model.QuotaCounter{}, false, fmt.Errorf("クォータカウンタの取得に失敗しました: %w", err)
		}
		var st counterState
		if rev != 0 {
			if err := json.Unmarshal(raw, &st); err != nil {
				return model.QuotaCounter{}, false, fmt.Errorf("クォータカウンタの解析に失敗しました: %w", err)
			}
		}
		st = st.rolled(s.now(), window)
		st.Cap = limit
		if !apply(&st) {
			return st.counter(key), false, nil
		}
		data, err := json.Marshal(st)
		if err != nil {
			return model.QuotaCounter{}, false, err
		}
		err = s.bucket.put(ctx, k, data, rev)
		if errors.Is(err, errRevisionConflict) {
			continue
		}
		if err != nil {
			return model.QuotaCounter{}, false, fmt.Errorf("クォータカウンタの更新に失敗しました: %w", err)
		}
		return st.counter(key), true, nil
	}
	return model.QuotaCounter{}, false, ErrContention
}

// AddWithin はUsed+amountがlimit以下の場合のみ加算する。
func (s *NATSStore) AddWithin(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, bool, error) {
	return s.updateCounter(ctx, key, limit, window, func(st *counterState) bool {
		if st.Used+amount > limit {
			return false
		}
		st.Used += amount
		return true
	})
}

// Add は無条件に加算する。
func (s *NATSStore) Add(ctx context.Context, key string, amount, limit int, window time.Duration) (model.QuotaCounter, error) {
	c, _, err := s.updateCounter(ctx, key, limit, window, func(st *counterState) bool {
		st.Used += amount
		if st.Used < 0 {
			st.Used = 0
		}
		return true
	})
	return c, err
}

// Get は現在のカウンタを返す。
func (s *NATSStore) Get(ctx context.Context, key string, limit int, window time.Duration) (model.QuotaCounter, error) {
	raw, rev, err := s.bucket.get(ctx, counterKey(key))
	if err != nil {
		return model.QuotaCounter{}, fmt.Errorf("クォータカウンタの取得に失敗しました: %w", err)
	}
	var st counterState
	if rev != 0 {
		if err := json.Unmarshal(raw, &st); err != nil {
			return model.QuotaCounter{}, fmt.Errorf("クォータカウンタの解析に失敗しました: %w", err)
		}
	}
	st = st.rolled(s.now(), window)
	st.Cap = limit
	return st.counter(key), nil
}

// Acquire はリースを取得する。
func (s *NATSStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := leaseKey(key)
	for i := 0; i < maxCASAttempts; i++ {
		raw, rev, err := s.bucket.get(ctx, k)
		if err != nil {
			return false, fmt.Errorf("リースの取得に失敗しました: %w", err)
		}
		var l leaseState
		if rev != 0 {
			if err := json.Unmarshal(raw, &l); err != nil {
				return false, fmt.Errorf("リースの解析に失敗しました: %w", err)
			}
		}
		now := s.now()
		if !l.acquirable(owner, now) {
			return false, nil
		}
		data, err := json.Marshal(leaseState{Owner: owner, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return false, err
		}
		err = s.bucket.put(ctx, k, data, rev)
		if errors.Is(err, errRevisionConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("リースの書き込みに失敗しました: %w", err)
		}
		return true, nil
	}
	return false, ErrContention
}

// Release はownerが保持している場合のみリースを解放する。
func (s *NATSStore) Release(ctx context.Context, key, owner string) error {
	k := leaseKey(key)
	for i := 0; i < maxCASAttempts; i++ {
		raw, rev, err := s.bucket.get(ctx, k)
		if err != nil {
			return fmt.Errorf("リースの取得に失敗しました: %w", err)
		}
		if rev == 0 {
			return nil
		}
		var l leaseState
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("リースの解析に失敗しました: %w", err)
		}
		if l.Owner != owner {
			return nil
		}
		err = s.bucket.remove(ctx, k, rev)
		if errors.Is(err, errRevisionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("リースの解放に失敗しました: %w", err)
		}
		return nil
	}
	return ErrContention
}

var _ Store = (*NATSStore)(nil)
