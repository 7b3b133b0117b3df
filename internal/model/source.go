// Package model はドメインモデルを定義する。
package model

import "time"

// ContentSource は定期同期の対象となる外部プラットフォーム上のソースを表す。
// (UserID, Platform, ExternalID) の組で一意となる。
type ContentSource struct {
	ID                  string
	UserID              string
	Platform            string
	ExternalID          string
	SyncEnabled         bool
	Status              SourceStatus
	LastSyncedAt        time.Time
	Metadata            map[string]any
	ConsecutiveFailures int
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SourceStatus はソースの同期状態を表す。
type SourceStatus string

const (
	// SourceStatusActive は同期対象として選択される状態。
	SourceStatusActive SourceStatus = "active"
	// SourceStatusNeedsAttention は終端エラーによりユーザー対応が必要な状態。
	SourceStatusNeedsAttention SourceStatus = "needs_attention"
	// SourceStatusDisabled は連続失敗またはユーザー操作で無効化された状態。
	SourceStatusDisabled SourceStatus = "disabled"
)

// metadataCursorKey はプラットフォームごとの最終取得位置を保持するメタデータキー。
const metadataCursorKey = "cursor"

// Cursor はメタデータに保存された最終取得位置を返す。
// 未設定または不正な値の場合はLastSyncedAtを返す。
func (s *ContentSource) Cursor() time.Time {
	if s.Metadata != nil {
		if v, ok := s.Metadata[metadataCursorKey].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
		}
	}
	return s.LastSyncedAt
}

// SetCursor はメタデータの最終取得位置を更新する。
// 既存の値より古い時刻は無視する。
func (s *ContentSource) SetCursor(t time.Time) {
	if t.IsZero() || !t.After(s.Cursor()) {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[metadataCursorKey] = t.UTC().Format(time.RFC3339Nano)
}

// IsDue はソースが同期対象かどうかを判定する。
func (s *ContentSource) IsDue(now time.Time, minInterval time.Duration) bool {
	return s.SyncEnabled && s.Status == SourceStatusActive && !s.LastSyncedAt.After(now.Add(-minInterval))
}
