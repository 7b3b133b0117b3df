package model

import "time"

// QuotaCounter は認証情報ごとの利用量カウンタ。
// Usedはアトミックな加算でのみ更新される。
type QuotaCounter struct {
	Key     string
	Used    int
	Cap     int
	ResetAt time.Time
}

// Remaining は残り利用可能量を返す。
func (c QuotaCounter) Remaining() int {
	if c.Used >= c.Cap {
		return 0
	}
	return c.Cap - c.Used
}

// CircuitState はプラットフォームごとのサーキットブレーカー状態。
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Credential は外部プラットフォーム呼び出しに使う認証情報。
type Credential struct {
	// Key はクォータ管理に使うキー（platform:userID）。
	Key      string
	Platform string
	UserID   string
	Token    string
}

// CredentialKey はプラットフォームとユーザーからクォータキーを生成する。
func CredentialKey(platform, userID string) string {
	return platform + ":" + userID
}
