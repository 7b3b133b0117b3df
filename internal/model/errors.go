package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, import, source, system
	Action   string // ユーザー向け対処方法
	// ResetAt はクォータ超過時の枠リセット時刻。
	ResetAt time.Time
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidResource   = "INVALID_RESOURCE"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeImportInProgress  = "IMPORT_IN_PROGRESS"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeProjectNotFound   = "PROJECT_NOT_FOUND"
	ErrCodeSourceNotFound    = "SOURCE_NOT_FOUND"
	ErrCodeUnknownPlatform   = "UNKNOWN_PLATFORM"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeCredentialInvalid = "CREDENTIAL_INVALID"
)

// ActionReconnectCredential は認証エラー時に必ず提示する対処方法。
const ActionReconnectCredential = "外部サービスとの連携をやり直してください（認証情報の再接続）。"

// NewInvalidResourceError は取り込み対象として解釈できないURLのエラーを生成する。
func NewInvalidResourceError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResource,
		Message:  fmt.Sprintf("取り込み対象のURLとして解釈できません: %s", reason),
		Category: "validation",
		Action:   "対応プラットフォームのリソースURLを指定してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewQuotaExceededError はクォータ超過エラーを生成する。
// リセット時刻を必ず含める。
func NewQuotaExceededError(resetAt time.Time) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("利用枠の上限に達しました。%s にリセットされます。", resetAt.UTC().Format(time.RFC3339)),
		Category: "import",
		Action:   "リセット時刻以降に再度お試しください。",
		ResetAt:  resetAt,
	}
}

// NewImportInProgressError は同一リソースの取り込みが進行中のエラーを生成する。
func NewImportInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeImportInProgress,
		Message:  "同じリソースの取り込みが既に進行中です。",
		Category: "import",
		Action:   "取り込みの完了を待ってから結果を確認してください。",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "import",
		Action:   "タスクIDを確認してください。",
	}
}

// NewProjectNotFoundError はプロジェクト未検出エラーを生成する。
func NewProjectNotFoundError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotFound,
		Message:  fmt.Sprintf("指定されたプロジェクトが見つかりません: %s", projectID),
		Category: "import",
		Action:   "プロジェクトIDを確認してください。",
	}
}

// NewSourceNotFoundError はソース未検出エラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		Category: "source",
		Action:   "ソースIDを確認してください。",
	}
}

// NewUnknownPlatformError は未対応プラットフォームのエラーを生成する。
func NewUnknownPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "対応プラットフォーム（repo, video, design, web）を指定してください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnauthorizedError はユーザー識別不可エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ユーザーを識別できません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCredentialInvalidError は外部サービスの認証失敗エラーを生成する。
func NewCredentialInvalidError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeCredentialInvalid,
		Message:  fmt.Sprintf("%s の認証情報が無効または期限切れです。", platform),
		Category: "auth",
		Action:   ActionReconnectCredential,
	}
}
