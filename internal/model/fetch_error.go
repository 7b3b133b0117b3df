package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind は外部呼び出し失敗の分類。
type FailureKind string

const (
	// FailureAuth は認証情報が無効または期限切れ。リトライしない。
	FailureAuth FailureKind = "auth"
	// FailureRateLimited はプロバイダ側のスロットリング。バックオフ後にリトライする。
	FailureRateLimited FailureKind = "rate_limited"
	// FailureNotFound はリソースが存在しない。リトライしない。
	FailureNotFound FailureKind = "not_found"
	// FailureRejected はプロバイダがリクエストを受け付けなかった（400や422など）。リトライしない。
	FailureRejected FailureKind = "rejected"
	// FailureTransient はネットワークエラーや5xx。バックオフ後にリトライする。
	FailureTransient FailureKind = "transient"
	// FailureCircuitOpen はサーキットブレーカーが開いているため即時失敗した。
	FailureCircuitOpen FailureKind = "circuit_open"
)

// Retryable はリトライ対象の分類かどうかを返す。
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureRateLimited, FailureTransient, FailureCircuitOpen:
		return true
	default:
		return false
	}
}

// Terminal は初回失敗で終端とする分類かどうかを返す。
func (k FailureKind) Terminal() bool {
	return k == FailureAuth || k == FailureNotFound || k == FailureRejected
}

// FetchError はプラットフォーム呼び出しの失敗を表す。
type FetchError struct {
	Kind       FailureKind
	Platform   string
	StatusCode int
	// RetryAfter はプロバイダが指定した再試行までの待機時間。未指定なら0。
	RetryAfter time.Duration
	Err        error
}

// NewFetchError はFetchErrorを生成する。
func NewFetchError(kind FailureKind, platform string, err error) *FetchError {
	return &FetchError{Kind: kind, Platform: platform, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Platform, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf はエラーの失敗分類を返す。
// FetchError以外のエラーはTransientとして扱う。
func KindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FailureTransient
}

// RetryAfterOf はエラーに含まれるRetry-After指定を返す。
func RetryAfterOf(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// IsCanceled は呼び出し元のキャンセルによるエラーかどうかを返す。
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// MessageAuthFailed は認証エラー時のユーザー向けメッセージ。
const MessageAuthFailed = "外部サービスの認証情報が無効または期限切れです。"

// UserMessage はユーザー向けの失敗メッセージを返す。
// 認証エラーはプロバイダの生のエラー文字列を含めない。
func UserMessage(err error) string {
	switch KindOf(err) {
	case FailureAuth:
		return MessageAuthFailed
	case FailureNotFound:
		return "外部サービス上にリソースが見つかりません。"
	case FailureRejected:
		return "外部サービスがリクエストを受け付けませんでした。"
	default:
		return err.Error()
	}
}
