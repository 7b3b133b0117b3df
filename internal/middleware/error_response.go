package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/ingestor/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。クォータ超過時はリセット時刻も含む。
type ErrorResponseBody struct {
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	Category string     `json:"category"`
	Action   string     `json:"action"`
	ResetAt  *time.Time `json:"reset_at,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// ResetAtを持つエラーではRetry-Afterヘッダーも設定する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	if !apiErr.ResetAt.IsZero() {
		resetAt := apiErr.ResetAt.UTC()
		body.ResetAt = &resetAt
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(resetAt))))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// retryAfterSeconds は待機時間を切り上げた秒数にする。最小1秒。
func retryAfterSeconds(d time.Duration) int {
	sec := int(math.Ceil(d.Seconds()))
	if sec < 1 {
		return 1
	}
	return sec
}
