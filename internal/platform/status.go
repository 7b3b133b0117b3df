package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// ClassifyStatus はHTTPレスポンスのステータスを失敗分類に変換する。
// 2xx/3xxの場合はnilを返す。
func ClassifyStatus(platform string, resp *http.Response) error {
	code := resp.StatusCode
	if code < 400 {
		return nil
	}

	fe := &model.FetchError{Platform: platform, StatusCode: code}
	switch {
	case code == http.StatusUnauthorized:
		fe.Kind = model.FailureAuth
	case code == http.StatusForbidden:
		// 一部のプロバイダはレート制限超過を403で返す
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			fe.Kind = model.FailureRateLimited
			fe.RetryAfter = rateLimitReset(resp.Header, time.Now())
		} else {
			fe.Kind = model.FailureAuth
		}
	case code == http.StatusNotFound || code == http.StatusGone:
		fe.Kind = model.FailureNotFound
	case code == http.StatusTooManyRequests:
		fe.Kind = model.FailureRateLimited
		fe.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case code == http.StatusRequestTimeout:
		fe.Kind = model.FailureTransient
	case code < 500:
		// 同じリクエストを再送しても結果は変わらない
		fe.Kind = model.FailureRejected
	default:
		fe.Kind = model.FailureTransient
	}
	fe.Err = fmt.Errorf("unexpected status %d", code)
	return fe
}

// TransportError はネットワークエラーをTransientとして分類する。
// 呼び出し元のキャンセルはそのまま返す。
func TransportError(platform string, err error) error {
	if model.IsCanceled(err) {
		return err
	}
	var fe *model.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return model.NewFetchError(model.FailureTransient, platform, err)
}

// ParseRetryAfter はRetry-Afterヘッダ（秒数またはHTTP日付）を解析する。
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func rateLimitReset(h http.Header, now time.Time) time.Duration {
	if d := ParseRetryAfter(h.Get("Retry-After"), now); d > 0 {
		return d
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}
