// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hitoshi/ingestor/internal/middleware"
	"github.com/hitoshi/ingestor/internal/model"
)

// maxRequestBodyBytes はリクエストボディの最大サイズ。
const maxRequestBodyBytes = 64 << 10

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// getValidator はリクエストDTO用のバリデーターを返す。
// エラーメッセージのフィールド名にはJSONタグ名を使う。
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// decodeRequest はJSONボディを読み取り、validateタグで検証する。
// 失敗した場合はINVALID_REQUESTのAPIErrorを返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.NewInvalidRequestError("リクエストボディの解析に失敗しました")
	}

	if err := getValidator().Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return model.NewInvalidRequestError(translateFieldError(fieldErrs[0]))
		}
		return model.NewInvalidRequestError(err.Error())
	}
	return nil
}

// translateFieldError はバリデーションエラーを利用者向けの文言にする。
func translateFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s は必須です", field)
	case "url", "http_url":
		return fmt.Sprintf("%s はURL形式で指定してください", field)
	case "max":
		return fmt.Sprintf("%s は%s文字以内で指定してください", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s は %s のいずれかを指定してください", field, fe.Param())
	default:
		return fmt.Sprintf("%s が不正です（%s）", field, fe.Tag())
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidResource, model.ErrCodeInvalidRequest, model.ErrCodeUnknownPlatform:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeCredentialInvalid:
		return http.StatusUnprocessableEntity
	case model.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeImportInProgress:
		return http.StatusConflict
	case model.ErrCodeTaskNotFound, model.ErrCodeProjectNotFound, model.ErrCodeSourceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// requireUserID はコンテキストからユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
