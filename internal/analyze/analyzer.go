// Package analyze は取得したペイロードを正規化コンテンツに変換する分析処理を提供する。
package analyze

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/hitoshi/ingestor/internal/model"
)

// ErrUnavailable は分析サービスが設定されていない場合のエラー。
var ErrUnavailable = errors.New("analyzer unavailable")

// maxSummaryRunes はフォールバック時の要約の最大文字数。
const maxSummaryRunes = 280

// Analyzer はペイロードを正規化するインターフェース。
type Analyzer interface {
	Analyze(ctx context.Context, raw model.RawPayload) (model.NormalizedContent, error)
}

// HTTPAnalyzer は外部の分析サービスにJSONをPOSTして結果を受け取る。
type HTTPAnalyzer struct {
	client   *http.Client
	endpoint string
}

// NewHTTPAnalyzer はHTTPAnalyzerを生成する。
func NewHTTPAnalyzer(client *http.Client, endpoint string) *HTTPAnalyzer {
	return &HTTPAnalyzer{client: client, endpoint: endpoint}
}

// Analyze は分析サービスを呼び出す。
func (a *HTTPAnalyzer) Analyze(ctx context.Context, raw model.RawPayload) (model.NormalizedContent, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return model.NormalizedContent{}, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.NormalizedContent{}, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return model.NormalizedContent{}, fmt.Errorf("分析サービスの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.NormalizedContent{}, fmt.Errorf("分析サービスがステータス %d を返しました", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.NormalizedContent{}, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	var out model.NormalizedContent
	if err := json.Unmarshal(data, &out); err != nil {
		return model.NormalizedContent{}, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if out.Title == "" {
		out.Title = raw.Title
	}
	return out, nil
}

// Unavailable は分析サービス未設定時に使うAnalyzer。常にErrUnavailableを返す。
type Unavailable struct{}

// Analyze はErrUnavailableを返す。
func (Unavailable) Analyze(ctx context.Context, raw model.RawPayload) (model.NormalizedContent, error) {
	return model.NormalizedContent{}, ErrUnavailable
}

// Fallback は分析に失敗した場合の最小限の正規化コンテンツを生成する。
// タイトル・説明・URLとペイロード中のタグ類だけを使う。
func Fallback(raw model.RawPayload) model.NormalizedContent {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = raw.URL
	}
	desc := strings.TrimSpace(raw.Description)
	summary := desc
	if utf8.RuneCountInString(summary) > maxSummaryRunes {
		summary = string([]rune(summary)[:maxSummaryRunes]) + "…"
	}
	if summary == "" {
		summary = raw.URL
	}
	return model.NormalizedContent{
		Title:       title,
		Description: desc,
		Tags:        tagsFrom(raw.Data),
		Category:    raw.Platform,
		Summary:     summary,
	}
}

func tagsFrom(data map[string]any) []string {
	seen := map[string]bool{}
	var tags []string
	for _, key := range []string{"topics", "tags", "keywords"} {
		switch v := data[key].(type) {
		case []string:
			for _, s := range v {
				tags = appendTag(tags, seen, s)
			}
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					tags = appendTag(tags, seen, s)
				}
			}
		}
	}
	return tags
}

func appendTag(tags []string, seen map[string]bool, tag string) []string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" || seen[tag] {
		return tags
	}
	seen[tag] = true
	return append(tags, tag)
}
