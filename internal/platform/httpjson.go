package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// MaxBodySize はプラットフォームAPIレスポンスの最大読み取りサイズ。
const MaxBodySize = 5 * 1024 * 1024

// UserAgent は外部呼び出しで送信するUser-Agent。
const UserAgent = "Ingestor/1.0"

// GetJSON はGETリクエストを送信し、JSONレスポンスをoutにデコードする。
// tokenが空でなければBearer認証ヘッダを付与する。レスポンスヘッダはコスト解決に使う。
func GetJSON(ctx context.Context, client *http.Client, platform, rawURL, token string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, TransportError(platform, err)
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(platform, resp); err != nil {
		return resp.Header, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return resp.Header, TransportError(platform, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.Header, TransportError(platform, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	return resp.Header, nil
}
