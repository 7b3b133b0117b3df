package apiclient

import (
	"net/http"
	"time"
)

// PoolConfig はプラットフォームごとのHTTPコネクションプール設定。
type PoolConfig struct {
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

// DefaultPoolConfig はデフォルトのプール設定を返す。
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnsPerHost:     16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewPooledHTTPClient はプール設定を反映したHTTPクライアントを生成する。
// タイムアウトは呼び出しごとのcontextで制御するため、クライアント全体には設定しない。
func NewPooledHTTPClient(cfg PoolConfig) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	applyPool(t, cfg)
	return &http.Client{Transport: t}
}

// ApplyPool は既存クライアント（SSRF防止付きクライアントなど）のTransportにプール設定を反映する。
// Transportが*http.Transportでない場合は何もしない。
func ApplyPool(client *http.Client, cfg PoolConfig) *http.Client {
	if t, ok := client.Transport.(*http.Transport); ok {
		applyPool(t, cfg)
	}
	return client
}

func applyPool(t *http.Transport, cfg PoolConfig) {
	if cfg.MaxConnsPerHost > 0 {
		t.MaxConnsPerHost = cfg.MaxConnsPerHost
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		t.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.TLSHandshakeTimeout > 0 {
		t.TLSHandshakeTimeout = cfg.TLSHandshakeTimeout
	}
}
