// Package cost はプラットフォームAPI呼び出しのコスト見積もりと実コストの解決を提供する。
// コストヘッダを返さないプロバイダ向けにエンドポイント別のフォールバック値を持つ。
package cost

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// エンドポイント名
const (
	EndpointFetch = "fetch"
	EndpointList  = "list"
)

//go:embed default.yaml
var defaultTableYAML []byte

// Table はコスト表。
type Table struct {
	DefaultCost int                      `yaml:"default_cost"`
	Platforms   map[string]PlatformCosts `yaml:"platforms"`
}

// PlatformCosts はプラットフォームごとのコスト設定。
type PlatformCosts struct {
	// CostHeader はプロバイダが実コストを返すレスポンスヘッダ名。
	CostHeader string         `yaml:"cost_header"`
	Endpoints  map[string]int `yaml:"endpoints"`
}

// DefaultTable は組み込みのコスト表を返す。
func DefaultTable() (*Table, error) {
	return parse(defaultTableYAML)
}

// LoadTable はYAMLファイルからコスト表を読み込む。
// pathが空の場合は組み込みのコスト表を返す。
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cost table: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse cost table: %w", err)
	}
	if t.DefaultCost <= 0 {
		t.DefaultCost = 1
	}
	return &t, nil
}

// Estimate は呼び出し前の見積もりコストを返す。
func (t *Table) Estimate(platform, endpoint string) int {
	if p, ok := t.Platforms[platform]; ok {
		if c, ok := p.Endpoints[endpoint]; ok && c >= 0 {
			return c
		}
	}
	return t.DefaultCost
}

// Resolve はレスポンスから実コストを解決する。
// コストヘッダが設定され有効な値が返っていればそれを使い、なければ見積もりコストを使う。
func (t *Table) Resolve(platform, endpoint string, header http.Header) int {
	if p, ok := t.Platforms[platform]; ok && p.CostHeader != "" && header != nil {
		if v := strings.TrimSpace(header.Get(p.CostHeader)); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	return t.Estimate(platform, endpoint)
}
