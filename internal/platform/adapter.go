// Package platform は外部プラットフォームアダプタの共通契約を定義する。
// 各アダプタはURLの解析、単一リソースの取得、ソース配下のリソース一覧を提供する。
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// ErrInvalidResource はURLがどのプラットフォームのリソースとしても解釈できない場合のエラー。
var ErrInvalidResource = errors.New("invalid resource")

// Resource はURLから特定されたプラットフォーム上のリソース。
type Resource struct {
	Platform     string
	ExternalID   string
	CanonicalURL string
}

// Adapter はプラットフォームアダプタのインターフェース。
// 呼び出し失敗は model.FetchError として分類して返す。
type Adapter interface {
	// Platform はプラットフォーム名を返す。
	Platform() string
	// Parse は正規化済みURLを解析する。対象外のURLの場合はfalseを返す。
	Parse(u *url.URL) (Resource, bool)
	// FetchResource は単一リソースを取得し、ペイロードと実コストを返す。
	FetchResource(ctx context.Context, cred model.Credential, externalID string) (*model.RawPayload, int, error)
	// ListResources はソース配下でsinceより後に変更されたリソースを最大max件返す。
	ListResources(ctx context.Context, cred model.Credential, sourceExternalID string, since time.Time, max int) ([]model.RawPayload, int, error)
}

// Registry はプラットフォーム名からアダプタを引く。
type Registry struct {
	adapters map[string]Adapter
	// fallback は自動判定で最後に試すアダプタ名（汎用Webページ）。
	fallback string
}

// NewRegistry はRegistryを生成する。
// fallbackは自動判定時に他のアダプタが一致しなかった場合に使うアダプタ名。空なら使わない。
func NewRegistry(fallback string, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters)), fallback: fallback}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get は指定プラットフォームのアダプタを返す。
func (r *Registry) Get(platform string) (Adapter, bool) {
	a, ok := r.adapters[platform]
	return a, ok
}

// Platforms は登録済みプラットフォーム名を昇順で返す。
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve はURLを正規化し、対応するアダプタとリソースを返す。
// platformが空の場合はURLから自動判定する。
func (r *Registry) Resolve(platform, rawURL string) (Adapter, Resource, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return nil, Resource{}, err
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return nil, Resource{}, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}

	if platform != "" {
		a, ok := r.adapters[strings.ToLower(platform)]
		if !ok {
			return nil, Resource{}, fmt.Errorf("%w: unknown platform %q", ErrInvalidResource, platform)
		}
		res, ok := a.Parse(u)
		if !ok {
			return nil, Resource{}, fmt.Errorf("%w: URL is not a %s resource", ErrInvalidResource, a.Platform())
		}
		return a, res, nil
	}

	for _, name := range r.Platforms() {
		if name == r.fallback {
			continue
		}
		if res, ok := r.adapters[name].Parse(u); ok {
			return r.adapters[name], res, nil
		}
	}
	if a, ok := r.adapters[r.fallback]; ok {
		if res, ok := a.Parse(u); ok {
			return a, res, nil
		}
	}
	return nil, Resource{}, fmt.Errorf("%w: no platform matches %s", ErrInvalidResource, canonical)
}
