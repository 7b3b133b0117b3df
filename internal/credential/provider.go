// Package credential は外部プラットフォーム呼び出し用の認証情報を解決する。
package credential

import (
	"context"

	"github.com/hitoshi/ingestor/internal/model"
)

// Provider はユーザー・プラットフォームごとの認証情報を返すインターフェース。
type Provider interface {
	Credential(ctx context.Context, platform, userID string) (model.Credential, error)
}

// StaticProvider は設定で与えたプラットフォーム別トークンを全ユーザーで共有する。
// クォータはユーザーごとに分けるため、キーにはユーザーIDを含める。
type StaticProvider struct {
	tokens map[string]string
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider はStaticProviderを生成する。
func NewStaticProvider(tokens map[string]string) *StaticProvider {
	return &StaticProvider{tokens: tokens}
}

// Credential は認証情報を返す。トークン未設定のプラットフォームは匿名呼び出しになる。
func (p *StaticProvider) Credential(ctx context.Context, platform, userID string) (model.Credential, error) {
	return model.Credential{
		Key:      model.CredentialKey(platform, userID),
		Platform: platform,
		UserID:   userID,
		Token:    p.tokens[platform],
	}, nil
}
