// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は取り込んだリソースの説明文などに含まれるHTMLをサニタイズする。
// 外部プラットフォームから得た文字列はそのまま保存せず、必ずここを通す。
type ContentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - imgのsrc属性とaのhref属性は https のみ
//   - aタグには target="_blank" と rel="noopener noreferrer" を付与
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &ContentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLをサニタイズする。同一入力に対して常に同一出力を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}

// PlainText は全てのタグを除去し、前後の空白を取り除いた文字列を返す。
// タイトルやタグなどプレーンテキストとして扱うフィールドに使う。
func (s *ContentSanitizer) PlainText(raw string) string {
	return strings.TrimSpace(s.strict.Sanitize(raw))
}
