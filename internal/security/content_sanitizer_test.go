package security

import (
	"strings"
	"testing"
)

func TestSanitize_AllowedMarkup(t *testing.T) {
	s := NewContentSanitizer()
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"段落", "<p>説明文</p>", []string{"<p>説明文</p>"}},
		{"リスト", "<ul><li>a</li><li>b</li></ul>", []string{"<ul>", "<li>a</li>", "</ul>"}},
		{"コード", "<pre><code>go test ./...</code></pre>", []string{"<pre><code>go test ./...</code></pre>"}},
		{"強調", "<strong>重要</strong><em>注意</em>", []string{"<strong>重要</strong>", "<em>注意</em>"}},
		{"リンク", `<a href="https://example.com">docs</a>`, []string{`href="https://example.com"`, `target="_blank"`, "noopener", "noreferrer"}},
		{"https画像", `<img src="https://example.com/a.png" alt="図">`, []string{`src="https://example.com/a.png"`, `alt="図"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Sanitize(tt.input)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Sanitize(%q) = %q, want to contain %q", tt.input, got, w)
				}
			}
		})
	}
}

func TestSanitize_RemovesDangerousMarkup(t *testing.T) {
	s := NewContentSanitizer()
	tests := []struct {
		name      string
		input     string
		forbidden []string
	}{
		{"script", `<p>ok</p><script>alert(1)</script>`, []string{"<script", "alert(1)"}},
		{"iframe", `<iframe src="https://evil.example"></iframe>`, []string{"<iframe"}},
		{"style", `<style>body{display:none}</style>`, []string{"<style"}},
		{"イベント属性", `<p onclick="steal()">x</p>`, []string{"onclick", "steal"}},
		{"javascriptリンク", `<a href="javascript:alert(1)">x</a>`, []string{"javascript:"}},
		{"http画像", `<img src="http://example.com/a.png">`, []string{"http://example.com/a.png"}},
		{"data画像", `<img src="data:image/png;base64,AAAA">`, []string{"data:"}},
		{"相対リンク", `<a href="/admin">x</a>`, []string{`href="/admin"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Sanitize(tt.input)
			for _, f := range tt.forbidden {
				if strings.Contains(got, f) {
					t.Errorf("Sanitize(%q) = %q, must not contain %q", tt.input, got, f)
				}
			}
		})
	}
}

func TestSanitize_EmptyAndIdempotent(t *testing.T) {
	s := NewContentSanitizer()
	if got := s.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q", got)
	}
	input := `<p>a <a href="https://example.com">b</a></p><script>x</script>`
	once := s.Sanitize(input)
	if twice := s.Sanitize(once); twice != once {
		t.Errorf("not idempotent: %q -> %q", once, twice)
	}
}

func TestPlainText(t *testing.T) {
	s := NewContentSanitizer()
	if got := s.PlainText("  <b>Widgets</b> <script>x()</script> "); got != "Widgets" {
		t.Errorf("PlainText = %q, want Widgets", got)
	}
}
