package model

import "time"

// NormalizedContent は外部ペイロードを人が読める形に正規化した内容。
type NormalizedContent struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Category    string   `json:"category,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

// RawPayload はプラットフォームアダプタが返す加工前のリソース情報。
type RawPayload struct {
	Platform    string         `json:"platform"`
	ExternalID  string         `json:"external_id"`
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	PublishedAt time.Time      `json:"published_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ChangedAt はリソースの最終変更時刻を返す。
func (p *RawPayload) ChangedAt() time.Time {
	if p.UpdatedAt.After(p.PublishedAt) {
		return p.UpdatedAt
	}
	return p.PublishedAt
}

// Project は取り込まれた外部リソースを表す。
// (UserID, ExternalURL) が重複排除の自然キー。
type Project struct {
	ID              string
	UserID          string
	SourceID        string
	Platform        string
	ExternalID      string
	ExternalURL     string
	Title           string
	Content         NormalizedContent
	RawPayload      *RawPayload
	NeedsReanalysis bool
	ImportedAt      time.Time
	UpdatedAt       time.Time
}

// ProjectRef はProjectへの参照。
type ProjectRef struct {
	ID          string `json:"id"`
	ExternalURL string `json:"external_url"`
	Title       string `json:"title"`
}

// Ref はProjectRefを返す。
func (p *Project) Ref() ProjectRef {
	return ProjectRef{ID: p.ID, ExternalURL: p.ExternalURL, Title: p.Title}
}
