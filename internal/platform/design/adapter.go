// Package design はデザインファイル共有サービスのアダプタを提供する。
package design

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
)

// Name はプラットフォーム名。
const Name = "design"

// Config はアダプタ設定。
type Config struct {
	Hosts  []string
	APIURL string
}

// Adapter はデザインファイルアダプタ。
type Adapter struct {
	client *http.Client
	config Config
	costs  *cost.Table
}

var _ platform.Adapter = (*Adapter)(nil)

// New はAdapterを生成する。
func New(client *http.Client, config Config, costs *cost.Table) *Adapter {
	if len(config.Hosts) == 0 {
		config.Hosts = []string{"www.figma.com"}
	}
	if config.APIURL == "" {
		config.APIURL = "https://api.figma.com"
	}
	return &Adapter{client: client, config: config, costs: costs}
}

// Platform はプラットフォーム名を返す。
func (a *Adapter) Platform() string { return Name }

// Parse は /file/<key> または /design/<key> 形式のURLを解析する。
// キー以降のパス（ファイル名のスラッグ）は無視する。
func (a *Adapter) Parse(u *url.URL) (platform.Resource, bool) {
	if !platform.HostMatches(u.Host, a.config.Hosts) {
		return platform.Resource{}, false
	}
	segs := platform.PathSegments(u)
	if len(segs) < 2 || (segs[0] != "file" && segs[0] != "design") {
		return platform.Resource{}, false
	}
	return platform.Resource{
		Platform:     Name,
		ExternalID:   segs[1],
		CanonicalURL: a.fileURL(segs[1]),
	}, true
}

func (a *Adapter) fileURL(key string) string {
	return "https://" + a.config.Hosts[0] + "/design/" + key
}

type fileResponse struct {
	Name         string    `json:"name"`
	LastModified time.Time `json:"lastModified"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	Version      string    `json:"version"`
	EditorType   string    `json:"editorType"`
}

// FetchResource はファイルのメタデータを取得する。
func (a *Adapter) FetchResource(ctx context.Context, cred model.Credential, key string) (*model.RawPayload, int, error) {
	var f fileResponse
	h, err := platform.GetJSON(ctx, a.client, Name, a.config.APIURL+"/v1/files/"+url.PathEscape(key)+"?depth=1", cred.Token, &f)
	used := a.costs.Resolve(Name, cost.EndpointFetch, h)
	if err != nil {
		return nil, used, err
	}
	return &model.RawPayload{
		Platform:   Name,
		ExternalID: key,
		URL:        a.fileURL(key),
		Title:      f.Name,
		UpdatedAt:  f.LastModified,
		Data: map[string]any{
			"thumbnail_url": f.ThumbnailURL,
			"version":       f.Version,
			"editor_type":   f.EditorType,
		},
	}, used, nil
}

type projectFiles struct {
	Files []struct {
		Key          string    `json:"key"`
		Name         string    `json:"name"`
		ThumbnailURL string    `json:"thumbnail_url"`
		LastModified time.Time `json:"last_modified"`
	} `json:"files"`
}

// ListResources はプロジェクト内でsinceより後に更新されたファイルを、更新日時の古い順に最大max件返す。
func (a *Adapter) ListResources(ctx context.Context, cred model.Credential, projectID string, since time.Time, max int) ([]model.RawPayload, int, error) {
	var pf projectFiles
	h, err := platform.GetJSON(ctx, a.client, Name, a.config.APIURL+"/v1/projects/"+url.PathEscape(projectID)+"/files", cred.Token, &pf)
	used := a.costs.Resolve(Name, cost.EndpointList, h)
	if err != nil {
		return nil, used, err
	}

	items := make([]model.RawPayload, 0, len(pf.Files))
	for _, f := range pf.Files {
		items = append(items, model.RawPayload{
			Platform:   Name,
			ExternalID: f.Key,
			URL:        a.fileURL(f.Key),
			Title:      f.Name,
			UpdatedAt:  f.LastModified,
			Data:       map[string]any{"thumbnail_url": f.ThumbnailURL, "project_id": projectID},
		})
	}
	return platform.OldestChangedSince(items, since, max), used, nil
}
