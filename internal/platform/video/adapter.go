// Package video は動画カタログサービスのアダプタを提供する。
// 単一動画はREST APIで取得し、チャンネル（同期ソース）の新着はAtomフィードで取得する。
package video

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
)

// Name はプラットフォーム名。
const Name = "video"

// guidPrefix はチャンネルフィードのエントリIDに付く接頭辞。
const guidPrefix = "yt:video:"

// Config はアダプタ設定。
type Config struct {
	Hosts []string
	// ShortHost は短縮URLのホスト名（/<id> 形式）。
	ShortHost string
	APIURL    string
	// FeedURL はチャンネルフィードのURL。channel_id クエリが付与される。
	FeedURL string
}

// Adapter は動画アダプタ。
type Adapter struct {
	client *http.Client
	config Config
	costs  *cost.Table
}

var _ platform.Adapter = (*Adapter)(nil)

// New はAdapterを生成する。
func New(client *http.Client, config Config, costs *cost.Table) *Adapter {
	if len(config.Hosts) == 0 {
		config.Hosts = []string{"www.youtube.com", "m.youtube.com"}
	}
	if config.ShortHost == "" {
		config.ShortHost = "youtu.be"
	}
	if config.APIURL == "" {
		config.APIURL = "https://www.googleapis.com/youtube/v3"
	}
	if config.FeedURL == "" {
		config.FeedURL = "https://www.youtube.com/feeds/videos.xml"
	}
	return &Adapter{client: client, config: config, costs: costs}
}

// Platform はプラットフォーム名を返す。
func (a *Adapter) Platform() string { return Name }

// Parse は watch?v=ID、短縮URL、/shorts/ID 形式を解析する。
func (a *Adapter) Parse(u *url.URL) (platform.Resource, bool) {
	var id string
	switch {
	case platform.HostMatches(u.Host, []string{a.config.ShortHost}):
		if segs := platform.PathSegments(u); len(segs) == 1 {
			id = segs[0]
		}
	case platform.HostMatches(u.Host, a.config.Hosts):
		segs := platform.PathSegments(u)
		switch {
		case len(segs) == 1 && segs[0] == "watch":
			id = u.Query().Get("v")
		case len(segs) == 2 && segs[0] == "shorts":
			id = segs[1]
		}
	}
	if id == "" {
		return platform.Resource{}, false
	}
	return platform.Resource{
		Platform:     Name,
		ExternalID:   id,
		CanonicalURL: a.watchURL(id),
	}, true
}

func (a *Adapter) watchURL(id string) string {
	return "https://" + a.config.Hosts[0] + "/watch?v=" + url.QueryEscape(id)
}

type videoList struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			ChannelID    string    `json:"channelId"`
			ChannelTitle string    `json:"channelTitle"`
			Tags         []string  `json:"tags"`
			PublishedAt  time.Time `json:"publishedAt"`
		} `json:"snippet"`
	} `json:"items"`
}

// FetchResource は動画のメタデータを取得する。
// APIは存在しないIDに対して空のitemsを返すため、NotFoundとして扱う。
func (a *Adapter) FetchResource(ctx context.Context, cred model.Credential, externalID string) (*model.RawPayload, int, error) {
	q := url.Values{}
	q.Set("id", externalID)
	q.Set("part", "snippet")

	var list videoList
	h, err := platform.GetJSON(ctx, a.client, Name, a.config.APIURL+"/videos?"+q.Encode(), cred.Token, &list)
	used := a.costs.Resolve(Name, cost.EndpointFetch, h)
	if err != nil {
		return nil, used, err
	}
	if len(list.Items) == 0 {
		return nil, used, &model.FetchError{
			Kind:       model.FailureNotFound,
			Platform:   Name,
			StatusCode: http.StatusNotFound,
			Err:        fmt.Errorf("video %s not found", externalID),
		}
	}

	item := list.Items[0]
	return &model.RawPayload{
		Platform:    Name,
		ExternalID:  externalID,
		URL:         a.watchURL(externalID),
		Title:       item.Snippet.Title,
		Description: item.Snippet.Description,
		PublishedAt: item.Snippet.PublishedAt,
		Data: map[string]any{
			"channel_id":    item.Snippet.ChannelID,
			"channel_title": item.Snippet.ChannelTitle,
			"tags":          item.Snippet.Tags,
		},
	}, used, nil
}

// ListResources はチャンネルフィードからsinceより後に公開・更新された動画を、古い順に最大max件返す。
func (a *Adapter) ListResources(ctx context.Context, cred model.Credential, channelID string, since time.Time, max int) ([]model.RawPayload, int, error) {
	feedURL := a.config.FeedURL + "?channel_id=" + url.QueryEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", platform.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, platform.TransportError(Name, err)
	}
	defer resp.Body.Close()

	used := a.costs.Resolve(Name, cost.EndpointList, resp.Header)
	if err := platform.ClassifyStatus(Name, resp); err != nil {
		return nil, used, err
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, used, platform.TransportError(Name, fmt.Errorf("フィードのパースに失敗しました: %w", err))
	}
	return a.itemsSince(feed.Items, since, max), used, nil
}

func (a *Adapter) itemsSince(entries []*gofeed.Item, since time.Time, max int) []model.RawPayload {
	var items []model.RawPayload
	for _, e := range entries {
		if e == nil {
			continue
		}
		id := strings.TrimPrefix(e.GUID, guidPrefix)
		if id == "" || id == e.GUID {
			// GUIDから判別できない場合はリンクから取り出す
			if u, err := url.Parse(e.Link); err == nil {
				if res, ok := a.Parse(u); ok {
					id = res.ExternalID
				}
			}
		}
		if id == "" {
			continue
		}
		p := model.RawPayload{
			Platform:    Name,
			ExternalID:  id,
			URL:         a.watchURL(id),
			Title:       e.Title,
			Description: e.Description,
		}
		if e.PublishedParsed != nil {
			p.PublishedAt = *e.PublishedParsed
		}
		if e.UpdatedParsed != nil {
			p.UpdatedAt = *e.UpdatedParsed
		}
		items = append(items, p)
	}
	return platform.OldestChangedSince(items, since, max)
}
