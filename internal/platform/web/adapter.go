// Package web は任意の公開Webページを取り込む汎用アダプタを提供する。
// ページのメタデータはtitleとOpenGraphから抽出し、同期ソースはサイトのRSS/Atomフィード。
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
)

// Name はプラットフォーム名。
const Name = "web"

// URLValidator はSSRF検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Adapter は汎用Webページアダプタ。
// clientにはSSRF防止付きのHTTPクライアントを渡す。
type Adapter struct {
	client    *http.Client
	validator URLValidator
	costs     *cost.Table
}

var _ platform.Adapter = (*Adapter)(nil)

// New はAdapterを生成する。
func New(client *http.Client, validator URLValidator, costs *cost.Table) *Adapter {
	return &Adapter{client: client, validator: validator, costs: costs}
}

// Platform はプラットフォーム名を返す。
func (a *Adapter) Platform() string { return Name }

// Parse は公開http(s)URLを受け付ける。外部IDは正規化済みURLそのもの。
func (a *Adapter) Parse(u *url.URL) (platform.Resource, bool) {
	s := u.String()
	if err := a.validator.ValidateURL(s); err != nil {
		return platform.Resource{}, false
	}
	return platform.Resource{Platform: Name, ExternalID: s, CanonicalURL: s}, true
}

// FetchResource はページを取得し、タイトル・説明・キーワードを抽出する。
func (a *Adapter) FetchResource(ctx context.Context, cred model.Credential, pageURL string) (*model.RawPayload, int, error) {
	resp, err := a.get(ctx, pageURL, "text/html,application/xhtml+xml")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	used := a.costs.Resolve(Name, cost.EndpointFetch, resp.Header)
	if err := platform.ClassifyStatus(Name, resp); err != nil {
		return nil, used, err
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, platform.MaxBodySize), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, used, platform.TransportError(Name, fmt.Errorf("文字コードの判定に失敗しました: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, used, platform.TransportError(Name, fmt.Errorf("HTMLのパースに失敗しました: %w", err))
	}

	p := extractMetadata(doc)
	p.Platform = Name
	p.ExternalID = pageURL
	p.URL = pageURL
	if p.Title == "" {
		p.Title = pageURL
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			p.UpdatedAt = t
		}
	}
	return &p, used, nil
}

// extractMetadata はOpenGraphを優先してページのメタデータを抽出する。
func extractMetadata(doc *goquery.Document) model.RawPayload {
	meta := func(selector string) string {
		v, _ := doc.Find(selector).First().Attr("content")
		return strings.TrimSpace(v)
	}

	title := meta(`meta[property="og:title"]`)
	if title == "" {
		title = strings.TrimSpace(doc.Find("head title").First().Text())
	}
	desc := meta(`meta[property="og:description"]`)
	if desc == "" {
		desc = meta(`meta[name="description"]`)
	}

	data := map[string]any{}
	if site := meta(`meta[property="og:site_name"]`); site != "" {
		data["site_name"] = site
	}
	if img := meta(`meta[property="og:image"]`); img != "" {
		data["image"] = img
	}
	if kw := meta(`meta[name="keywords"]`); kw != "" {
		var keywords []string
		for _, k := range strings.Split(kw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		data["keywords"] = keywords
	}

	p := model.RawPayload{Title: title, Description: desc, Data: data}
	if pub := meta(`meta[property="article:published_time"]`); pub != "" {
		if t, err := time.Parse(time.RFC3339, pub); err == nil {
			p.PublishedAt = t
		}
	}
	return p
}

// ListResources はサイトフィードからsinceより後に公開・更新された記事を、古い順に最大max件返す。
func (a *Adapter) ListResources(ctx context.Context, cred model.Credential, feedURL string, since time.Time, max int) ([]model.RawPayload, int, error) {
	if err := a.validator.ValidateURL(feedURL); err != nil {
		return nil, 0, model.NewFetchError(model.FailureNotFound, Name, err)
	}
	resp, err := a.get(ctx, feedURL, "application/rss+xml,application/atom+xml,application/xml")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	used := a.costs.Resolve(Name, cost.EndpointList, resp.Header)
	if err := platform.ClassifyStatus(Name, resp); err != nil {
		return nil, used, err
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, platform.MaxBodySize))
	if err != nil {
		return nil, used, platform.TransportError(Name, fmt.Errorf("フィードのパースに失敗しました: %w", err))
	}

	var items []model.RawPayload
	for _, e := range feed.Items {
		if e == nil || e.Link == "" {
			continue
		}
		link, err := platform.Canonicalize(e.Link)
		if err != nil || a.validator.ValidateURL(link) != nil {
			continue
		}
		p := model.RawPayload{
			Platform:    Name,
			ExternalID:  link,
			URL:         link,
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
	return platform.OldestChangedSince(items, since, max), used, nil
}

func (a *Adapter) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewFetchError(model.FailureNotFound, Name, err)
	}
	req.Header.Set("User-Agent", platform.UserAgent)
	req.Header.Set("Accept", accept)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, platform.TransportError(Name, err)
	}
	return resp, nil
}
