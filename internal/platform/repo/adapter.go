// Package repo はコードリポジトリホスティングサービスのアダプタを提供する。
// リソースは https://<host>/<owner>/<name>、同期ソースはアカウント（<owner>）。
package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
)

// Name はプラットフォーム名。
const Name = "repo"

// Config はアダプタ設定。
type Config struct {
	// Hosts はリソースURLとして受け付けるホスト名。
	Hosts []string
	// APIURL はREST APIのベースURL。
	APIURL string
}

// Adapter はリポジトリアダプタ。
type Adapter struct {
	client *http.Client
	config Config
	costs  *cost.Table
}

var _ platform.Adapter = (*Adapter)(nil)

// New はAdapterを生成する。
func New(client *http.Client, config Config, costs *cost.Table) *Adapter {
	if len(config.Hosts) == 0 {
		config.Hosts = []string{"github.com"}
	}
	if config.APIURL == "" {
		config.APIURL = "https://api.github.com"
	}
	return &Adapter{client: client, config: config, costs: costs}
}

// Platform はプラットフォーム名を返す。
func (a *Adapter) Platform() string { return Name }

// Parse は https://<host>/<owner>/<name> 形式のURLを解析する。
func (a *Adapter) Parse(u *url.URL) (platform.Resource, bool) {
	if !platform.HostMatches(u.Host, a.config.Hosts) {
		return platform.Resource{}, false
	}
	segs := platform.PathSegments(u)
	if len(segs) < 2 {
		return platform.Resource{}, false
	}
	// ホスティングサービスはowner/nameの大文字小文字を区別しない
	id := strings.ToLower(segs[0] + "/" + segs[1])
	return platform.Resource{
		Platform:     Name,
		ExternalID:   id,
		CanonicalURL: "https://" + a.config.Hosts[0] + "/" + id,
	}, true
}

type repository struct {
	FullName    string    `json:"full_name"`
	HTMLURL     string    `json:"html_url"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Topics      []string  `json:"topics"`
	Stars       int       `json:"stargazers_count"`
	Fork        bool      `json:"fork"`
	CreatedAt   time.Time `json:"created_at"`
	PushedAt    time.Time `json:"pushed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r repository) payload(host string) model.RawPayload {
	link := r.HTMLURL
	if link == "" {
		link = "https://" + host + "/" + r.FullName
	}
	updated := r.UpdatedAt
	if r.PushedAt.After(updated) {
		updated = r.PushedAt
	}
	return model.RawPayload{
		Platform:    Name,
		ExternalID:  strings.ToLower(r.FullName),
		URL:         link,
		Title:       r.FullName,
		Description: r.Description,
		PublishedAt: r.CreatedAt,
		UpdatedAt:   updated,
		Data: map[string]any{
			"language": r.Language,
			"topics":   r.Topics,
			"stars":    r.Stars,
			"fork":     r.Fork,
		},
	}
}

// FetchResource はリポジトリ情報を取得する。
func (a *Adapter) FetchResource(ctx context.Context, cred model.Credential, externalID string) (*model.RawPayload, int, error) {
	var r repository
	h, err := platform.GetJSON(ctx, a.client, Name, a.config.APIURL+"/repos/"+externalID, cred.Token, &r)
	used := a.costs.Resolve(Name, cost.EndpointFetch, h)
	if err != nil {
		return nil, used, err
	}
	if r.FullName == "" {
		r.FullName = externalID
	}
	p := r.payload(a.config.Hosts[0])
	return &p, used, nil
}

// listPageSize は一覧APIの1ページあたりの件数（APIの上限）。
const listPageSize = 100

// ListResources はアカウントのリポジトリのうちsinceより後に更新されたものを、更新日時の古い順に最大max件返す。
// 一覧は更新日時の降順でページを辿り、since以前のリポジトリに達した時点で打ち切る。
func (a *Adapter) ListResources(ctx context.Context, cred model.Credential, owner string, since time.Time, max int) ([]model.RawPayload, int, error) {
	var (
		changed []model.RawPayload
		used    int
	)
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("sort", "updated")
		q.Set("direction", "desc")
		q.Set("per_page", strconv.Itoa(listPageSize))
		q.Set("page", strconv.Itoa(page))
		endpoint := fmt.Sprintf("%s/users/%s/repos?%s", a.config.APIURL, url.PathEscape(owner), q.Encode())

		var repos []repository
		h, err := platform.GetJSON(ctx, a.client, Name, endpoint, cred.Token, &repos)
		used += a.costs.Resolve(Name, cost.EndpointList, h)
		if err != nil {
			return nil, used, err
		}

		reachedSince := false
		for _, r := range repos {
			p := r.payload(a.config.Hosts[0])
			if !p.ChangedAt().After(since) {
				reachedSince = true
				break
			}
			changed = append(changed, p)
		}
		if reachedSince || len(repos) < listPageSize {
			break
		}
	}
	return platform.OldestChangedSince(changed, since, max), used, nil
}
