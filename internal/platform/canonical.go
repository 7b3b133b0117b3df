package platform

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams は正規化時に除去するクエリパラメータ。
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"ref":     true,
	"ref_src": true,
	"si":      true,
	"feature": true,
	"mc_cid":  true,
	"mc_eid":  true,
}

// Canonicalize はURLを重複排除用の正規形に変換する。
// スキームとホストの小文字化、フラグメント・末尾スラッシュ・.git接尾辞・トラッキングパラメータの除去を行う。
func Canonicalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidResource)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidResource, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidResource)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	path = strings.TrimRight(path, "/")
	u.Path = path
	u.RawPath = ""

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			q.Del(key)
		}
	}
	// Encode はキー順に並べるため、パラメータ順の違いも吸収される
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HostMatches はホストが候補のいずれかと一致するかを返す。"www." の有無は区別しない。
func HostMatches(host string, candidates []string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, c := range candidates {
		if host == strings.TrimPrefix(strings.ToLower(c), "www.") {
			return true
		}
	}
	return false
}

// PathSegments は空要素を除いたパスの区切り要素を返す。
func PathSegments(u *url.URL) []string {
	parts := strings.Split(u.Path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}
