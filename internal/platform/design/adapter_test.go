package design

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/hitoshi/ingestor/internal/cost"
	"github.com/hitoshi/ingestor/internal/model"
)

func newTestAdapter(t *testing.T, apiURL string) *Adapter {
	t.Helper()
	tbl, err := cost.DefaultTable()
	if err != nil {
		t.Fatal(err)
	}
	return New(http.DefaultClient, Config{Hosts: []string{"www.figma.com"}, APIURL: apiURL}, tbl)
}

func TestParse(t *testing.T) {
	a := newTestAdapter(t, "http://unused")

	for _, in := range []string{
		"https://www.figma.com/file/KEY1/My-Design",
		"https://figma.com/design/KEY1",
	} {
		u, _ := url.Parse(in)
		res, ok := a.Parse(u)
		if !ok || res.ExternalID != "KEY1" {
			t.Errorf("Parse(%s) = %+v, %v", in, res, ok)
		}
		if res.CanonicalURL != "https://www.figma.com/design/KEY1" {
			t.Errorf("CanonicalURL = %s", res.CanonicalURL)
		}
	}

	u, _ := url.Parse("https://www.figma.com/community/plugins")
	if _, ok := a.Parse(u); ok {
		t.Error("non-file URL must not parse")
	}
}

func TestFetchResource_UsesTableCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files/KEY1":
			w.Write([]byte(`{"name":"Landing page","lastModified":"2026-02-01T00:00:00Z","version":"7"}`))
		case "/v1/files/EXPIRED":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	p, used, err := a.FetchResource(context.Background(), model.Credential{Token: "t"}, "KEY1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Title != "Landing page" || used != 2 {
		t.Errorf("title=%q cost=%d", p.Title, used)
	}

	_, _, err = a.FetchResource(context.Background(), model.Credential{Token: "t"}, "EXPIRED")
	if model.KindOf(err) != model.FailureAuth {
		t.Errorf("kind = %s, want auth", model.KindOf(err))
	}
}

func TestListResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[
			{"key":"A","name":"old","last_modified":"2025-01-01T00:00:00Z"},
			{"key":"B","name":"new","last_modified":"2026-05-01T00:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	items, _, err := a.ListResources(context.Background(), model.Credential{}, "P1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "B" {
		t.Errorf("items = %+v", items)
	}
}

func TestListResources_OldestFirstWithinLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[
			{"key":"C","name":"newest","last_modified":"2026-03-01T00:00:00Z"},
			{"key":"A","name":"oldest","last_modified":"2026-01-10T00:00:00Z"},
			{"key":"B","name":"middle","last_modified":"2026-02-01T00:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	items, _, err := a.ListResources(context.Background(), model.Credential{}, "P1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].ExternalID != "A" || items[1].ExternalID != "B" {
		t.Errorf("items = %+v, want A then B", items)
	}
}
