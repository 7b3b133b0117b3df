package cost

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTable_Loads(t *testing.T) {
	tbl, err := DefaultTable()
	if err != nil {
		t.Fatalf("DefaultTable failed: %v", err)
	}
	if got := tbl.Estimate("design", EndpointFetch); got != 2 {
		t.Errorf("Estimate(design, fetch) = %d, want 2", got)
	}
	if got := tbl.Estimate("unknown", EndpointFetch); got != 1 {
		t.Errorf("Estimate(unknown, fetch) = %d, want default 1", got)
	}
}

func TestResolve_PrefersCostHeader(t *testing.T) {
	tbl, _ := DefaultTable()
	h := http.Header{}
	h.Set("X-RateLimit-Cost", "5")

	if got := tbl.Resolve("repo", EndpointFetch, h); got != 5 {
		t.Errorf("Resolve = %d, want 5", got)
	}
}

func TestResolve_FallsBackWhenHeaderMissingOrInvalid(t *testing.T) {
	tbl, _ := DefaultTable()

	if got := tbl.Resolve("repo", EndpointFetch, http.Header{}); got != 1 {
		t.Errorf("Resolve without header = %d, want 1", got)
	}

	h := http.Header{}
	h.Set("X-RateLimit-Cost", "abc")
	if got := tbl.Resolve("repo", EndpointFetch, h); got != 1 {
		t.Errorf("Resolve with invalid header = %d, want 1", got)
	}

	// video has no cost header configured
	h.Set("X-RateLimit-Cost", "9")
	if got := tbl.Resolve("video", EndpointList, h); got != 1 {
		t.Errorf("Resolve(video) = %d, want 1", got)
	}
}

func TestLoadTable_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costs.yaml")
	content := "default_cost: 3\nplatforms:\n  video:\n    endpoints:\n      list: 100\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if got := tbl.Estimate("video", EndpointList); got != 100 {
		t.Errorf("Estimate(video, list) = %d, want 100", got)
	}
	if got := tbl.Estimate("video", EndpointFetch); got != 3 {
		t.Errorf("Estimate(video, fetch) = %d, want 3", got)
	}
}

func TestLoadTable_MissingFile(t *testing.T) {
	if _, err := LoadTable("/nonexistent/costs.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
