package apiclient

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
)

// mockAdapter はテスト用のアダプタ。
type mockAdapter struct {
	name      string
	calls     atomic.Int64
	fetchFunc func(ctx context.Context, externalID string) (*model.RawPayload, int, error)
}

func (m *mockAdapter) Platform() string { return m.name }

func (m *mockAdapter) Parse(u *url.URL) (platform.Resource, bool) {
	return platform.Resource{}, false
}

func (m *mockAdapter) FetchResource(ctx context.Context, cred model.Credential, externalID string) (*model.RawPayload, int, error) {
	m.calls.Add(1)
	return m.fetchFunc(ctx, externalID)
}

func (m *mockAdapter) ListResources(ctx context.Context, cred model.Credential, sourceExternalID string, since time.Time, max int) ([]model.RawPayload, int, error) {
	m.calls.Add(1)
	p, used, err := m.fetchFunc(ctx, sourceExternalID)
	if err != nil {
		return nil, used, err
	}
	return []model.RawPayload{*p}, used, nil
}

type mockQuota struct {
	mu       sync.Mutex
	consumed map[string]int
}

func (m *mockQuota) Consume(ctx context.Context, key string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumed == nil {
		m.consumed = map[string]int{}
	}
	m.consumed[key] += amount
	return nil
}

type mockMetrics struct {
	mu          sync.Mutex
	calls       map[string]int
	transitions []model.CircuitState
}

func (m *mockMetrics) RecordOutboundCall(platform, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[result]++
}

func (m *mockMetrics) RecordCircuitState(platform string, state model.CircuitState) {}

func (m *mockMetrics) RecordCircuitTransition(platform string, from, to model.CircuitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, to)
}

func newTestClient(adapter *mockAdapter, quota QuotaCharger, metrics MetricsRecorder, cfg Config) *Client {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	if cfg.DefaultRPS == 0 {
		cfg.DefaultRPS = 1000
	}
	return NewClient(platform.NewRegistry("", adapter), quota, metrics, cfg, logger)
}

var cred = model.Credential{Key: "repo:u1", Platform: "repo", UserID: "u1"}

func TestClient_Fetch_ChargesActualCost(t *testing.T) {
	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		return &model.RawPayload{ExternalID: id, Title: "t"}, 4, nil
	}}
	quota := &mockQuota{}
	c := newTestClient(adapter, quota, nil, Config{})

	p, err := c.Fetch(context.Background(), cred, "repo", "a/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ExternalID != "a/b" {
		t.Errorf("ExternalID = %s", p.ExternalID)
	}
	if quota.consumed["repo:u1"] != 4 {
		t.Errorf("consumed = %d, want 4", quota.consumed["repo:u1"])
	}
}

func TestClient_OpenBreakerSkipsNetwork(t *testing.T) {
	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		return nil, 1, model.NewFetchError(model.FailureTransient, "repo", errors.New("503"))
	}}
	metrics := &mockMetrics{}
	c := newTestClient(adapter, &mockQuota{}, metrics, Config{FailureThreshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := c.Fetch(context.Background(), cred, "repo", "a/b"); model.KindOf(err) != model.FailureTransient {
			t.Fatalf("call %d kind = %s, want transient", i, model.KindOf(err))
		}
	}
	if c.State("repo") != model.CircuitOpen {
		t.Fatalf("state = %s, want open", c.State("repo"))
	}

	_, err := c.Fetch(context.Background(), cred, "repo", "a/b")
	if model.KindOf(err) != model.FailureCircuitOpen {
		t.Errorf("kind = %s, want circuit_open", model.KindOf(err))
	}
	if got := adapter.calls.Load(); got != 3 {
		t.Errorf("adapter calls = %d, want 3 (no call while open)", got)
	}
	if metrics.calls["rejected"] != 1 {
		t.Errorf("rejected calls = %d, want 1", metrics.calls["rejected"])
	}
}

func TestClient_TerminalErrorsDoNotTripBreaker(t *testing.T) {
	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		return nil, 1, model.NewFetchError(model.FailureAuth, "repo", errors.New("401"))
	}}
	c := newTestClient(adapter, &mockQuota{}, nil, Config{FailureThreshold: 2})

	for i := 0; i < 5; i++ {
		if _, err := c.Fetch(context.Background(), cred, "repo", "a/b"); model.KindOf(err) != model.FailureAuth {
			t.Fatalf("kind = %s, want auth", model.KindOf(err))
		}
	}
	if c.State("repo") != model.CircuitClosed {
		t.Errorf("state = %s, want closed", c.State("repo"))
	}
}

func TestClient_HalfOpenAllowsSingleTrialCall(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	release := make(chan struct{})
	trialStarted := make(chan struct{})
	var trialOnce sync.Once

	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		if failing.Load() {
			return nil, 0, model.NewFetchError(model.FailureTransient, "repo", errors.New("down"))
		}
		trialOnce.Do(func() { close(trialStarted) })
		<-release
		return &model.RawPayload{ExternalID: id}, 1, nil
	}}
	c := newTestClient(adapter, &mockQuota{}, nil, Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})

	c.Fetch(context.Background(), cred, "repo", "a/b")
	if c.State("repo") != model.CircuitOpen {
		t.Fatalf("state = %s, want open", c.State("repo"))
	}

	failing.Store(false)
	time.Sleep(80 * time.Millisecond)

	trialErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), cred, "repo", "a/b")
		trialErr <- err
	}()
	<-trialStarted

	// プローブ実行中の2件目は拒否される
	_, err := c.Fetch(context.Background(), cred, "repo", "a/b")
	if model.KindOf(err) != model.FailureCircuitOpen {
		t.Errorf("concurrent call kind = %s, want circuit_open", model.KindOf(err))
	}

	close(release)
	if err := <-trialErr; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if c.State("repo") != model.CircuitClosed {
		t.Errorf("state after trial call = %s, want closed", c.State("repo"))
	}
}

func TestClient_CancelledHalfOpenCallDoesNotCloseBreaker(t *testing.T) {
	var failing, blocking atomic.Bool
	failing.Store(true)

	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		if failing.Load() {
			return nil, 0, model.NewFetchError(model.FailureTransient, "repo", errors.New("down"))
		}
		if blocking.Load() {
			<-ctx.Done()
			return nil, 0, ctx.Err()
		}
		return &model.RawPayload{ExternalID: id}, 1, nil
	}}
	c := newTestClient(adapter, &mockQuota{}, nil, Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond, CallTimeout: time.Second})

	c.Fetch(context.Background(), cred, "repo", "a/b")
	if c.State("repo") != model.CircuitOpen {
		t.Fatalf("state = %s, want open", c.State("repo"))
	}

	failing.Store(false)
	blocking.Store(true)
	time.Sleep(80 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.Fetch(ctx, cred, "repo", "a/b")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := c.State("repo"); got == model.CircuitClosed {
		t.Fatalf("state after cancelled call = %s, want not closed", got)
	}

	// キャンセルされた呼び出しの後も次の呼び出しが判定に使われる
	blocking.Store(false)
	if _, err := c.Fetch(context.Background(), cred, "repo", "a/b"); err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
	if got := c.State("repo"); got != model.CircuitClosed {
		t.Errorf("state after successful call = %s, want closed", got)
	}
}

func TestClient_CallTimeoutIsTransient(t *testing.T) {
	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}}
	c := newTestClient(adapter, &mockQuota{}, nil, Config{CallTimeout: 20 * time.Millisecond})

	_, err := c.Fetch(context.Background(), cred, "repo", "a/b")
	if model.KindOf(err) != model.FailureTransient {
		t.Errorf("kind = %s, want transient", model.KindOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap DeadlineExceeded: %v", err)
	}
}

func TestClient_UnknownPlatform(t *testing.T) {
	adapter := &mockAdapter{name: "repo"}
	c := newTestClient(adapter, &mockQuota{}, nil, Config{})

	_, err := c.Fetch(context.Background(), cred, "nope", "x")
	if model.KindOf(err) != model.FailureNotFound {
		t.Errorf("kind = %s, want not_found", model.KindOf(err))
	}
	if c.State("nope") != model.CircuitClosed {
		t.Errorf("unknown platform state = %s", c.State("nope"))
	}
}

func TestClient_List(t *testing.T) {
	adapter := &mockAdapter{name: "repo", fetchFunc: func(ctx context.Context, id string) (*model.RawPayload, int, error) {
		return &model.RawPayload{ExternalID: id}, 2, nil
	}}
	quota := &mockQuota{}
	c := newTestClient(adapter, quota, nil, Config{})

	items, err := c.List(context.Background(), cred, "repo", "acme", time.Time{}, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("List = %v, %v", items, err)
	}
	if quota.consumed["repo:u1"] != 2 {
		t.Errorf("consumed = %d, want 2", quota.consumed["repo:u1"])
	}
}

func TestNewPooledHTTPClient(t *testing.T) {
	c := NewPooledHTTPClient(PoolConfig{MaxConnsPerHost: 3, MaxIdleConnsPerHost: 2})
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport type = %T", c.Transport)
	}
	if tr.MaxConnsPerHost != 3 || tr.MaxIdleConnsPerHost != 2 {
		t.Errorf("pool = %d/%d", tr.MaxConnsPerHost, tr.MaxIdleConnsPerHost)
	}
	if tr == http.DefaultTransport {
		t.Error("must not mutate the default transport")
	}
}
