package quota

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/ingestor/internal/coord"
)

type mockMetrics struct {
	mu       sync.Mutex
	rejected map[string]int
	consumed map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{rejected: map[string]int{}, consumed: map[string]int{}}
}

func (m *mockMetrics) RecordQuotaRejected(platform string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[platform]++
}

func (m *mockMetrics) RecordQuotaConsumed(platform string, units int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[platform] += units
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestManager_TryConsume_ConcurrentNeverExceedsCap(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(coord.NewMemoryStore(), Config{Caps: map[string]int{"repo": 50}}, nil, newTestLogger(&buf))

	const n = 120
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.TryConsume(context.Background(), "repo:42", 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Errorf("allowed = %d, want min(N, C) = 50", got)
	}
}

func TestManager_TryConsume_DeniedIncludesFutureResetAt(t *testing.T) {
	var buf bytes.Buffer
	metrics := newMockMetrics()
	m := NewManager(coord.NewMemoryStore(), Config{Caps: map[string]int{"repo": 2}}, metrics, newTestLogger(&buf))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := m.TryConsume(ctx, "repo:42", 1)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: Allowed = %v, err = %v", i, d.Allowed, err)
		}
	}

	d, err := m.TryConsume(ctx, "repo:42", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("third call should be denied")
	}
	if !d.ResetAt.After(time.Now()) {
		t.Errorf("ResetAt = %v, want future", d.ResetAt)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if metrics.rejected["repo"] != 1 {
		t.Errorf("rejected[repo] = %d, want 1", metrics.rejected["repo"])
	}
}

func TestManager_CapsArePerPlatform(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(coord.NewMemoryStore(), Config{DefaultCap: 1, Caps: map[string]int{"video": 3}}, nil, newTestLogger(&buf))
	ctx := context.Background()

	if d, _ := m.TryConsume(ctx, "design:1", 1); !d.Allowed {
		t.Fatal("first design call should be allowed")
	}
	if d, _ := m.TryConsume(ctx, "design:1", 1); d.Allowed {
		t.Fatal("design should use DefaultCap=1")
	}
	if d, _ := m.TryConsume(ctx, "video:1", 3); !d.Allowed {
		t.Fatal("video cap should be 3")
	}
}

func TestManager_Consume_RefundRestoresBudget(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(coord.NewMemoryStore(), Config{DefaultCap: 2}, nil, newTestLogger(&buf))
	ctx := context.Background()

	m.TryConsume(ctx, "web:9", 2)
	if err := m.Consume(ctx, "web:9", -1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, err := m.Status(ctx, "web:9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", st.Remaining)
	}
}

func TestPlatformOf(t *testing.T) {
	if got := platformOf("repo:42"); got != "repo" {
		t.Errorf("platformOf = %q, want repo", got)
	}
	if got := platformOf("bare"); got != "bare" {
		t.Errorf("platformOf = %q, want bare", got)
	}
}

func TestManager_Refund_ReservationPlusActualIsNotDoubleCounted(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(coord.NewMemoryStore(), Config{DefaultCap: 10}, nil, newTestLogger(&buf))
	ctx := context.Background()

	// 受付時に見積もり2を予約し、実コスト3を加算、終了時に予約を返却する
	if d, _ := m.TryConsume(ctx, "repo:1", 2); !d.Allowed {
		t.Fatal("reservation should be allowed")
	}
	if err := m.Consume(ctx, "repo:1", 3); err != nil {
		t.Fatal(err)
	}
	if err := m.Refund(ctx, "repo:1", 2); err != nil {
		t.Fatal(err)
	}

	st, _ := m.Status(ctx, "repo:1")
	if st.Remaining != 7 {
		t.Errorf("Remaining = %d, want 7 (actual cost only)", st.Remaining)
	}

	if err := m.Refund(ctx, "repo:1", 0); err != nil {
		t.Errorf("Refund(0) returned error: %v", err)
	}
}
