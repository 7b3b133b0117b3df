package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// mockService はctxのキャンセルまでブロックするサービス。
type mockService struct {
	name    string
	started atomic.Int32
	failN   int32
}

func (m *mockService) Serve(ctx context.Context) error {
	n := m.started.Add(1)
	if n <= m.failN {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) String() string { return m.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Defaults(t *testing.T) {
	tree := New(testLogger(), Config{})
	if tree.config.FailureThreshold != 5 || tree.config.FailureDecay != 30 {
		t.Errorf("config = %+v", tree.config)
	}
	if tree.config.FailureBackoff != 15*time.Second || tree.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("config = %+v", tree.config)
	}
}

func TestTree_RunsAndRestartsServices(t *testing.T) {
	tree := New(testLogger(), Config{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	worker := &mockService{name: "pool[import]", failN: 1}
	job := &mockService{name: "sync-scheduler"}
	tree.AddWorker(worker)
	tree.AddJob(job)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for worker.started.Load() < 2 || job.started.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("services not started: worker=%d job=%d", worker.started.Load(), job.started.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

// mockServer はHTTPServerのモック。
type mockServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func (m *mockServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.shutdowns.Add(1)
	close(m.stop)
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := &mockServer{stop: make(chan struct{})}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("Shutdown calls = %d, want 1", srv.shutdowns.Load())
	}
}

func TestHTTPService_ListenFailure(t *testing.T) {
	svc := NewHTTPService(&mockServer{listenErr: errors.New("address in use")}, time.Second)
	if err := svc.Serve(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
