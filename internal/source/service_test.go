package source

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
	"github.com/hitoshi/ingestor/internal/platform"
	"github.com/hitoshi/ingestor/internal/repository"
)

// --- モック ---

// mockSourceRepo はメモリ上のSourceRepository。
type mockSourceRepo struct {
	sources   map[string]*model.ContentSource
	upsertErr error
	nextID    int
}

var _ repository.SourceRepository = (*mockSourceRepo)(nil)

func newMockSourceRepo() *mockSourceRepo {
	return &mockSourceRepo{sources: map[string]*model.ContentSource{}}
}

func (m *mockSourceRepo) FindByID(ctx context.Context, id string) (*model.ContentSource, error) {
	src, ok := m.sources[id]
	if !ok {
		return nil, nil
	}
	cp := *src
	return &cp, nil
}

func (m *mockSourceRepo) FindByNaturalKey(ctx context.Context, userID, platformName, externalID string) (*model.ContentSource, error) {
	for _, src := range m.sources {
		if src.UserID == userID && src.Platform == platformName && src.ExternalID == externalID {
			cp := *src
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockSourceRepo) Upsert(ctx context.Context, src *model.ContentSource) (*model.ContentSource, error) {
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	existing, _ := m.FindByNaturalKey(ctx, src.UserID, src.Platform, src.ExternalID)
	if existing != nil {
		stored := m.sources[existing.ID]
		stored.SyncEnabled = true
		stored.Status = model.SourceStatusActive
		stored.ConsecutiveFailures = 0
		stored.LastError = ""
		cp := *stored
		return &cp, nil
	}
	m.nextID++
	saved := *src
	saved.ID = string(rune('a' + m.nextID - 1))
	saved.SyncEnabled = true
	saved.Status = model.SourceStatusActive
	m.sources[saved.ID] = &saved
	cp := saved
	return &cp, nil
}

func (m *mockSourceRepo) ListByUserID(ctx context.Context, userID string) ([]model.ContentSource, error) {
	var out []model.ContentSource
	for _, src := range m.sources {
		if src.UserID == userID {
			out = append(out, *src)
		}
	}
	return out, nil
}

func (m *mockSourceRepo) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	src := m.sources[id]
	src.SyncEnabled = enabled
	if enabled && src.Status == model.SourceStatusDisabled {
		src.Status = model.SourceStatusActive
		src.ConsecutiveFailures = 0
	}
	return nil
}

func (m *mockSourceRepo) ListDueForSync(ctx context.Context, olderThan time.Time, limit int) ([]model.ContentSource, error) {
	return nil, nil
}

func (m *mockSourceRepo) CountActive(ctx context.Context) (int, error) {
	return len(m.sources), nil
}

func (m *mockSourceRepo) RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time, metadata map[string]any) error {
	return nil
}

func (m *mockSourceRepo) RecordSyncFailure(ctx context.Context, id, message string, attention bool, disableAfter int) (*model.ContentSource, error) {
	return m.FindByID(ctx, id)
}

func (m *mockSourceRepo) Reset(ctx context.Context, id string) error {
	src := m.sources[id]
	src.Status = model.SourceStatusActive
	src.SyncEnabled = true
	src.ConsecutiveFailures = 0
	src.LastError = ""
	return nil
}

// stubPlatforms は名前だけを判定するPlatformSet。
type stubPlatforms map[string]bool

func (s stubPlatforms) Get(name string) (platform.Adapter, bool) {
	if !s[name] {
		return nil, false
	}
	return nil, true
}

type mockValidator struct {
	validateFn func(rawURL string) error
}

func (m *mockValidator) ValidateURL(rawURL string) error {
	return m.validateFn(rawURL)
}

func allowAll() *mockValidator {
	return &mockValidator{validateFn: func(string) error { return nil }}
}

func newService(repo *mockSourceRepo, validator URLValidator) *Service {
	return NewService(repo, stubPlatforms{"repo": true, "video": true, "web": true}, validator)
}

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T: %v", err, err)
	}
	return apiErr.Code
}

// --- テスト ---

func TestRegister_CreatesSource(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, allowAll())

	src, err := svc.Register(context.Background(), "user-1", " Repo ", " octo ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Platform != "repo" || src.ExternalID != "octo" || src.UserID != "user-1" {
		t.Errorf("source = %+v", src)
	}
	if !src.SyncEnabled || src.Status != model.SourceStatusActive {
		t.Errorf("new source should be active and enabled: %+v", src)
	}
}

// TestRegister_ReenablesDisabledSource は再登録で無効化が解除されることを検証する。
func TestRegister_ReenablesDisabledSource(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, allowAll())
	ctx := context.Background()

	first, _ := svc.Register(ctx, "user-1", "video", "UC123")
	stored := repo.sources[first.ID]
	stored.SyncEnabled = false
	stored.Status = model.SourceStatusDisabled
	stored.ConsecutiveFailures = 5

	again, err := svc.Register(ctx, "user-1", "video", "UC123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("ID = %s, want %s", again.ID, first.ID)
	}
	if !again.SyncEnabled || again.Status != model.SourceStatusActive || again.ConsecutiveFailures != 0 {
		t.Errorf("source not re-enabled: %+v", again)
	}
	if len(repo.sources) != 1 {
		t.Errorf("sources = %d, want 1", len(repo.sources))
	}
}

func TestRegister_Validation(t *testing.T) {
	long := make([]byte, maxExternalRefLength+1)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name     string
		platform string
		ref      string
		want     string
	}{
		{"未対応プラットフォーム", "mail", "x", model.ErrCodeUnknownPlatform},
		{"空の参照", "repo", "  ", model.ErrCodeInvalidRequest},
		{"長すぎる参照", "repo", string(long), model.ErrCodeInvalidRequest},
		{"空白を含む参照", "repo", "octo cat", model.ErrCodeInvalidRequest},
		{"URLとして不正", "web", "http://[::1", model.ErrCodeInvalidResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockSourceRepo()
			svc := newService(repo, allowAll())
			_, err := svc.Register(context.Background(), "user-1", tt.platform, tt.ref)
			if code := apiErrorCode(t, err); code != tt.want {
				t.Errorf("code = %s, want %s", code, tt.want)
			}
			if len(repo.sources) != 0 {
				t.Error("invalid source should not be stored")
			}
		})
	}
}

func TestRegister_WebFeedIsCanonicalized(t *testing.T) {
	repo := newMockSourceRepo()
	var validated string
	svc := newService(repo, &mockValidator{validateFn: func(rawURL string) error {
		validated = rawURL
		return nil
	}})

	src, err := svc.Register(context.Background(), "user-1", "web", "HTTPS://Blog.Example.com/feed/?utm_source=x#top")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validated == "" {
		t.Error("feed URL should be validated")
	}
	u, _ := url.Parse(src.ExternalID)
	if u.Host != "blog.example.com" || u.RawQuery != "" || u.Fragment != "" {
		t.Errorf("external ID = %s, want canonical URL", src.ExternalID)
	}
}

func TestRegister_WebFeedBlockedBySSRF(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, &mockValidator{validateFn: func(string) error {
		return errors.New("private address")
	}})

	_, err := svc.Register(context.Background(), "user-1", "web", "http://127.0.0.1/feed")
	if code := apiErrorCode(t, err); code != model.ErrCodeSSRFBlocked {
		t.Errorf("code = %s, want %s", code, model.ErrCodeSSRFBlocked)
	}
}

func TestRegister_RepositoryError(t *testing.T) {
	repo := newMockSourceRepo()
	repo.upsertErr = errors.New("db down")
	svc := newService(repo, allowAll())

	_, err := svc.Register(context.Background(), "user-1", "repo", "octo")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("infrastructure error should not be an APIError: %v", err)
	}
}

func TestList_ReturnsOnlyOwnSources(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, allowAll())
	ctx := context.Background()

	svc.Register(ctx, "user-1", "repo", "a")
	svc.Register(ctx, "user-2", "repo", "b")

	got, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "a" {
		t.Errorf("sources = %+v", got)
	}

	empty, _ := svc.List(ctx, "user-3")
	if empty == nil {
		t.Error("empty list should be non-nil")
	}
}

// TestGet_OtherUsersSourceIsNotFound は他ユーザーのソースが存在しない扱いになることを検証する。
func TestGet_OtherUsersSourceIsNotFound(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, allowAll())
	ctx := context.Background()
	src, _ := svc.Register(ctx, "user-1", "repo", "a")

	_, err := svc.Get(ctx, "user-2", src.ID)
	if code := apiErrorCode(t, err); code != model.ErrCodeSourceNotFound {
		t.Errorf("code = %s, want %s", code, model.ErrCodeSourceNotFound)
	}
	_, err = svc.Get(ctx, "user-1", "missing")
	if code := apiErrorCode(t, err); code != model.ErrCodeSourceNotFound {
		t.Errorf("code = %s, want %s", code, model.ErrCodeSourceNotFound)
	}
}

func TestSetSyncEnabled(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, allowAll())
	ctx := context.Background()
	src, _ := svc.Register(ctx, "user-1", "repo", "a")

	got, err := svc.SetSyncEnabled(ctx, "user-1", src.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SyncEnabled {
		t.Error("sync should be disabled")
	}

	repo.sources[src.ID].Status = model.SourceStatusDisabled
	got, _ = svc.SetSyncEnabled(ctx, "user-1", src.ID, true)
	if !got.SyncEnabled || got.Status != model.SourceStatusActive {
		t.Errorf("source = %+v, want enabled and active", got)
	}

	if _, err := svc.SetSyncEnabled(ctx, "user-2", src.ID, false); err == nil {
		t.Error("expected error for other user's source")
	}
	if !repo.sources[src.ID].SyncEnabled {
		t.Error("other user's request must not change the source")
	}
}

func TestReset_ClearsAttention(t *testing.T) {
	repo := newMockSourceRepo()
	svc := newService(repo, allowAll())
	ctx := context.Background()
	src, _ := svc.Register(ctx, "user-1", "repo", "a")
	stored := repo.sources[src.ID]
	stored.Status = model.SourceStatusNeedsAttention
	stored.ConsecutiveFailures = 2
	stored.LastError = "認証エラー"

	got, err := svc.Reset(ctx, "user-1", src.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != model.SourceStatusActive || got.ConsecutiveFailures != 0 || got.LastError != "" {
		t.Errorf("source = %+v", got)
	}
}
