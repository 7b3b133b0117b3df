package orchestrator

import (
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// Outcome は取り込み要求の結果。
// Accepted, AlreadyImported, QuotaExceeded, ImportInProgress, InvalidResource のいずれか。
type Outcome interface {
	// Name はメトリクスとログに使う結果名を返す。
	Name() string
	outcome()
}

// Accepted はタスクを登録したことを表す。
type Accepted struct {
	TaskID string
}

// AlreadyImported は同じリソースが取り込み済みであることを表す。新しいタスクは登録していない。
type AlreadyImported struct {
	Project model.ProjectRef
}

// QuotaExceeded は利用枠が不足していることを表す。
type QuotaExceeded struct {
	ResetAt time.Time
}

// ImportInProgress は同じリソースの取り込みが進行中であることを表す。
type ImportInProgress struct{}

// InvalidResource はURLが取り込み対象として解釈できないことを表す。
type InvalidResource struct {
	Reason string
}

func (Accepted) Name() string         { return "accepted" }
func (AlreadyImported) Name() string  { return "already_imported" }
func (QuotaExceeded) Name() string    { return "quota_exceeded" }
func (ImportInProgress) Name() string { return "in_progress" }
func (InvalidResource) Name() string  { return "invalid_resource" }

func (Accepted) outcome()         {}
func (AlreadyImported) outcome()  {}
func (QuotaExceeded) outcome()    {}
func (ImportInProgress) outcome() {}
func (InvalidResource) outcome()  {}
