package model

import "time"

// Lane はタスクキューのレーンを表す。
type Lane string

const (
	// LaneImport はユーザー起点の取り込みレーン。
	LaneImport Lane = "import"
	// LaneSync はスケジューラ起点の同期レーン。
	LaneSync Lane = "sync"
)

// Lanes は全レーンを返す。
func Lanes() []Lane {
	return []Lane{LaneImport, LaneSync}
}

// TaskStatus はタスクの状態を表す。
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskPayload はワーカーに渡すタスク内容。
type TaskPayload struct {
	UserID        string `json:"user_id"`
	Platform      string `json:"platform"`
	ExternalID    string `json:"external_id"`
	ExternalURL   string `json:"external_url,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	CredentialKey string `json:"credential_key"`
	ReservedCost  int    `json:"reserved_cost"`
	LeaseKey      string `json:"lease_key"`
}

// Task はキュー上の作業単位。
type Task struct {
	ID          string
	Lane        Lane
	Payload     TaskPayload
	Status      TaskStatus
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
	NotBefore   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	LastError   string
	ErrorKind   FailureKind
	ProjectID   string
}

// IsFinished はタスクが終端状態かどうかを返す。
func (t *Task) IsFinished() bool {
	return t.Status == TaskStatusSucceeded || t.Status == TaskStatusFailed
}
