package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
// Transitions are monotonic: pending -> running -> {succeeded|failed},
// with retrying as a sub-state that returns to running on re-dispatch.
// succeeded, failed and cancelled are terminal and immutable.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateRetrying  JobState = "retrying"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether a state permits no further mutation.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// JobType identifies the kind of background work a job carries.
type JobType string

const (
	TypeFileValidate      JobType = "file_validate"
	TypeFileStore         JobType = "file_store"
	TypeTranscribe        JobType = "transcribe"
	TypeSpeakerDiarize    JobType = "speaker_diarize"
	TypeAIEnhance         JobType = "ai_enhance"
	TypeTranslate         JobType = "translate"
	TypeGenerateNotes     JobType = "generate_notes"
	TypeCustomPrompt      JobType = "custom_prompt"
	TypeCleanupTemp       JobType = "cleanup_temp"
	TypeCleanupOldRecords JobType = "cleanup_old_records"
	TypeUsageReport       JobType = "usage_report"
	TypeDBOptimize        JobType = "db_optimize"
	TypeSendBatchEmail    JobType = "send_batch_email"
)

// AllJobTypes lists every job type the system knows. The routing table is
// validated against this list at startup.
func AllJobTypes() []JobType {
	return []JobType{
		TypeFileValidate, TypeFileStore,
		TypeTranscribe, TypeSpeakerDiarize,
		TypeAIEnhance, TypeTranslate, TypeGenerateNotes, TypeCustomPrompt,
		TypeCleanupTemp, TypeCleanupOldRecords, TypeUsageReport,
		TypeDBOptimize, TypeSendBatchEmail,
	}
}

// QueueClass is one of four fixed priority lanes.
type QueueClass string

const (
	QueueCritical QueueClass = "critical"
	QueueHigh     QueueClass = "high"
	QueueDefault  QueueClass = "default"
	QueueLow      QueueClass = "low"
)

// Weight returns the lane's priority weight; higher is served first.
func (q QueueClass) Weight() int {
	switch q {
	case QueueCritical:
		return 10
	case QueueHigh:
		return 7
	case QueueDefault:
		return 5
	case QueueLow:
		return 2
	}
	return 0
}

// AllQueueClasses returns the lanes in descending weight order.
func AllQueueClasses() []QueueClass {
	return []QueueClass{QueueCritical, QueueHigh, QueueDefault, QueueLow}
}

// Job represents a unit of asynchronous work persisted in Postgres.
// The broker only ever holds the job id; payload and state live here.
type Job struct {
	ID              string         `json:"id"`
	Type            JobType        `json:"type"`
	Queue           QueueClass     `json:"queue"`
	UserID          int64          `json:"user_id"`
	Payload         map[string]any `json:"payload"`
	State           JobState       `json:"state"`
	Attempts        int            `json:"attempts"`
	MaxRetries      int            `json:"max_retries"`
	Progress        int            `json:"progress"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
	NextRunAt       time.Time      `json:"next_run_at"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
