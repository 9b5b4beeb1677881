package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Task status values. COMPLETED, FAILED and CANCELLED are terminal.
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
	TaskStatusCancelled = "CANCELLED"
)

// Task types with a registered handler.
const (
	TaskTypeAttachmentResolve = "attachment.resolve"
)

// Default priorities; lower runs first.
const (
	TaskPriorityHigh   = 10
	TaskPriorityNormal = 100
	TaskPriorityLow    = 1000
)

// IsTerminalTaskStatus reports whether a task can no longer change.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// AsyncTask is a persisted unit of background work derived from a message.
type AsyncTask struct {
	ID           string         `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	TaskType     string         `json:"task_type" gorm:"column:task_type;index" validate:"required"`
	Status       string         `json:"status" gorm:"column:status" validate:"required,oneof=PENDING RUNNING COMPLETED FAILED CANCELLED"`
	Priority     int            `json:"priority" gorm:"column:priority"`
	InputData    datatypes.JSON `json:"input_data,omitempty" gorm:"type:jsonb;column:input_data"`
	OutputData   datatypes.JSON `json:"output_data,omitempty" gorm:"type:jsonb;column:output_data"`
	RetryCount   int            `json:"retry_count" gorm:"column:retry_count"`
	RunAfter     *time.Time     `json:"run_after,omitempty" gorm:"column:run_after"`
	MessageLogID *string        `json:"message_log_id,omitempty" gorm:"column:message_log_id;type:uuid"`
	BindingID    *string        `json:"binding_id,omitempty" gorm:"column:binding_id;type:uuid"`
	ErrorDetail  string         `json:"error_detail,omitempty" gorm:"column:error_detail"`
	StartedAt    *time.Time     `json:"started_at,omitempty" gorm:"column:started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt    time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM, respecting the Namer.
func (AsyncTask) TableName(namer schema.Namer) string {
	return namer.TableName("async_tasks")
}

// AttachmentTaskInput is the input document of an attachment.resolve task.
type AttachmentTaskInput struct {
	MessageLogID string `json:"message_log_id"`
	Platform     string `json:"platform"`
	FileID       string `json:"file_id"`
}
