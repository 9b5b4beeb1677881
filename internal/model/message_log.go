package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

const (
	MessageFlowIncoming = "IN"
	MessageFlowOutgoing = "OUT"
)

// Message kinds
const (
	MessageKindText     = "text"
	MessageKindImage    = "image"
	MessageKindDocument = "document"
)

// Processing status values, in state machine order.
const (
	MessageStatusReceived   = "RECEIVED"
	MessageStatusProcessing = "PROCESSING"
	MessageStatusCompleted  = "COMPLETED"
	MessageStatusFailed     = "FAILED"
)

var messageTransitions = map[string][]string{
	MessageStatusReceived:   {MessageStatusProcessing},
	MessageStatusProcessing: {MessageStatusCompleted, MessageStatusFailed},
}

// CanTransitionMessage reports whether a message log row may move from one status to another.
func CanTransitionMessage(from, to string) bool {
	for _, next := range messageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalMessageStatus reports whether no further transition is possible.
func IsTerminalMessageStatus(status string) bool {
	return status == MessageStatusCompleted || status == MessageStatusFailed
}

// FileRef points at an attachment. ID is the platform's own file handle; Path is filled once resolved.
type FileRef struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// MessageLog is the durable record of every inbound and outbound message.
type MessageLog struct {
	ID                string         `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	BindingID         *string        `json:"binding_id,omitempty" gorm:"column:binding_id;type:uuid;index"`
	Platform          string         `json:"platform" gorm:"column:platform" validate:"required"`
	ExternalUserID    string         `json:"external_user_id" gorm:"column:external_user_id" validate:"required"`
	ExternalUsername  string         `json:"external_username,omitempty" gorm:"column:external_username"`
	ExternalMessageID string         `json:"external_message_id" gorm:"column:external_message_id" validate:"required"`
	ConversationID    *string        `json:"conversation_id,omitempty" gorm:"column:conversation_id"`
	Direction         string         `json:"direction" gorm:"column:direction" validate:"required,oneof=IN OUT"`
	MessageKind       string         `json:"message_kind" gorm:"column:message_kind" validate:"required,oneof=text image document"`
	Content           string         `json:"content" gorm:"column:content"`
	RawPayload        datatypes.JSON `json:"raw_payload,omitempty" gorm:"type:jsonb;column:raw_payload"`
	Status            string         `json:"status" gorm:"column:status" validate:"required,oneof=RECEIVED PROCESSING COMPLETED FAILED"`
	ErrorDetail       string         `json:"error_detail,omitempty" gorm:"column:error_detail"`
	FileID            string         `json:"file_id,omitempty" gorm:"column:file_id"`
	FilePath          string         `json:"file_path,omitempty" gorm:"column:file_path"`
	FileType          string         `json:"file_type,omitempty" gorm:"column:file_type"`
	FileName          string         `json:"file_name,omitempty" gorm:"column:file_name"`
	PlatformSentAt    *time.Time     `json:"platform_sent_at,omitempty" gorm:"column:platform_sent_at"`
	ClaimedAt         *time.Time     `json:"claimed_at,omitempty" gorm:"column:claimed_at"`
	ReplyStartedAt    *time.Time     `json:"reply_started_at,omitempty" gorm:"column:reply_started_at"`
	ProcessedAt       *time.Time     `json:"processed_at,omitempty" gorm:"column:processed_at"`
	// CreatedAt is the insertion time and the pending-poll cursor; platform clocks never set it.
	CreatedAt         time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM, respecting the Namer.
func (MessageLog) TableName(namer schema.Namer) string {
	return namer.TableName("message_logs")
}

// FileRef returns the attachment reference, or nil for plain text.
func (m *MessageLog) FileRef() *FileRef {
	if m.FileID == "" && m.FilePath == "" {
		return nil
	}
	return &FileRef{ID: m.FileID, Path: m.FilePath, Type: m.FileType, Name: m.FileName}
}

// Outcome is the terminal result handed to Resolve.
type Outcome struct {
	Status      string
	ErrorDetail string
}

// Completed is the successful outcome.
func Completed() Outcome {
	return Outcome{Status: MessageStatusCompleted}
}

// Failed is the failure outcome with a recorded reason.
func Failed(detail string) Outcome {
	return Outcome{Status: MessageStatusFailed, ErrorDetail: detail}
}

// PendingMessage is a RECEIVED inbound row joined with binding and employee display data.
type PendingMessage struct {
	ID               string     `json:"id" gorm:"column:id"`
	Platform         string     `json:"platform" gorm:"column:platform"`
	ExternalUserID   string     `json:"external_user_id" gorm:"column:external_user_id"`
	ExternalUsername string     `json:"external_username,omitempty" gorm:"column:external_username"`
	ConversationID   *string    `json:"conversation_id,omitempty" gorm:"column:conversation_id"`
	BindingID        *string    `json:"binding_id,omitempty" gorm:"column:binding_id"`
	BoundEmployeeID  *string    `json:"bound_employee_id" gorm:"column:bound_employee_id"`
	EmployeeName     *string    `json:"employee_name,omitempty" gorm:"column:employee_name"`
	Content          string     `json:"content" gorm:"column:content"`
	MessageKind      string     `json:"message_kind" gorm:"column:message_kind"`
	FileID           string     `json:"-" gorm:"column:file_id"`
	FilePath         string     `json:"-" gorm:"column:file_path"`
	FileType         string     `json:"-" gorm:"column:file_type"`
	FileName         string     `json:"-" gorm:"column:file_name"`
	FileRef          *FileRef   `json:"file_ref" gorm:"-"`
	PlatformSentAt   *time.Time `json:"platform_sent_at,omitempty" gorm:"column:platform_sent_at"`
	CreatedAt        time.Time  `json:"created_at" gorm:"column:created_at"`
}

// FillFileRef builds FileRef from the flat file columns.
func (p *PendingMessage) FillFileRef() {
	if p.FileID == "" && p.FilePath == "" {
		p.FileRef = nil
		return
	}
	p.FileRef = &FileRef{ID: p.FileID, Path: p.FilePath, Type: p.FileType, Name: p.FileName}
}

// IsBound reports whether the sender was bound to an employee when the message arrived.
func (p *PendingMessage) IsBound() bool {
	return p.BoundEmployeeID != nil && *p.BoundEmployeeID != ""
}

// PendingFilter narrows ListPending.
type PendingFilter struct {
	Platform string
	Since    time.Time
	Limit    int
}

// HistoryEntry is one line of conversation history handed to the completion client.
type HistoryEntry struct {
	Direction string
	Content   string
	CreatedAt time.Time
}
