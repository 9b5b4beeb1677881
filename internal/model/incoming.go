package model

import (
	"encoding/json"
	"time"
)

// IncomingMessage is the platform-neutral form every adapter produces.
type IncomingMessage struct {
	Platform          string          `json:"platform" validate:"required,platform"`
	ExternalUserID    string          `json:"external_user_id" validate:"required"`
	ExternalUsername  string          `json:"external_username,omitempty"`
	ExternalMessageID string          `json:"external_message_id" validate:"required"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	Text              string          `json:"text"`
	Kind              string          `json:"kind" validate:"required,oneof=text image document"`
	File              *FileRef        `json:"file,omitempty"`
	BindCode          string          `json:"bind_code,omitempty" validate:"omitempty,bindcode"` // Set when the message is a binding command
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// NeedsAttachmentResolution reports whether the platform file handle still has to be turned into a path.
func (m *IncomingMessage) NeedsAttachmentResolution() bool {
	return m.File != nil && m.File.ID != "" && m.File.Path == ""
}
