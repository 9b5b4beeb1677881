package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// RandomJSONB generates random JSON data for testing.
func RandomJSONB() datatypes.JSON {
	jsonData := map[string]interface{}{
		"update_id": gofakeit.Number(1, 1_000_000),
		"note":      gofakeit.Word(),
	}
	bytes, _ := json.Marshal(jsonData)
	return datatypes.JSON(bytes)
}

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// NewPlatformConfig creates a PlatformConfig with fake data. Non-zero override fields win.
func NewPlatformConfig(overrideDefaults ...*PlatformConfig) *PlatformConfig {
	base := &PlatformConfig{
		Platform:    PlatformWebhook,
		DisplayName: gofakeit.Company(),
		Config: SettingsJSON(map[string]string{
			SettingSecret:           gofakeit.Password(true, true, true, false, false, 32),
			SettingCallbackURL:      gofakeit.URL(),
			SettingDeepLinkTemplate: "https://chat.example.com/bind?code=%s",
		}),
		WebhookURL: gofakeit.URL(),
		Enabled:    true,
		CreatedAt:  utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt:  utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.Platform != "" {
			base.Platform = ovr.Platform
		}
		if ovr.DisplayName != "" {
			base.DisplayName = ovr.DisplayName
		}
		if len(ovr.Config) > 0 {
			base.Config = ovr.Config
		}
		if ovr.WebhookURL != "" {
			base.WebhookURL = ovr.WebhookURL
		}
		base.Enabled = ovr.Enabled
	}
	return base
}

// NewUserBinding creates a PENDING UserBinding with fake data.
func NewUserBinding(overrideDefaults ...*UserBinding) *UserBinding {
	base := &UserBinding{
		ID:            uuid.NewString(),
		EmployeeID:    gofakeit.UUID(),
		Platform:      PlatformTelegram,
		BindingCode:   gofakeit.LetterN(6),
		Status:        BindingStatusPending,
		CodeExpiresAt: utils.Now().Add(30 * time.Minute),
		CreatedAt:     utils.Now(),
		UpdatedAt:     utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.EmployeeID != "" {
			base.EmployeeID = ovr.EmployeeID
		}
		if ovr.Platform != "" {
			base.Platform = ovr.Platform
		}
		if ovr.PlatformUserID != nil {
			base.PlatformUserID = ovr.PlatformUserID
		}
		if ovr.PlatformUsername != "" {
			base.PlatformUsername = ovr.PlatformUsername
		}
		if ovr.BindingCode != "" {
			base.BindingCode = ovr.BindingCode
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if !ovr.CodeExpiresAt.IsZero() {
			base.CodeExpiresAt = ovr.CodeExpiresAt
		}
		if ovr.BoundAt != nil {
			base.BoundAt = ovr.BoundAt
		}
	}
	return base
}

// NewBoundUserBinding creates a BOUND binding for the given external identity.
func NewBoundUserBinding(platform, externalUserID, employeeID string) *UserBinding {
	now := utils.Now()
	uid := externalUserID
	return NewUserBinding(&UserBinding{
		EmployeeID:       employeeID,
		Platform:         platform,
		PlatformUserID:   &uid,
		PlatformUsername: gofakeit.Username(),
		Status:           BindingStatusBound,
		BoundAt:          &now,
	})
}

// NewMessageLog creates an inbound RECEIVED MessageLog with fake data.
func NewMessageLog(overrideDefaults ...*MessageLog) *MessageLog {
	base := &MessageLog{
		ID:                uuid.NewString(),
		Platform:          PlatformTelegram,
		ExternalUserID:    strconv.Itoa(gofakeit.Number(10000, 99999999)),
		ExternalUsername:  gofakeit.Username(),
		ExternalMessageID: strconv.Itoa(gofakeit.Number(1, 1_000_000)),
		Direction:         MessageFlowIncoming,
		MessageKind:       MessageKindText,
		Content:           gofakeit.Sentence(8),
		RawPayload:        RandomJSONB(),
		Status:            MessageStatusReceived,
		CreatedAt:         utils.Now().Add(-time.Duration(gofakeit.Number(1, 60)) * time.Second),
		UpdatedAt:         utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.BindingID != nil {
			base.BindingID = ovr.BindingID
		}
		if ovr.Platform != "" {
			base.Platform = ovr.Platform
		}
		if ovr.ExternalUserID != "" {
			base.ExternalUserID = ovr.ExternalUserID
		}
		if ovr.ExternalMessageID != "" {
			base.ExternalMessageID = ovr.ExternalMessageID
		}
		if ovr.ConversationID != nil {
			base.ConversationID = ovr.ConversationID
		}
		if ovr.Direction != "" {
			base.Direction = ovr.Direction
		}
		if ovr.MessageKind != "" {
			base.MessageKind = ovr.MessageKind
		}
		if ovr.Content != "" {
			base.Content = ovr.Content
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.FileID != "" {
			base.FileID = ovr.FileID
		}
		if ovr.ClaimedAt != nil {
			base.ClaimedAt = ovr.ClaimedAt
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
	}
	return base
}

// NewAsyncTask creates a PENDING AsyncTask with fake data.
func NewAsyncTask(overrideDefaults ...*AsyncTask) *AsyncTask {
	messageID := uuid.NewString()
	input, _ := json.Marshal(AttachmentTaskInput{MessageLogID: messageID, Platform: PlatformTelegram, FileID: gofakeit.UUID()})
	base := &AsyncTask{
		ID:           uuid.NewString(),
		TaskType:     TaskTypeAttachmentResolve,
		Status:       TaskStatusPending,
		Priority:     TaskPriorityNormal,
		InputData:    datatypes.JSON(input),
		MessageLogID: &messageID,
		CreatedAt:    utils.Now(),
		UpdatedAt:    utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.TaskType != "" {
			base.TaskType = ovr.TaskType
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.Priority != 0 {
			base.Priority = ovr.Priority
		}
		if len(ovr.InputData) > 0 {
			base.InputData = ovr.InputData
		}
		if ovr.RetryCount != 0 {
			base.RetryCount = ovr.RetryCount
		}
		if ovr.MessageLogID != nil {
			base.MessageLogID = ovr.MessageLogID
		}
		if ovr.BindingID != nil {
			base.BindingID = ovr.BindingID
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
	}
	return base
}

// NewIncomingMessage creates a text IncomingMessage with fake data.
func NewIncomingMessage(overrideDefaults ...*IncomingMessage) *IncomingMessage {
	base := &IncomingMessage{
		Platform:          PlatformTelegram,
		ExternalUserID:    strconv.Itoa(gofakeit.Number(10000, 99999999)),
		ExternalUsername:  gofakeit.Username(),
		ExternalMessageID: strconv.Itoa(gofakeit.Number(1, 1_000_000)),
		Text:              gofakeit.Sentence(6),
		Kind:              MessageKindText,
		RawPayload:        json.RawMessage(RandomJSONB()),
		ReceivedAt:        utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.Platform != "" {
			base.Platform = ovr.Platform
		}
		if ovr.ExternalUserID != "" {
			base.ExternalUserID = ovr.ExternalUserID
		}
		if ovr.ExternalUsername != "" {
			base.ExternalUsername = ovr.ExternalUsername
		}
		if ovr.ExternalMessageID != "" {
			base.ExternalMessageID = ovr.ExternalMessageID
		}
		if ovr.ConversationID != "" {
			base.ConversationID = ovr.ConversationID
		}
		if ovr.Text != "" {
			base.Text = ovr.Text
		}
		if ovr.Kind != "" {
			base.Kind = ovr.Kind
		}
		if ovr.File != nil {
			base.File = ovr.File
		}
		if ovr.BindCode != "" {
			base.BindCode = ovr.BindCode
		}
		if !ovr.ReceivedAt.IsZero() {
			base.ReceivedAt = ovr.ReceivedAt
		}
	}
	return base
}

// NewEmployee creates an Employee with fake data.
func NewEmployee() *Employee {
	return &Employee{
		ID:         gofakeit.UUID(),
		Name:       gofakeit.Name(),
		Email:      gofakeit.Email(),
		Department: gofakeit.JobDescriptor(),
	}
}
