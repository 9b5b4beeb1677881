package platform

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/validator"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// SignatureHeader carries "sha256=<hex hmac of body>" on generic webhook traffic in both directions.
const SignatureHeader = "X-Signature-256"

// WebhookPayload is the inbound JSON document of the generic webhook platform.
type WebhookPayload struct {
	MessageID      string         `json:"message_id" validate:"required,max=255"`
	UserID         string         `json:"user_id" validate:"required,max=255"`
	Username       string         `json:"username,omitempty"`
	Text           string         `json:"text"`
	Kind           string         `json:"kind,omitempty" validate:"omitempty,oneof=text image document"`
	File           *model.FileRef `json:"file,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
}

// OutboundPayload is POSTed to the configured callback URL.
type OutboundPayload struct {
	UserID  string    `json:"user_id"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// WebhookAdapter is the signed JSON integration for platforms without a dedicated adapter.
type WebhookAdapter struct {
	secret      string
	callbackURL string
	httpClient  *http.Client
}

// NewWebhookAdapter builds the adapter from the platform config document.
func NewWebhookAdapter(cfg *model.PlatformConfig, httpClient *http.Client) (*WebhookAdapter, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookAdapter{
		secret:      settings[model.SettingSecret],
		callbackURL: settings[model.SettingCallbackURL],
		httpClient:  httpClient,
	}, nil
}

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *WebhookAdapter) Platform() string {
	return model.PlatformWebhook
}

func (a *WebhookAdapter) Verify(req InboundRequest) error {
	if a.secret == "" {
		return apperrors.NewAdapterError(model.PlatformWebhook, apperrors.Unauthorized, errors.New("secret not configured"))
	}
	got := req.Header.Get(SignatureHeader)
	if !strings.HasPrefix(got, "sha256=") {
		return apperrors.NewAdapterError(model.PlatformWebhook, apperrors.Unauthorized, errors.New("missing signature"))
	}
	if !hmac.Equal([]byte(got), []byte(Sign(a.secret, req.Body))) {
		return apperrors.NewAdapterError(model.PlatformWebhook, apperrors.Unauthorized, errors.New("signature mismatch"))
	}
	return nil
}

func (a *WebhookAdapter) Parse(req InboundRequest) (*model.IncomingMessage, error) {
	var p WebhookPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, apperrors.NewAdapterError(model.PlatformWebhook, apperrors.MalformedPayload, err)
	}
	if err := validator.Validate(p); err != nil {
		return nil, apperrors.NewAdapterError(model.PlatformWebhook, apperrors.MalformedPayload, err)
	}

	kind := p.Kind
	if kind == "" {
		kind = model.MessageKindText
		if p.File != nil {
			kind = model.MessageKindDocument
		}
	}
	if kind != model.MessageKindText && p.File == nil {
		return nil, apperrors.NewAdapterError(model.PlatformWebhook, apperrors.MalformedPayload, fmt.Errorf("kind %s requires a file", kind))
	}
	if kind == model.MessageKindText && strings.TrimSpace(p.Text) == "" {
		return nil, apperrors.NewAdapterError(model.PlatformWebhook, apperrors.MalformedPayload, errors.New("empty text message"))
	}

	receivedAt := utils.Now()
	if p.Timestamp > 0 {
		receivedAt = utils.UnixToTime(p.Timestamp)
	}

	msg := &model.IncomingMessage{
		Platform:          model.PlatformWebhook,
		ExternalUserID:    p.UserID,
		ExternalUsername:  p.Username,
		ExternalMessageID: p.MessageID,
		ConversationID:    p.ConversationID,
		Text:              p.Text,
		Kind:              kind,
		File:              p.File,
		RawPayload:        json.RawMessage(req.Body),
		ReceivedAt:        receivedAt,
	}
	if code, ok := ParseBindCommand(p.Text); ok {
		msg.BindCode = code
	}
	return msg, nil
}

func (a *WebhookAdapter) Send(ctx context.Context, externalUserID, content string) error {
	if a.callbackURL == "" {
		return apperrors.NewDispatchError(model.PlatformWebhook, errors.New("callback url not configured"))
	}
	body := utils.MustMarshalJSON(OutboundPayload{UserID: externalUserID, Content: content, SentAt: utils.Now()})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.callbackURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewDispatchError(model.PlatformWebhook, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set(SignatureHeader, Sign(a.secret, body))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apperrors.NewDispatchError(model.PlatformWebhook, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewDispatchError(model.PlatformWebhook, fmt.Errorf("callback returned status %d", resp.StatusCode))
	}
	return nil
}

var _ Adapter = (*WebhookAdapter)(nil)
