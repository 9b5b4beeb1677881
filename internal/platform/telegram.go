package platform

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

const (
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
	telegramMaxMessage   = 4096
)

// TelegramAdapter handles Bot API webhooks registered with a secret_token.
type TelegramAdapter struct {
	token      string
	secret     string
	apiServer  string
	httpClient *http.Client

	mu  sync.Mutex
	bot *telego.Bot
}

// NewTelegramAdapter builds the adapter from the platform config document.
func NewTelegramAdapter(cfg *model.PlatformConfig, httpClient *http.Client) (*TelegramAdapter, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	return &TelegramAdapter{
		token:      settings[model.SettingBotToken],
		secret:     settings[model.SettingSecretToken],
		apiServer:  settings[model.SettingAPIServer],
		httpClient: httpClient,
	}, nil
}

func (a *TelegramAdapter) Platform() string {
	return model.PlatformTelegram
}

func (a *TelegramAdapter) Verify(req InboundRequest) error {
	if a.secret == "" {
		return apperrors.NewAdapterError(model.PlatformTelegram, apperrors.Unauthorized, errors.New("secret token not configured"))
	}
	got := req.Header.Get(telegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) != 1 {
		return apperrors.NewAdapterError(model.PlatformTelegram, apperrors.Unauthorized, errors.New("secret token mismatch"))
	}
	return nil
}

func (a *TelegramAdapter) Parse(req InboundRequest) (*model.IncomingMessage, error) {
	var update telego.Update
	if err := json.Unmarshal(req.Body, &update); err != nil {
		return nil, apperrors.NewAdapterError(model.PlatformTelegram, apperrors.MalformedPayload, err)
	}

	message := update.Message
	if message == nil {
		// Edits, reactions and membership updates are acknowledged without ingestion.
		return nil, ErrIgnored
	}
	user := message.From
	if user == nil {
		return nil, ErrIgnored
	}

	msg := &model.IncomingMessage{
		Platform:          model.PlatformTelegram,
		ExternalUserID:    strconv.FormatInt(user.ID, 10),
		ExternalUsername:  user.Username,
		ExternalMessageID: fmt.Sprintf("%d:%d", message.Chat.ID, message.MessageID),
		ConversationID:    strconv.FormatInt(message.Chat.ID, 10),
		Text:              message.Text,
		Kind:              model.MessageKindText,
		RawPayload:        json.RawMessage(req.Body),
		ReceivedAt:        time.Unix(message.Date, 0).UTC(),
	}
	if msg.ExternalUsername == "" {
		msg.ExternalUsername = user.FirstName
	}
	if msg.Text == "" {
		msg.Text = message.Caption
	}

	switch {
	case len(message.Photo) > 0:
		// Sizes are ordered smallest first.
		photo := message.Photo[len(message.Photo)-1]
		msg.Kind = model.MessageKindImage
		msg.File = &model.FileRef{ID: photo.FileID, Type: "image/jpeg"}
	case message.Document != nil:
		msg.Kind = model.MessageKindDocument
		msg.File = &model.FileRef{
			ID:   message.Document.FileID,
			Type: message.Document.MimeType,
			Name: message.Document.FileName,
		}
	case msg.Text == "":
		return nil, ErrIgnored
	}

	if code, ok := ParseBindCommand(msg.Text); ok {
		msg.BindCode = code
	}
	return msg, nil
}

func (a *TelegramAdapter) client() (*telego.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	if a.token == "" {
		return nil, errors.New("bot token not configured")
	}

	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if a.httpClient != nil {
		opts = append(opts, telego.WithHTTPClient(a.httpClient))
	}
	if a.apiServer != "" {
		opts = append(opts, telego.WithAPIServer(a.apiServer))
	}
	bot, err := telego.NewBot(a.token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a.bot = bot
	return bot, nil
}

// Send writes to the private chat of externalUserID; in private chats the chat id equals the user id.
func (a *TelegramAdapter) Send(ctx context.Context, externalUserID, content string) error {
	chatID, err := strconv.ParseInt(externalUserID, 10, 64)
	if err != nil {
		return apperrors.NewDispatchError(model.PlatformTelegram, fmt.Errorf("invalid chat id %q: %w", externalUserID, err))
	}
	bot, err := a.client()
	if err != nil {
		return apperrors.NewDispatchError(model.PlatformTelegram, err)
	}

	for _, chunk := range splitMessage(content, telegramMaxMessage) {
		if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return apperrors.NewDispatchError(model.PlatformTelegram, fmt.Errorf("send telegram message: %w", err))
		}
	}
	return nil
}

// ResolveFile looks up the file path of a Telegram file id via getFile.
func (a *TelegramAdapter) ResolveFile(ctx context.Context, fileID string) (model.FileRef, error) {
	bot, err := a.client()
	if err != nil {
		return model.FileRef{}, err
	}
	file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return model.FileRef{}, fmt.Errorf("get telegram file %s: %w", fileID, err)
	}
	if file.FilePath == "" {
		return model.FileRef{}, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	return model.FileRef{ID: fileID, Path: file.FilePath}, nil
}

var (
	_ Adapter      = (*TelegramAdapter)(nil)
	_ FileResolver = (*TelegramAdapter)(nil)
)
