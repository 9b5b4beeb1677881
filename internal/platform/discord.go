package platform

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

const discordMaxMessage = 2000

// Slash commands registered for the application.
const (
	discordCommandAsk  = "ask"
	discordCommandBind = "bind"
)

// DiscordAdapter handles interactions delivered to an HTTP interactions endpoint.
// Replies go out as direct messages through the bot session.
type DiscordAdapter struct {
	token      string
	publicKey  ed25519.PublicKey
	keyErr     error
	httpClient *http.Client

	mu      sync.Mutex
	session *discordgo.Session
}

// NewDiscordAdapter builds the adapter from the platform config document.
// An invalid public key is reported by Verify so the platform can still send.
func NewDiscordAdapter(cfg *model.PlatformConfig, httpClient *http.Client) (*DiscordAdapter, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	a := &DiscordAdapter{token: settings[model.SettingBotToken], httpClient: httpClient}
	key, err := hex.DecodeString(settings[model.SettingPublicKey])
	switch {
	case err != nil:
		a.keyErr = fmt.Errorf("decode public key: %w", err)
	case len(key) != ed25519.PublicKeySize:
		a.keyErr = fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	default:
		a.publicKey = ed25519.PublicKey(key)
	}
	return a, nil
}

func (a *DiscordAdapter) Platform() string {
	return model.PlatformDiscord
}

func (a *DiscordAdapter) Verify(req InboundRequest) error {
	if a.keyErr != nil {
		return apperrors.NewAdapterError(model.PlatformDiscord, apperrors.Unauthorized, a.keyErr)
	}
	r, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(req.Body))
	if err != nil {
		return apperrors.NewAdapterError(model.PlatformDiscord, apperrors.MalformedPayload, err)
	}
	r.Header = req.Header.Clone()
	if !discordgo.VerifyInteraction(r, a.publicKey) {
		return apperrors.NewAdapterError(model.PlatformDiscord, apperrors.Unauthorized, errors.New("invalid interaction signature"))
	}
	return nil
}

func (a *DiscordAdapter) Parse(req InboundRequest) (*model.IncomingMessage, error) {
	var it discordgo.Interaction
	if err := json.Unmarshal(req.Body, &it); err != nil {
		return nil, apperrors.NewAdapterError(model.PlatformDiscord, apperrors.MalformedPayload, err)
	}

	switch it.Type {
	case discordgo.InteractionPing:
		return nil, ErrPing
	case discordgo.InteractionApplicationCommand:
	default:
		return nil, ErrIgnored
	}

	user := it.User
	if user == nil && it.Member != nil {
		user = it.Member.User
	}
	if user == nil || it.ID == "" {
		return nil, apperrors.NewAdapterError(model.PlatformDiscord, apperrors.MalformedPayload, errors.New("interaction has no user"))
	}

	data := it.ApplicationCommandData()
	msg := &model.IncomingMessage{
		Platform:          model.PlatformDiscord,
		ExternalUserID:    user.ID,
		ExternalUsername:  user.Username,
		ExternalMessageID: it.ID,
		ConversationID:    it.ChannelID,
		Kind:              model.MessageKindText,
		RawPayload:        json.RawMessage(req.Body),
		ReceivedAt:        utils.Now(),
	}

	switch data.Name {
	case discordCommandAsk:
		msg.Text = stringOption(data.Options, "text")
		if msg.Text == "" {
			return nil, apperrors.NewAdapterError(model.PlatformDiscord, apperrors.MalformedPayload, errors.New("ask command without text"))
		}
	case discordCommandBind:
		code := strings.ToUpper(strings.TrimSpace(stringOption(data.Options, "code")))
		if code == "" {
			return nil, apperrors.NewAdapterError(model.PlatformDiscord, apperrors.MalformedPayload, errors.New("bind command without code"))
		}
		msg.Text = "/bind " + code
		msg.BindCode = code
	default:
		return nil, ErrIgnored
	}
	return msg, nil
}

func stringOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range opts {
		if opt == nil || opt.Name != name {
			continue
		}
		if s, ok := opt.Value.(string); ok {
			return s
		}
	}
	return ""
}

// Acknowledge answers a ping with PONG and a command with an ephemeral notice; the reply follows as a DM.
func (a *DiscordAdapter) Acknowledge(msg *model.IncomingMessage) []byte {
	if msg == nil {
		return utils.MustMarshalJSON(discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	}
	content := "Got it. The answer will arrive in your direct messages."
	if msg.BindCode != "" {
		content = "Checking your code. The result will arrive in your direct messages."
	}
	return utils.MustMarshalJSON(discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (a *DiscordAdapter) client() (*discordgo.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	if a.token == "" {
		return nil, errors.New("bot token not configured")
	}
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if a.httpClient != nil {
		session.Client = a.httpClient
	}
	a.session = session
	return session, nil
}

// Send opens (or reuses) the DM channel with the user and posts content in chunks of 2000 characters.
func (a *DiscordAdapter) Send(ctx context.Context, externalUserID, content string) error {
	session, err := a.client()
	if err != nil {
		return apperrors.NewDispatchError(model.PlatformDiscord, err)
	}
	channel, err := session.UserChannelCreate(externalUserID, discordgo.WithContext(ctx))
	if err != nil {
		return apperrors.NewDispatchError(model.PlatformDiscord, fmt.Errorf("open dm channel: %w", err))
	}
	for _, chunk := range splitMessage(content, discordMaxMessage) {
		if _, err := session.ChannelMessageSend(channel.ID, chunk, discordgo.WithContext(ctx)); err != nil {
			return apperrors.NewDispatchError(model.PlatformDiscord, fmt.Errorf("send discord message: %w", err))
		}
	}
	return nil
}

var (
	_ Adapter      = (*DiscordAdapter)(nil)
	_ Acknowledger = (*DiscordAdapter)(nil)
)
