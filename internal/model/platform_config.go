package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Supported platform identifiers. The set is closed: each one has exactly one adapter.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformWebhook  = "webhook"
)

// SupportedPlatforms lists every platform identifier an adapter exists for.
var SupportedPlatforms = []string{PlatformTelegram, PlatformDiscord, PlatformWebhook}

// IsSupportedPlatform reports whether p names a known platform.
func IsSupportedPlatform(p string) bool {
	for _, s := range SupportedPlatforms {
		if s == p {
			return true
		}
	}
	return false
}

// PlatformConfig is one row per supported chat platform.
type PlatformConfig struct {
	// Platform is the immutable identifier and primary key.
	Platform    string `json:"platform" gorm:"column:platform;primaryKey" validate:"required,oneof=telegram discord webhook"`
	DisplayName string `json:"display_name" gorm:"column:display_name"`
	// Config is the opaque settings document (tokens, secrets, templates). Never rendered to API callers.
	Config     datatypes.JSON `json:"-" gorm:"type:jsonb;column:config"`
	WebhookURL string         `json:"webhook_url" gorm:"column:webhook_url"`
	Enabled    bool           `json:"enabled" gorm:"column:enabled"`
	CreatedAt  time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM, respecting the Namer.
func (PlatformConfig) TableName(namer schema.Namer) string {
	return namer.TableName("platform_configs")
}

// Settings decodes the config document as a flat string map.
func (p *PlatformConfig) Settings() (map[string]string, error) {
	settings := map[string]string{}
	if len(p.Config) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(p.Config, &settings); err != nil {
		return nil, fmt.Errorf("decode config of platform %s: %w", p.Platform, err)
	}
	return settings, nil
}

// Setting returns a single key of the config document, or "" when absent or undecodable.
func (p *PlatformConfig) Setting(key string) string {
	settings, err := p.Settings()
	if err != nil {
		return ""
	}
	return settings[key]
}

// SettingsJSON encodes settings into a config document.
func SettingsJSON(settings map[string]string) datatypes.JSON {
	if settings == nil {
		settings = map[string]string{}
	}
	b, _ := json.Marshal(settings)
	return datatypes.JSON(b)
}

// Config document keys understood by the adapters.
const (
	SettingBotToken         = "bot_token"
	SettingSecretToken      = "secret_token"
	SettingPublicKey        = "public_key"
	SettingSecret           = "secret"
	SettingCallbackURL      = "callback_url"
	SettingDeepLinkTemplate = "deep_link_template"
	SettingAPIServer        = "api_server"
)
