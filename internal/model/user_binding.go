package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Binding status values. BOUND is never left once reached.
const (
	BindingStatusPending = "PENDING"
	BindingStatusBound   = "BOUND"
	BindingStatusExpired = "EXPIRED"
)

// UserBinding links an external chat identity to an internal employee.
// A row starts PENDING when a code is issued and carries the external identity once BOUND.
type UserBinding struct {
	ID               string     `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	EmployeeID       string     `json:"employee_id" gorm:"column:employee_id;index" validate:"required"`
	Platform         string     `json:"platform" gorm:"column:platform;index" validate:"required"`
	PlatformUserID   *string    `json:"platform_user_id,omitempty" gorm:"column:platform_user_id"`
	PlatformUsername string     `json:"platform_username,omitempty" gorm:"column:platform_username"`
	BindingCode      string     `json:"-" gorm:"column:binding_code"`
	Status           string     `json:"status" gorm:"column:status;index" validate:"required,oneof=PENDING BOUND EXPIRED"`
	CodeExpiresAt    time.Time  `json:"code_expires_at" gorm:"column:code_expires_at"`
	BoundAt          *time.Time `json:"bound_at,omitempty" gorm:"column:bound_at"`
	CreatedAt        time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM, respecting the Namer.
func (UserBinding) TableName(namer schema.Namer) string {
	return namer.TableName("user_bindings")
}

// IsBound reports whether the binding currently maps an external identity.
func (b *UserBinding) IsBound() bool {
	return b != nil && b.Status == BindingStatusBound
}

// ExternalUserID returns the bound platform user id or "".
func (b *UserBinding) ExternalUserID() string {
	if b == nil || b.PlatformUserID == nil {
		return ""
	}
	return *b.PlatformUserID
}

// IssuedCode is returned to the operator who requested a binding code.
type IssuedCode struct {
	BindingID string    `json:"binding_id"`
	Code      string    `json:"code"`
	DeepLink  string    `json:"deep_link,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}
