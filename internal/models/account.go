package models

import (
	"time"

	"gorm.io/datatypes"
)

// Account - арендуемый набор учётных данных.
type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID           string `gorm:"index;size:64;not null" json:"tenant_id"`
	LastRentedTenantID string `gorm:"size:64" json:"last_rented_tenant_id,omitempty"`
	Owner              string `gorm:"index;size:255;not null;default:''" json:"owner,omitempty"` // "" - свободен

	SkillValue *int `gorm:"index" json:"skill_value,omitempty"` // MMR

	RentalStartedAt       *time.Time `json:"rental_started_at,omitempty"`
	RentalDurationMinutes int        `gorm:"not null;default:0" json:"rental_duration_minutes"`
	Frozen                bool       `gorm:"not null;default:false" json:"frozen"`
	FrozenAt              *time.Time `json:"frozen_at,omitempty"`

	AccountFrozen bool `gorm:"not null;default:false" json:"account_frozen"`
	LowPriority   bool `gorm:"not null;default:false" json:"low_priority"`

	Login          string         `gorm:"size:255" json:"login"`
	Secret         string         `gorm:"size:255" json:"-"`
	CredentialBlob datatypes.JSON `json:"-"`

	Version int64 `gorm:"not null;default:1" json:"version"`
}

// Rented - аккаунт сейчас у покупателя.
func (a *Account) Rented() bool { return a.Owner != "" }

// Credential - то, что отзывается при возврате аккаунта.
func (a *Account) Credential() Credential {
	return Credential{AccountID: a.ID, TenantID: a.TenantID, Login: a.Login, Secret: a.Secret, Blob: a.CredentialBlob}
}

// Колонки, которые можно менять через ConditionalUpdate.
const (
	ColOwner              = "owner"
	ColLastRentedTenantID = "last_rented_tenant_id"
	ColRentalStartedAt    = "rental_started_at"
	ColRentalDuration     = "rental_duration_minutes"
	ColFrozen             = "frozen"
	ColFrozenAt           = "frozen_at"
	ColLowPriority        = "low_priority"
)

// Changes - набор изменений колонок (значение nil => NULL).
type Changes map[string]any

// Expect - предикат текущего состояния для compare-and-swap обновления.
// Пустые поля не проверяются.
type Expect struct {
	Unowned    bool   // owner = ''
	Owner      string // owner = ?
	Frozen     *bool  // frozen = ?
	NotStarted bool   // rental_started_at IS NULL
	Version    int64  // version = ?
}

// Bool - хелпер для Expect.Frozen.
func Bool(v bool) *bool { return &v }

// Credential - учётка аккаунта для сервиса отзыва.
type Credential struct {
	AccountID uint
	TenantID  string
	Login     string
	Secret    string
	Blob      []byte
}
