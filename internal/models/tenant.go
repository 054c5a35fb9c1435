package models

import (
	"time"

	"gorm.io/datatypes"
)

// Tenant - клиент платформы со своими учётными данными маркетплейса.
type Tenant struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name   string `gorm:"size:255" json:"name"`
	Active bool   `gorm:"not null;default:true" json:"active"`

	MarketplaceLogin  string         `gorm:"size:255" json:"-"`
	MarketplaceSecret string         `gorm:"size:512" json:"-"`
	CredentialBlob    datatypes.JSON `json:"-"`
}

// HasCredentials - можно ли запускать поллер для тенанта.
func (t *Tenant) HasCredentials() bool {
	return t.MarketplaceLogin != "" && t.MarketplaceSecret != ""
}

// TenantCredential - желаемое состояние воркера тенанта.
type TenantCredential struct {
	TenantID    string
	Fingerprint string
}

// MarketplaceCredential - то, с чем поллер логинится на маркетплейс.
type MarketplaceCredential struct {
	TenantID string
	Login    string
	Secret   string
	Blob     []byte
}
