package models

import (
	"time"

	"gorm.io/datatypes"
)

// Виды событий аудита.
const (
	AuditAssigned  = "assigned"
	AuditReleased  = "released"
	AuditReclaimed = "reclaimed"
	AuditReplaced  = "replaced"
	AuditFrozen    = "frozen"
	AuditResumed   = "resumed"
	AuditExtended  = "extended"
	AuditStarted   = "started"
)

type AuditEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	TenantID  string         `gorm:"index;size:64" json:"tenant_id"`
	AccountID uint           `gorm:"index" json:"account_id"`
	Kind      string         `gorm:"size:32" json:"kind"`
	Owner     string         `gorm:"size:255" json:"owner,omitempty"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
}

// ExternalStatus - итог вызова внешнего сервиса.
type ExternalStatus string

const (
	ExternalOK      ExternalStatus = "ok"
	ExternalFailed  ExternalStatus = "failed"
	ExternalSkipped ExternalStatus = "skipped"
)

// ExternalResult - типизированный результат best-effort вызова.
type ExternalResult struct {
	Status ExternalStatus
	Err    error
}

func ResultOf(err error) ExternalResult {
	if err != nil {
		return ExternalResult{Status: ExternalFailed, Err: err}
	}
	return ExternalResult{Status: ExternalOK}
}

func Skipped() ExternalResult { return ExternalResult{Status: ExternalSkipped} }

func (r ExternalResult) Failed() bool { return r.Status == ExternalFailed }
