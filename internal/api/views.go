package api

import (
	"time"

	"rentd/internal/models"
	"rentd/internal/rental"
)

// AccountView - аккаунт для клиента: без секретов, с вычисленным состоянием.
type AccountView struct {
	ID                    uint       `json:"id"`
	TenantID              string     `json:"tenant_id"`
	Login                 string     `json:"login"`
	Owner                 string     `json:"owner,omitempty"`
	SkillValue            *int       `json:"skill_value,omitempty"`
	State                 string     `json:"state"`
	RemainingSeconds      *int64     `json:"remaining_seconds,omitempty"`
	RentalStartedAt       *time.Time `json:"rental_started_at,omitempty"`
	RentalDurationMinutes int        `json:"rental_duration_minutes"`
	Frozen                bool       `json:"frozen"`
	FrozenAt              *time.Time `json:"frozen_at,omitempty"`
	AccountFrozen         bool       `json:"account_frozen"`
	LowPriority           bool       `json:"low_priority"`
	Version               int64      `json:"version"`
}

func viewOf(a *models.Account, now time.Time) AccountView {
	v := AccountView{
		ID:                    a.ID,
		TenantID:              a.TenantID,
		Login:                 a.Login,
		Owner:                 a.Owner,
		SkillValue:            a.SkillValue,
		State:                 rental.State(a, now),
		RentalStartedAt:       a.RentalStartedAt,
		RentalDurationMinutes: a.RentalDurationMinutes,
		Frozen:                a.Frozen,
		FrozenAt:              a.FrozenAt,
		AccountFrozen:         a.AccountFrozen,
		LowPriority:           a.LowPriority,
		Version:               a.Version,
	}
	if rem, ok := rental.RemainingTime(a, now); ok && a.Rented() {
		secs := int64(rem / time.Second)
		v.RemainingSeconds = &secs
	}
	return v
}

func viewsOf(list []models.Account, now time.Time) []AccountView {
	out := make([]AccountView, 0, len(list))
	for i := range list {
		out = append(out, viewOf(&list[i], now))
	}
	return out
}

// ActionResponse - ответ на мутацию.
type ActionResponse struct {
	Applied bool         `json:"applied"`
	Account *AccountView `json:"account,omitempty"`
	Warning string       `json:"warning,omitempty"`

	AlreadyFrozen   bool         `json:"already_frozen,omitempty"`
	AlreadyRunning  bool         `json:"already_running,omitempty"`
	DurationMinutes int          `json:"duration_minutes,omitempty"`
	Replacement     *AccountView `json:"replacement,omitempty"`
	Status          string       `json:"status,omitempty"`
	Revoke          string       `json:"revoke,omitempty"`
}

func warningOf(what string, r models.ExternalResult) string {
	if !r.Failed() {
		return ""
	}
	return what + " failed: " + r.Err.Error()
}
