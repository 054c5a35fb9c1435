package rental

import (
	"context"
	"fmt"
	"time"

	"rentd/internal/models"
)

// Вся арифметика часов аренды живёт в этом файле.

// RemainingTime - сколько осталось. ok=false, если часы ещё не запускались
// (это не ноль и не бесконечность). Пока аккаунт заморожен, время не идёт.
func RemainingTime(a *models.Account, now time.Time) (time.Duration, bool) {
	if a.RentalStartedAt == nil {
		return 0, false
	}
	end := a.RentalStartedAt.Add(time.Duration(a.RentalDurationMinutes) * time.Minute)
	ref := now
	if a.Frozen && a.FrozenAt != nil {
		ref = *a.FrozenAt
	}
	rem := end.Sub(ref)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// EffectiveStart - старт, сдвинутый на текущую паузу: с ним незамороженные
// часы показывают столько же оставшегося времени, сколько замороженные сейчас.
func EffectiveStart(a *models.Account, now time.Time) *time.Time {
	if a.RentalStartedAt == nil {
		return nil
	}
	start := *a.RentalStartedAt
	if a.Frozen && a.FrozenAt != nil && now.After(*a.FrozenAt) {
		start = start.Add(now.Sub(*a.FrozenAt))
	}
	return &start
}

// Expired - идущая (не замороженная) аренда, у которой вышло время.
func Expired(a *models.Account, now time.Time) bool {
	if !a.Rented() || a.Frozen {
		return false
	}
	rem, ok := RemainingTime(a, now)
	return ok && rem <= 0
}

// Состояния аккаунта для API.
const (
	StateAvailable     = "available"
	StateAwaitingStart = "awaiting_start"
	StateRunning       = "running"
	StateFrozen        = "frozen"
	StateExpired       = "expired"
)

func State(a *models.Account, now time.Time) string {
	switch {
	case !a.Rented():
		return StateAvailable
	case a.Frozen:
		return StateFrozen
	case a.RentalStartedAt == nil:
		return StateAwaitingStart
	case Expired(a, now):
		return StateExpired
	default:
		return StateRunning
	}
}

type FreezeOptions struct {
	// RevokeCredentials - заморозка администратором: учётка отзывается.
	RevokeCredentials bool
}

type FreezeResult struct {
	Applied       bool
	AlreadyFrozen bool
	FrozenAt      time.Time
	Remaining     time.Duration
	Revoke        models.ExternalResult
}

// Freeze ставит часы аренды на паузу. Свободный аккаунт или аренда,
// часы которой не стартовали, - конфликт.
func (s *Service) Freeze(ctx context.Context, id uint, tenantID string, opts FreezeOptions) (res FreezeResult, err error) {
	defer func() { observe("freeze", res.Applied, err) }()
	res.Revoke = models.Skipped()

	// Проигрыш CAS только по версии (например, параллельное продление) - повтор.
	now := s.Now()
	var a *models.Account
	for attempt := 0; ; attempt++ {
		if attempt == maxCASAttempts {
			return res, fmt.Errorf("freeze account %d: %w", id, ErrContention)
		}
		if a, err = s.store.Get(ctx, id, tenantID); err != nil {
			return res, err
		}
		if a.Frozen {
			return alreadyFrozen(a), nil
		}
		if !a.Rented() || a.RentalStartedAt == nil {
			return res, nil
		}
		ok, uerr := s.update(ctx, s.store, a, models.Expect{Owner: a.Owner, Frozen: models.Bool(false), Version: a.Version}, models.Changes{
			models.ColFrozen:   true,
			models.ColFrozenAt: now,
		})
		if uerr != nil {
			return res, uerr
		}
		if ok {
			break
		}
	}

	a.Frozen, a.FrozenAt = true, &now
	res.Applied = true
	res.FrozenAt = now
	res.Remaining, _ = RemainingTime(a, now)

	if opts.RevokeCredentials {
		res.Revoke = s.revoker.Revoke(ctx, a.Credential())
		if res.Revoke.Failed() {
			s.log(a).WithError(res.Revoke.Err).Warn("rental: revoke on freeze failed")
		}
	}

	s.log(a).WithField("remaining", res.Remaining).Info("rental: frozen")
	s.Changed(ctx, a, models.AuditFrozen, a.Owner, map[string]any{
		"remaining_seconds": int64(res.Remaining.Seconds()),
		"revoke":            res.Revoke.Status,
	})
	return res, nil
}

func alreadyFrozen(a *models.Account) FreezeResult {
	r := FreezeResult{Applied: true, AlreadyFrozen: true, Revoke: models.Skipped()}
	if a.FrozenAt != nil {
		r.FrozenAt = *a.FrozenAt
		r.Remaining, _ = RemainingTime(a, *a.FrozenAt)
	}
	return r
}

type ResumeResult struct {
	Applied        bool
	AlreadyRunning bool
	StartedAt      *time.Time
	Remaining      time.Duration
}

// Resume снимает паузу: старт сдвигается ровно на длительность паузы,
// поэтому оставшееся время до и после паузы совпадает.
func (s *Service) Resume(ctx context.Context, id uint, tenantID string) (res ResumeResult, err error) {
	defer func() { observe("resume", res.Applied, err) }()

	now := s.Now()
	var (
		a     *models.Account
		start *time.Time
	)
	for attempt := 0; ; attempt++ {
		if attempt == maxCASAttempts {
			return res, fmt.Errorf("resume account %d: %w", id, ErrContention)
		}
		if a, err = s.store.Get(ctx, id, tenantID); err != nil {
			return res, err
		}
		if !a.Frozen {
			if !a.Rented() {
				return res, nil
			}
			res.Applied, res.AlreadyRunning = true, true
			res.StartedAt = a.RentalStartedAt
			res.Remaining, _ = RemainingTime(a, now)
			return res, nil
		}
		// версия защищает frozen_at, от которого считается сдвиг старта
		start = EffectiveStart(a, now)
		ok, uerr := s.update(ctx, s.store, a, models.Expect{Owner: a.Owner, Frozen: models.Bool(true), Version: a.Version}, models.Changes{
			models.ColFrozen:          false,
			models.ColFrozenAt:        nil,
			models.ColRentalStartedAt: timeOrNil(start),
		})
		if uerr != nil {
			return res, uerr
		}
		if ok {
			break
		}
	}

	a.Frozen, a.FrozenAt, a.RentalStartedAt = false, nil, start
	res.Applied = true
	res.StartedAt = start
	res.Remaining, _ = RemainingTime(a, now)

	s.log(a).WithField("remaining", res.Remaining).Info("rental: resumed")
	s.Changed(ctx, a, models.AuditResumed, a.Owner, map[string]any{"remaining_seconds": int64(res.Remaining.Seconds())})
	return res, nil
}
