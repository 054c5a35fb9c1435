package rental

import (
	"context"
	"fmt"
	"strings"

	"rentd/internal/models"
)

const maxCASAttempts = 8

// Assign выдаёт свободный аккаунт покупателю без оплаченного времени.
func (s *Service) Assign(ctx context.Context, id uint, tenantID, owner string) (bool, error) {
	return s.AssignWithDuration(ctx, id, tenantID, owner, 0)
}

// AssignWithDuration выдаёт свободный аккаунт покупателю и в том же CAS
// выставляет длительность новой аренды. Минуты прошлого покупателя не
// наследуются. Часы не запускаются: старт приходит отдельным событием (StartClock).
func (s *Service) AssignWithDuration(ctx context.Context, id uint, tenantID, owner string, minutes int) (applied bool, err error) {
	defer func() { observe("assign", applied, err) }()

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, fmt.Errorf("owner is empty: %w", ErrInvalidArgument)
	}
	if minutes < 0 {
		return false, fmt.Errorf("minutes must not be negative, got %d: %w", minutes, ErrInvalidArgument)
	}
	a, err := s.store.Get(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if a.Rented() {
		return false, nil
	}

	applied, err = s.update(ctx, s.store, a, models.Expect{Unowned: true}, models.Changes{
		models.ColOwner:              owner,
		models.ColRentalStartedAt:    nil,
		models.ColFrozen:             false,
		models.ColFrozenAt:           nil,
		models.ColLastRentedTenantID: tenantID,
		models.ColRentalDuration:     minutes,
	})
	if err != nil || !applied {
		return false, err
	}

	s.log(a).WithField("owner", owner).WithField("duration_minutes", minutes).Info("rental: assigned")
	s.Changed(ctx, a, models.AuditAssigned, owner, map[string]any{
		"duration_minutes":          minutes,
		"previous_duration_minutes": a.RentalDurationMinutes,
	})
	return true, nil
}

// Release возвращает аккаунт в пул. Повторный вызов - false без изменений.
func (s *Service) Release(ctx context.Context, id uint, tenantID string) (applied bool, err error) {
	defer func() { observe("release", applied, err) }()

	a, err := s.store.Get(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if !a.Rented() {
		return false, nil
	}

	applied, err = s.update(ctx, s.store, a, models.Expect{Owner: a.Owner}, ReleaseChanges())
	if err != nil || !applied {
		return false, err
	}

	s.log(a).WithField("owner", a.Owner).Info("rental: released")
	s.Changed(ctx, a, models.AuditReleased, a.Owner, nil)
	return true, nil
}

// ReleaseChanges - колонки, которые сбрасываются при возврате аккаунта в пул.
func ReleaseChanges() models.Changes {
	return models.Changes{
		models.ColOwner:           "",
		models.ColRentalStartedAt: nil,
		models.ColFrozen:          false,
		models.ColFrozenAt:        nil,
	}
}

// ExtendDuration добавляет минуты к аренде и возвращает новую длительность.
// Read-modify-write через CAS по версии, поэтому параллельные продления не теряются.
func (s *Service) ExtendDuration(ctx context.Context, id uint, tenantID string, addMinutes int) (total int, err error) {
	defer func() { observe("extend", err == nil, err) }()

	if addMinutes <= 0 {
		return 0, fmt.Errorf("minutes must be positive, got %d: %w", addMinutes, ErrInvalidArgument)
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		a, err := s.store.Get(ctx, id, tenantID)
		if err != nil {
			return 0, err
		}
		total = a.RentalDurationMinutes + addMinutes
		ok, err := s.update(ctx, s.store, a, models.Expect{Version: a.Version}, models.Changes{
			models.ColRentalDuration: total,
		})
		if err != nil {
			return 0, err
		}
		if ok {
			s.Changed(ctx, a, models.AuditExtended, a.Owner, map[string]any{"added": addMinutes, "total": total})
			return total, nil
		}
	}
	return 0, fmt.Errorf("extend account %d: %w", id, ErrContention)
}

// StartClock - внешнее событие старта аренды. Срабатывает один раз
// на выдачу: только для занятого аккаунта с ещё не запущенными часами.
func (s *Service) StartClock(ctx context.Context, id uint, tenantID string) (applied bool, err error) {
	defer func() { observe("start", applied, err) }()

	a, err := s.store.Get(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if !a.Rented() || a.RentalStartedAt != nil {
		return false, nil
	}

	now := s.Now()
	applied, err = s.update(ctx, s.store, a, models.Expect{Owner: a.Owner, NotStarted: true}, models.Changes{
		models.ColRentalStartedAt: now,
	})
	if err != nil || !applied {
		return false, err
	}
	s.Changed(ctx, a, models.AuditStarted, a.Owner, map[string]any{"started_at": now})
	return true, nil
}
